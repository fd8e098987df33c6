package journal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/0xc0d3d00d/candleflow/internal/domain"
)

const (
	tickByteSize = 24
	journalName  = "ticks.journal"
)

var ErrCorruptRecord = errors.New("corrupt journal record")

// Journal is the append-only log of the retained tick window. It exists
// so a restart can re-derive the live candles without refetching; it is
// not durable candle storage and holds nothing past the retention window
// once compacted.
type Journal struct {
	fs   afero.Fs
	path string

	mu   sync.Mutex
	file afero.File
}

func Open(fs afero.Fs, dir string) (*Journal, error) {
	if err := fs.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	filename := path.Join(dir, journalName)
	file, err := fs.OpenFile(filename, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal file: %w", err)
	}

	return &Journal{
		fs:   fs,
		path: filename,
		file: file,
	}, nil
}

// Append writes one tick record.
func (j *Journal) Append(tick domain.Tick) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if _, err := j.file.Seek(0, io.SeekEnd); err != nil {
		return err
	}

	n, err := j.file.Write(encodeTick(tick))
	if n != tickByteSize && err == nil {
		err = io.ErrShortWrite
	}
	return err
}

// Replay reads every intact record from the start of the journal. A
// truncated trailing record (crash mid-write) is dropped silently.
func (j *Journal) Replay() ([]domain.Tick, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if _, err := j.file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	data, err := io.ReadAll(j.file)
	if err != nil {
		return nil, fmt.Errorf("failed to read journal: %w", err)
	}

	ticks := make([]domain.Tick, 0, len(data)/tickByteSize)
	for off := 0; off+tickByteSize <= len(data); off += tickByteSize {
		tick, err := decodeTick(data[off : off+tickByteSize])
		if err != nil {
			return nil, err
		}
		ticks = append(ticks, tick)
	}

	return ticks, nil
}

// Compact rewrites the journal with just the given ticks, dropping
// everything that aged out of the retention window.
func (j *Journal) Compact(ticks []domain.Tick) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.file.Close(); err != nil {
		return err
	}

	file, err := j.fs.Create(j.path)
	if err != nil {
		return fmt.Errorf("failed to rewrite journal: %w", err)
	}
	j.file = file

	for _, tick := range ticks {
		n, err := file.Write(encodeTick(tick))
		if n != tickByteSize && err == nil {
			err = io.ErrShortWrite
		}
		if err != nil {
			return err
		}
	}

	return nil
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Close()
}

func encodeTick(tick domain.Tick) []byte {
	buf := make([]byte, tickByteSize)
	binary.LittleEndian.PutUint64(buf, uint64(tick.Time.UnixNano()))
	binary.LittleEndian.PutUint64(buf[8:], math.Float64bits(tick.Price))
	binary.LittleEndian.PutUint64(buf[16:], uint64(tick.Volume))
	return buf
}

func decodeTick(buf []byte) (domain.Tick, error) {
	if len(buf) != tickByteSize {
		return domain.Tick{}, ErrCorruptRecord
	}

	price := math.Float64frombits(binary.LittleEndian.Uint64(buf[8:16]))
	if math.IsNaN(price) || math.IsInf(price, 0) {
		return domain.Tick{}, ErrCorruptRecord
	}

	return domain.Tick{
		Time:   time.Unix(0, int64(binary.LittleEndian.Uint64(buf[:8]))).UTC(),
		Price:  price,
		Volume: int64(binary.LittleEndian.Uint64(buf[16:])),
	}, nil
}

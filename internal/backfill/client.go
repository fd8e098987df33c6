package backfill

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/0xc0d3d00d/candleflow/internal/domain"
)

// Fetcher retrieves the ticks covering a gap. The aggregator treats the
// result as just more ticks to rebuild with.
type Fetcher interface {
	FetchTicks(ctx context.Context, from, to time.Time) ([]domain.Tick, error)
}

const (
	timestampLayout = "2006-01-02T15:04:05"
	maxPages        = 100
)

type Config struct {
	BaseURL    string
	APIKey     string
	Identifier string
	Password   string
	Epic       string
	// Resolution of the provider's historical records; each record is
	// expanded into ticks spanning one bucket of this width.
	Resolution domain.Resolution
	PageSize   int
}

// Client talks to the provider's REST API: session authentication plus
// the paginated historical-prices endpoint. It also serves as the token
// source for the streaming transport, since both share one session.
type Client struct {
	cfg  Config
	http *http.Client

	mu            sync.Mutex
	cst           string
	securityToken string
}

func NewClient(cfg Config) *Client {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 500
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

// Tokens returns the current session tokens, authenticating first if
// there is no session yet.
func (c *Client) Tokens(ctx context.Context) (string, string, error) {
	c.mu.Lock()
	cst, securityToken := c.cst, c.securityToken
	c.mu.Unlock()

	if cst != "" && securityToken != "" {
		return cst, securityToken, nil
	}
	if err := c.Authenticate(ctx); err != nil {
		return "", "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cst, c.securityToken, nil
}

// Authenticate opens a new API session. The tokens arrive as response
// headers, not in the body.
func (c *Client) Authenticate(ctx context.Context) error {
	if c.cfg.APIKey == "" || c.cfg.Identifier == "" || c.cfg.Password == "" {
		return fmt.Errorf("backfill: missing API credentials")
	}

	payload, err := json.Marshal(map[string]string{
		"identifier": c.cfg.Identifier,
		"password":   c.cfg.Password,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/api/v1/session", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("X-CAP-API-KEY", c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Version", "1")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to open session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("session request failed: %d - %s", resp.StatusCode, body)
	}

	cst := resp.Header.Get("CST")
	securityToken := resp.Header.Get("X-SECURITY-TOKEN")
	if cst == "" || securityToken == "" {
		return fmt.Errorf("session response missing tokens")
	}

	c.mu.Lock()
	c.cst = cst
	c.securityToken = securityToken
	c.mu.Unlock()

	slog.Info("provider session opened")
	return nil
}

// FetchTicks pages backwards through the provider's historical prices for
// [from, to) and converts them into an ascending tick sequence.
func (c *Client) FetchTicks(ctx context.Context, from, to time.Time) ([]domain.Tick, error) {
	var ticks []domain.Tick

	currentTo := to
	for page := 0; page < maxPages && from.Before(currentTo); page++ {
		records, err := c.fetchPage(ctx, from, currentTo)
		if err != nil {
			return nil, err
		}
		if len(records) == 0 {
			break
		}

		oldest := currentTo
		for _, record := range records {
			ts, err := record.time()
			if err != nil {
				slog.Debug("skipping record without timestamp", "error", err)
				continue
			}
			if ts.Before(oldest) {
				oldest = ts
			}
			ticks = append(ticks, record.ticks(ts, c.cfg.Resolution)...)
		}

		if len(records) < c.cfg.PageSize {
			break
		}
		currentTo = oldest.Add(-time.Second)
	}

	sort.SliceStable(ticks, func(i, j int) bool { return ticks[i].Time.Before(ticks[j].Time) })

	slog.Info("backfill fetch complete", "from", from, "to", to, "ticks", len(ticks))
	return ticks, nil
}

func (c *Client) fetchPage(ctx context.Context, from, to time.Time) ([]priceRecord, error) {
	cst, securityToken, err := c.Tokens(ctx)
	if err != nil {
		return nil, err
	}

	query := url.Values{}
	query.Set("resolution", providerResolution(c.cfg.Resolution))
	query.Set("from", from.UTC().Format(timestampLayout))
	query.Set("to", to.UTC().Format(timestampLayout))
	query.Set("max", strconv.Itoa(c.cfg.PageSize))

	endpoint := fmt.Sprintf("%s/api/v1/prices/%s?%s", c.cfg.BaseURL, c.cfg.Epic, query.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-CAP-API-KEY", c.cfg.APIKey)
	req.Header.Set("CST", cst)
	req.Header.Set("X-SECURITY-TOKEN", securityToken)
	req.Header.Set("Version", "1")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch prices: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		slog.Info("provider session expired, re-authenticating")
		c.mu.Lock()
		c.cst, c.securityToken = "", ""
		c.mu.Unlock()
		if err := c.Authenticate(ctx); err != nil {
			return nil, err
		}
		return c.fetchPage(ctx, from, to)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("prices request failed: %d - %s", resp.StatusCode, body)
	}

	var payload struct {
		Prices []priceRecord `json:"prices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode prices response: %w", err)
	}

	return payload.Prices, nil
}

// priceRecord is one historical OHLC record; every corner is a bid/ask
// pair.
type priceRecord struct {
	SnapshotTime     string     `json:"snapshotTime"`
	SnapshotTimeUTC  string     `json:"snapshotTimeUTC"`
	OpenPrice        priceSides `json:"openPrice"`
	HighPrice        priceSides `json:"highPrice"`
	LowPrice         priceSides `json:"lowPrice"`
	ClosePrice       priceSides `json:"closePrice"`
	LastTradedVolume int64      `json:"lastTradedVolume"`
}

type priceSides struct {
	Bid   *float64 `json:"bid"`
	Ask   *float64 `json:"ask"`
	Offer *float64 `json:"offer"`
}

func (p priceSides) raw() domain.RawQuote {
	ask := p.Ask
	if ask == nil {
		ask = p.Offer
	}
	return domain.RawQuote{Bid: p.Bid, Ask: ask}
}

func (r priceRecord) time() (time.Time, error) {
	s := r.SnapshotTimeUTC
	if s == "" {
		s = r.SnapshotTime
	}
	if s == "" {
		return time.Time{}, fmt.Errorf("record has no snapshot time")
	}
	ts, err := time.Parse(time.RFC3339, s)
	if err == nil {
		return ts.UTC(), nil
	}
	ts, err = time.Parse(timestampLayout, s)
	if err != nil {
		return time.Time{}, err
	}
	return ts.UTC(), nil
}

// ticks expands one OHLC record into four ticks spread across its bucket,
// ordered open, high, low, close, so folding them back reproduces the
// record's OHLC exactly.
func (r priceRecord) ticks(start time.Time, resolution domain.Resolution) []domain.Tick {
	quarter := resolution.Duration() / 4
	corners := []struct {
		sides  priceSides
		offset time.Duration
	}{
		{r.OpenPrice, 0},
		{r.HighPrice, quarter},
		{r.LowPrice, 2 * quarter},
		{r.ClosePrice, 3 * quarter},
	}

	ticks := make([]domain.Tick, 0, 4)
	for i, corner := range corners {
		raw := corner.sides.raw()
		raw.Time = start.Add(corner.offset)
		if i == len(corners)-1 {
			raw.Volume = r.LastTradedVolume
		}
		tick, err := domain.Normalize(raw, raw.Time)
		if err != nil {
			continue
		}
		ticks = append(ticks, tick)
	}
	return ticks
}

func providerResolution(r domain.Resolution) string {
	switch r {
	case domain.Resolution(time.Minute):
		return "MINUTE"
	case domain.Resolution(5 * time.Minute):
		return "MINUTE_5"
	case domain.Resolution(15 * time.Minute):
		return "MINUTE_15"
	case domain.Resolution(30 * time.Minute):
		return "MINUTE_30"
	case domain.Resolution(time.Hour):
		return "HOUR"
	case domain.Resolution(4 * time.Hour):
		return "HOUR_4"
	case domain.Resolution(24 * time.Hour):
		return "DAY"
	default:
		return "MINUTE"
	}
}

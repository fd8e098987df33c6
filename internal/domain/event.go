package domain

import "time"

// EventKind discriminates the events pushed to subscribers.
type EventKind int

const (
	EventCandleUpdated EventKind = iota
	EventCandleClosed
	EventConnectionState
)

func (k EventKind) String() string {
	switch k {
	case EventCandleUpdated:
		return "candle_updated"
	case EventCandleClosed:
		return "candle_closed"
	case EventConnectionState:
		return "connection_state"
	default:
		return "unknown"
	}
}

// Event is one notification to downstream subscribers. Candle is set for
// candle events, State for connection-state events. Closure is advisory:
// a late tick may legitimately amend a candle already reported closed.
type Event struct {
	Kind   EventKind
	Time   time.Time
	Candle Candle
	State  string
}

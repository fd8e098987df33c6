package stream

import (
	"encoding/json"
	"time"

	"github.com/0xc0d3d00d/candleflow/internal/domain"
)

// Upstream wire destinations. Dispatch is over this closed set; anything
// else falls through to the default arm and is logged, never fatal.
const (
	destQuote     = "quote"
	destSubscribe = "marketData.subscribe"
	destPing      = "ping"
)

// serverMessage is the envelope of every inbound feed message.
type serverMessage struct {
	Destination string          `json:"destination"`
	Status      string          `json:"status"`
	Payload     json.RawMessage `json:"payload"`
}

// quotePayload carries one price update. The feed calls the ask "ofr" and
// may omit any of the fields, including the timestamp.
type quotePayload struct {
	Epic      string   `json:"epic"`
	Bid       *float64 `json:"bid"`
	Ask       *float64 `json:"ofr"`
	Timestamp int64    `json:"timestamp"`
}

func (p quotePayload) rawQuote() domain.RawQuote {
	raw := domain.RawQuote{
		Bid: p.Bid,
		Ask: p.Ask,
	}
	if p.Timestamp > 0 {
		raw.Time = time.UnixMilli(p.Timestamp).UTC()
	}
	return raw
}

type subscribeRequest struct {
	Destination   string           `json:"destination"`
	CorrelationId string           `json:"correlationId"`
	CST           string           `json:"cst"`
	SecurityToken string           `json:"securityToken"`
	Payload       subscribePayload `json:"payload"`
}

type subscribePayload struct {
	Epics []string `json:"epics"`
}

type subscribeResponse struct {
	Subscriptions map[string]string `json:"subscriptions"`
}

type pingRequest struct {
	Destination   string `json:"destination"`
	CorrelationId string `json:"correlationId"`
	CST           string `json:"cst"`
	SecurityToken string `json:"securityToken"`
}

package pipeline

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/nexus-trading/poolwatch/internal/solana"
	"github.com/rs/zerolog/log"
)

// Kind classifies an inbound stream message.
type Kind int

const (
	KindIgnored   Kind = iota // malformed or irrelevant
	KindAck                   // subscription acknowledgement
	KindRPCError              // RPC-level error
	KindCandidate             // pool creation with a transaction reference
)

func (k Kind) String() string {
	switch k {
	case KindAck:
		return "ack"
	case KindRPCError:
		return "rpc_error"
	case KindCandidate:
		return "candidate"
	default:
		return "ignored"
	}
}

// Candidate is a matched pool creation event.
type Candidate struct {
	Signature  solana.Signature
	Source     Subscription
	ReceivedAt time.Time
}

// Filter recognises pool creation log notifications.
type Filter struct {
	subs []Subscription
}

// NewFilter creates a filter over the enabled pool sources.
func NewFilter(subs []Subscription) *Filter {
	cp := make([]Subscription, len(subs))
	copy(cp, subs)
	return &Filter{subs: cp}
}

// inbound covers the three message shapes the feed sends. Every field is
// decoded lazily so a wrong type in one place cannot fail the whole message.
type inbound struct {
	Result json.RawMessage `json:"result"`
	Error  json.RawMessage `json:"error"`
	Params json.RawMessage `json:"params"`
}

type notification struct {
	Result struct {
		Value struct {
			Logs      json.RawMessage `json:"logs"`
			Signature json.RawMessage `json:"signature"`
		} `json:"value"`
	} `json:"result"`
}

// Classify inspects raw and returns its kind, plus the candidate when the
// kind is KindCandidate. It never panics on arbitrary input.
func (f *Filter) Classify(raw []byte) (Kind, Candidate) {
	var msg inbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		return KindIgnored, Candidate{}
	}

	if present(msg.Result) && !present(msg.Error) {
		log.Debug().RawJSON("result", msg.Result).Msg("pipeline: subscription acknowledged")
		return KindAck, Candidate{}
	}
	if present(msg.Error) {
		log.Warn().Str("error", string(msg.Error)).Msg("pipeline: rpc error from stream")
		return KindRPCError, Candidate{}
	}
	if !present(msg.Params) {
		return KindIgnored, Candidate{}
	}

	var note notification
	if err := json.Unmarshal(msg.Params, &note); err != nil {
		return KindIgnored, Candidate{}
	}
	var sig string
	if err := json.Unmarshal(note.Result.Value.Signature, &sig); err != nil || sig == "" {
		return KindIgnored, Candidate{}
	}
	var logs []json.RawMessage
	if err := json.Unmarshal(note.Result.Value.Logs, &logs); err != nil || len(logs) == 0 {
		return KindIgnored, Candidate{}
	}

	for _, sub := range f.subs {
		if sub.Match == "" {
			continue
		}
		for _, entry := range logs {
			var line string
			if json.Unmarshal(entry, &line) != nil {
				continue
			}
			if strings.Contains(line, sub.Match) {
				return KindCandidate, Candidate{
					Signature:  solana.Signature(sig),
					Source:     sub,
					ReceivedAt: time.Now(),
				}
			}
		}
	}
	return KindIgnored, Candidate{}
}

func present(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

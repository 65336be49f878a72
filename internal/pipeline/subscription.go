package pipeline

import (
	"encoding/json"
	"fmt"
)

// Subscription describes one pool source a tenant listens to. It is
// immutable once a session starts.
type Subscription struct {
	ID        string `yaml:"id" json:"id"`           // request id, e.g. "pump1"
	Name      string `yaml:"name" json:"name"`       // display name
	ProgramID string `yaml:"program" json:"program"` // program whose logs are subscribed to
	Match     string `yaml:"instruction" json:"instruction"`
}

type subscribeRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  [2]any `json:"params"`
}

type mentionsFilter struct {
	Mentions []string `json:"mentions"`
}

type commitmentConfig struct {
	Commitment string `json:"commitment"`
}

// SubscribeRequest renders the logsSubscribe request for s:
//
//	{"jsonrpc":"2.0","id":"<id>","method":"logsSubscribe",
//	 "params":[{"mentions":["<program>"]},{"commitment":"processed"}]}
func (s Subscription) SubscribeRequest() ([]byte, error) {
	body, err := json.Marshal(subscribeRequest{
		JSONRPC: "2.0",
		ID:      s.ID,
		Method:  "logsSubscribe",
		Params: [2]any{
			mentionsFilter{Mentions: []string{s.ProgramID}},
			commitmentConfig{Commitment: "processed"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline: marshal subscribe %s: %w", s.ID, err)
	}
	return body, nil
}

package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscription_SubscribeRequestExactShape(t *testing.T) {
	body, err := pumpSwap.SubscribeRequest()
	require.NoError(t, err)
	assert.Equal(t,
		`{"jsonrpc":"2.0","id":"pump1","method":"logsSubscribe","params":[{"mentions":["6EF8rrecthR5Dkzon8Nwu78hRvfCKubJ14M5uBEwF6P"]},{"commitment":"processed"}]}`,
		string(body))

	body, err = raydium.SubscribeRequest()
	require.NoError(t, err)
	assert.Equal(t,
		`{"jsonrpc":"2.0","id":"rad1","method":"logsSubscribe","params":[{"mentions":["675kPX9MHTjS2zt1qfr1NYHuzeLXfQM9H24wFSUt1Mp8"]},{"commitment":"processed"}]}`,
		string(body))
}

func TestSubscription_AnyProgramID(t *testing.T) {
	for _, program := range []string{"", "x", `quo"te`, "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"} {
		sub := Subscription{ID: "id", ProgramID: program}
		body, err := sub.SubscribeRequest()
		require.NoError(t, err)

		want := map[string]any{
			"jsonrpc": "2.0",
			"id":      "id",
			"method":  "logsSubscribe",
			"params": []any{
				map[string]any{"mentions": []any{program}},
				map[string]any{"commitment": "processed"},
			},
		}
		assert.Equal(t, want, decode(t, body))
	}
}

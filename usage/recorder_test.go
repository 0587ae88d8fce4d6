package usage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-ai/parley/api"
	"github.com/parley-ai/parley/store"
)

func TestEstimateTokens(t *testing.T) {
	assert.EqualValues(t, 0, EstimateTokens(""))
	assert.EqualValues(t, 1, EstimateTokens("hi"))
	assert.EqualValues(t, 3, EstimateTokens("twelve chars"))
	// Multi-byte runes count as characters, not bytes.
	assert.EqualValues(t, 1, EstimateTokens("日本語."))
}

func TestRecordMessage(t *testing.T) {
	ctx := context.Background()
	scope := Scope{AssistantID: "asst_1", SessionID: "sess_1", ThreadID: "th_1"}

	t.Run("writes token and message metrics", func(t *testing.T) {
		st := store.Memory()
		rec := New(st)

		msg := api.Message{ID: "msg_1", Role: api.RoleAssistant, Content: "hello there"}
		require.NoError(t, rec.RecordMessage(ctx, scope, msg, &api.Usage{TotalTokens: 42}))

		metrics, err := st.BySession(ctx, "sess_1")
		require.NoError(t, err)
		require.Len(t, metrics, 2)

		byType := map[api.MetricType]int64{}
		for _, m := range metrics {
			byType[m.Type] = m.Value
			assert.Equal(t, "msg_1", m.MessageID)
			assert.Equal(t, "asst_1", m.AssistantID)
		}
		assert.EqualValues(t, 42, byType[api.MetricTokens])
		assert.EqualValues(t, 1, byType[api.MetricMessages])
	})

	t.Run("falls back to the estimate without reported usage", func(t *testing.T) {
		st := store.Memory()
		rec := New(st)

		msg := api.Message{ID: "msg_1", Content: "twelve chars"}
		require.NoError(t, rec.RecordMessage(ctx, scope, msg, nil))

		metrics, err := st.BySession(ctx, "sess_1")
		require.NoError(t, err)
		for _, m := range metrics {
			if m.Type == api.MetricTokens {
				assert.EqualValues(t, 3, m.Value)
			}
		}
	})

	t.Run("re-recording the same message is a no-op", func(t *testing.T) {
		st := store.Memory()
		rec := New(st)

		msg := api.Message{ID: "msg_1", Content: "hello"}
		require.NoError(t, rec.RecordMessage(ctx, scope, msg, nil))
		require.NoError(t, rec.RecordMessage(ctx, scope, msg, nil))

		metrics, err := st.BySession(ctx, "sess_1")
		require.NoError(t, err)
		assert.Len(t, metrics, 2)
	})
}

package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/datafinder/internal/intel"
	"github.com/sells-group/datafinder/internal/queue"
	"github.com/sells-group/datafinder/pkg/anthropic"
)

func newTestEnv(st *memStore, q *recordingQueue, crawler *fakeCrawler, llm *fakeLLM) *Env {
	return NewEnv(st, q, crawler, intel.NewService(llm, "test-model"), NewCredibilityRater(), Options{})
}

func mustPayload(t *testing.T, v any) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func TestHandleIntentExtract(t *testing.T) {
	st := newMemStore()
	q := &recordingQueue{}
	llm := &fakeLLM{fn: func(req anthropic.MessageRequest) (string, error) {
		return "```json\n{\"target_variable\":\"house prices\",\"feature_requirements\":[\"sqft\",\"location\"],\"search_queries\":[\"housing dataset CSV\",\"real estate API open data\"]}\n```", nil
	}}
	env := newTestEnv(st, q, &fakeCrawler{}, llm)

	_, err := st.CreateProject(context.Background(), "p1", "predict house prices")
	require.NoError(t, err)

	task := queue.Task{Payload: mustPayload(t, IntentPayload{ProjectID: "p1", Prompt: "predict house prices"})}
	require.NoError(t, env.HandleIntentExtract(context.Background(), task))

	project, err := st.GetProject(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, []string{"housing dataset CSV", "real estate API open data"}, project.GeneratedQueries)

	discover := q.byHandler(HandlerSourceDiscover)
	require.Len(t, discover, 1)
	payload := discover[0].Payload.(DiscoverPayload)
	assert.Equal(t, "p1", payload.ProjectID)
	assert.Equal(t, "house prices", payload.Intent.TargetVariable)
}

func TestHandleIntentExtractFailsClosed(t *testing.T) {
	tests := []struct {
		name     string
		response string
		err      error
	}{
		{"llm error", "", errors.New("model unavailable")},
		{"missing target", `{"target_variable":"","search_queries":["q"]}`, nil},
		{"no queries", `{"target_variable":"prices","search_queries":[]}`, nil},
		{"not json", "I could not determine the intent.", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := newMemStore()
			q := &recordingQueue{}
			llm := &fakeLLM{fn: func(req anthropic.MessageRequest) (string, error) {
				return tt.response, tt.err
			}}
			env := newTestEnv(st, q, &fakeCrawler{}, llm)

			_, err := st.CreateProject(context.Background(), "p1", "prompt")
			require.NoError(t, err)

			task := queue.Task{Payload: mustPayload(t, IntentPayload{ProjectID: "p1", Prompt: "prompt"})}
			assert.Error(t, env.HandleIntentExtract(context.Background(), task))
			assert.Empty(t, q.byHandler(HandlerSourceDiscover))
		})
	}
}

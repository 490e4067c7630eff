package genai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func restServer(t *testing.T, reply string, capture *generateRequest) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if capture != nil {
			require.NoError(t, json.NewDecoder(r.Body).Decode(capture))
		}
		resp := map[string]any{
			"candidates": []map[string]any{
				{"content": map[string]any{"parts": []map[string]string{{"text": reply}}}},
			},
		}
		json.NewEncoder(w).Encode(resp)
	}))
}

func restClient(srv *httptest.Server) *Client {
	return NewClient(Config{APIKey: "test-key", RESTEndpoint: srv.URL}, zerolog.Nop())
}

func TestChatReply_BuildsHistoryAndEmotionGuidance(t *testing.T) {
	var captured generateRequest
	srv := restServer(t, "You've got this! 💪", &captured)
	defer srv.Close()

	history := []Message{
		{Sender: "user", Text: "I failed my exam"},
		{Sender: "bot", Text: "That sounds really hard."},
	}
	reply, err := restClient(srv).ChatReply(context.Background(), history, "I want to give up", "Sadness")

	require.NoError(t, err)
	assert.Equal(t, "You've got this! 💪", reply)

	require.Len(t, captured.Contents, 3)
	assert.Equal(t, "user", captured.Contents[0].Role)
	assert.Equal(t, "model", captured.Contents[1].Role)
	assert.Equal(t, "user", captured.Contents[2].Role)
	assert.Equal(t, "I want to give up", captured.Contents[2].Parts[0].Text)

	require.NotNil(t, captured.SystemInstruction)
	instruction := captured.SystemInstruction.Parts[0].Text
	assert.Contains(t, instruction, "feeling sadness")
	assert.Contains(t, instruction, "Be gentle")
}

func TestDetectEmotion(t *testing.T) {
	srv := restServer(t, `{"emotion": "Anger"}`, nil)
	defer srv.Close()

	got := restClient(srv).DetectEmotion(context.Background(), "this is so unfair")
	assert.Equal(t, "Anger", string(got))
}

func TestDetectEmotion_FallsBackToNeutral(t *testing.T) {
	cases := map[string]string{
		"invalid json":     `not json`,
		"out-of-set label": `{"emotion": "Ecstatic"}`,
	}
	for name, reply := range cases {
		t.Run(name, func(t *testing.T) {
			srv := restServer(t, reply, nil)
			defer srv.Close()

			got := restClient(srv).DetectEmotion(context.Background(), "hmm")
			assert.Equal(t, "Neutral", string(got))
		})
	}
}

func TestDetectEmotion_ServerErrorFallsBackToNeutral(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	got := restClient(srv).DetectEmotion(context.Background(), "hmm")
	assert.Equal(t, "Neutral", string(got))
}

func TestAnalyzeJournal(t *testing.T) {
	srv := restServer(t, `{"summary": "A stressful week", "themes": ["exams", "sleep"], "reflection": "What helped you cope before?"}`, nil)
	defer srv.Close()

	analysis, err := restClient(srv).AnalyzeJournal(context.Background(), "long week...", "English")

	require.NoError(t, err)
	assert.Equal(t, "A stressful week", analysis.Summary)
	assert.Equal(t, []string{"exams", "sleep"}, analysis.Themes)
	assert.NotEmpty(t, analysis.Reflection)
}

func TestGenerate_Unconfigured(t *testing.T) {
	c := NewClient(Config{APIKey: "x"}, zerolog.Nop())
	c.config.APIKey = ""

	_, err := c.ChatReply(context.Background(), nil, "hi", "Neutral")
	assert.Error(t, err)
}

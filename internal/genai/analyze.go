package genai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/deekshith47/mindmate/internal/emotion"
)

// Message is one prior chat exchange entry.
type Message struct {
	Sender string // "user" or "bot"
	Text   string
}

// JournalAnalysis is the structured result of analyzing a journal entry.
type JournalAnalysis struct {
	Summary    string   `json:"summary"`
	Themes     []string `json:"themes"`
	Reflection string   `json:"reflection"`
}

const chatBaseInstruction = "You are MindMate, an AI companion for students focused on mental well-being. " +
	"Your persona is that of a warm, empathetic, and non-judgmental friend. Your primary goal is to " +
	"provide a safe space for users to express their feelings. Keep responses supportive, concise, " +
	"and constructive. Use emojis to convey warmth and friendliness."

// emotionInstructions steer the chat reply tone by the user's detected
// emotion.
var emotionInstructions = map[emotion.Label]string{
	emotion.Joy:     "The user seems joyful. Share in their happiness and be encouraging.",
	emotion.Sadness: "The user seems sad. Be gentle, offer comfort, and listen patiently. You can suggest a calming activity if appropriate.",
	emotion.Anger:   "The user seems angry. Remain calm and validate their feelings without being confrontational. Offer a way for them to vent or cool down.",
	emotion.Fear:    "The user seems scared or anxious. Be reassuring and provide a sense of safety. Break down problems into smaller steps if they are overwhelmed.",
	emotion.Calm:    "The user seems calm. Maintain a peaceful and supportive tone.",
	emotion.Neutral: "The user seems to be in a neutral mood. Be helpful and friendly.",
}

// --- generateContent wire format ---

type generateRequest struct {
	Contents          []requestContent `json:"contents"`
	SystemInstruction *contentPayload  `json:"systemInstruction,omitempty"`
	GenerationConfig  *responseConfig  `json:"generationConfig,omitempty"`
}

type requestContent struct {
	Role  string        `json:"role,omitempty"`
	Parts []partPayload `json:"parts"`
}

type responseConfig struct {
	ResponseMimeType string          `json:"responseMimeType,omitempty"`
	ResponseSchema   json.RawMessage `json:"responseSchema,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// ChatReply generates a supportive chat response given the conversation
// history, the user's new message, and their detected emotion.
func (c *Client) ChatReply(ctx context.Context, history []Message, newMessage string, userEmotion emotion.Label) (string, error) {
	contents := make([]requestContent, 0, len(history)+1)
	for _, m := range history {
		role := "model"
		if m.Sender == "user" {
			role = "user"
		}
		contents = append(contents, requestContent{Role: role, Parts: []partPayload{{Text: m.Text}}})
	}
	contents = append(contents, requestContent{Role: "user", Parts: []partPayload{{Text: newMessage}}})

	guidance, ok := emotionInstructions[userEmotion]
	if !ok {
		guidance = emotionInstructions[emotion.Neutral]
	}
	instruction := fmt.Sprintf("%s Based on the user's message, they seem to be feeling %s. %s",
		chatBaseInstruction, strings.ToLower(string(userEmotion)), guidance)

	req := generateRequest{
		Contents:          contents,
		SystemInstruction: &contentPayload{Parts: []partPayload{{Text: instruction}}},
	}
	return c.generate(ctx, req)
}

// DetectEmotion classifies the emotion of free text into the fixed label
// set. Any failure or out-of-set answer falls back to Neutral.
func (c *Client) DetectEmotion(ctx context.Context, text string) emotion.Label {
	prompt := fmt.Sprintf(`Analyze the emotion of the following text. Respond with JSON containing a single key "emotion" with one of these values: "Joy", "Sadness", "Anger", "Fear", "Calm", "Neutral". Text: %q`, text)

	schema := json.RawMessage(`{
		"type": "OBJECT",
		"properties": {
			"emotion": {
				"type": "STRING",
				"enum": ["Joy", "Sadness", "Anger", "Fear", "Calm", "Neutral"]
			}
		},
		"required": ["emotion"]
	}`)

	req := generateRequest{
		Contents:         []requestContent{{Parts: []partPayload{{Text: prompt}}}},
		GenerationConfig: &responseConfig{ResponseMimeType: "application/json", ResponseSchema: schema},
	}

	raw, err := c.generate(ctx, req)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Emotion detection failed, defaulting to Neutral")
		return emotion.Neutral
	}

	var result struct {
		Emotion emotion.Label `json:"emotion"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &result); err != nil || !emotion.Valid(result.Emotion) {
		return emotion.Neutral
	}
	return result.Emotion
}

// AnalyzeJournal produces a structured summary of a journal entry in the
// requested language.
func (c *Client) AnalyzeJournal(ctx context.Context, text, language string) (*JournalAnalysis, error) {
	prompt := fmt.Sprintf("Analyze the following journal entry and respond in %s. "+
		"Provide a short summary, the main emotional themes, and one gentle reflection "+
		"prompt for the writer. Journal entry: %q", language, text)

	schema := json.RawMessage(`{
		"type": "OBJECT",
		"properties": {
			"summary": {"type": "STRING"},
			"themes": {"type": "ARRAY", "items": {"type": "STRING"}},
			"reflection": {"type": "STRING"}
		},
		"required": ["summary", "themes", "reflection"]
	}`)

	req := generateRequest{
		Contents:         []requestContent{{Parts: []partPayload{{Text: prompt}}}},
		GenerationConfig: &responseConfig{ResponseMimeType: "application/json", ResponseSchema: schema},
	}

	raw, err := c.generate(ctx, req)
	if err != nil {
		return nil, err
	}

	var analysis JournalAnalysis
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &analysis); err != nil {
		return nil, fmt.Errorf("decode journal analysis: %w", err)
	}
	return &analysis, nil
}

// generate performs one generateContent call and returns the first
// candidate's text.
func (c *Client) generate(ctx context.Context, req generateRequest) (string, error) {
	if !c.IsConfigured() {
		return "", fmt.Errorf("gemini API key not configured")
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s",
		c.config.RESTEndpoint, c.config.TextModel, c.config.APIKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("call inference service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("inference service returned status %d", resp.StatusCode)
	}

	var decoded generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(decoded.Candidates) == 0 || len(decoded.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("empty response from inference service")
	}

	var sb strings.Builder
	for _, p := range decoded.Candidates[0].Content.Parts {
		sb.WriteString(p.Text)
	}
	return sb.String(), nil
}

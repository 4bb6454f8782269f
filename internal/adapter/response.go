package adapter

import (
	"encoding/json"
	"fmt"
	"strings"
)

// StreamTranslator accumulates the small amount of state needed to turn a
// sequence of Google streamGenerateContent SSE data lines into OpenAI
// chat.completion.chunk objects: the role is announced on the first
// non-empty delta only, mirroring the teacher's GeminiStreamScanner
// hasSentRole flag.
type StreamTranslator struct {
	RequestID string
	Created   int64
	Model     string
	sentRole  bool
}

// TranslateChunk consumes one decoded Google response chunk (the JSON
// value after stripping the "data: " SSE prefix) and returns the OpenAI
// chunk to emit, if any. ok is false when neither delta content nor a
// finish reason resulted — the caller should emit nothing for that line.
func (t *StreamTranslator) TranslateChunk(raw []byte) (*ChatCompletionResponse, bool) {
	var resp GoogleResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, false
	}

	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		reason := "stop"
		delta := &ChatMessage{Content: fmt.Sprintf("[blocked: %s]", resp.PromptFeedback.BlockReason)}
		return t.wrap(delta, &reason), true
	}

	if len(resp.Candidates) == 0 {
		return nil, false
	}
	candidate := resp.Candidates[0]

	var content, reasoning strings.Builder
	for _, part := range candidate.Content.Parts {
		switch {
		case part.InlineData != nil:
			content.WriteString(markdownImage(part.InlineData.MimeType, part.InlineData.Data))
		case part.Thought:
			reasoning.WriteString(part.Text)
		default:
			content.WriteString(part.Text)
		}
	}

	var finishReason *string
	if candidate.FinishReason != "" {
		fr := openAIFinishReason(candidate.FinishReason)
		finishReason = &fr
	}

	if content.Len() == 0 && reasoning.Len() == 0 && finishReason == nil {
		return nil, false
	}

	delta := &ChatMessage{}
	if content.Len() > 0 {
		delta.Content = content.String()
	}
	if reasoning.Len() > 0 {
		delta.ReasoningContent = reasoning.String()
	}

	return t.wrap(delta, finishReason), true
}

func (t *StreamTranslator) wrap(delta *ChatMessage, finishReason *string) *ChatCompletionResponse {
	if !t.sentRole {
		delta.Role = "assistant"
		t.sentRole = true
	}
	return &ChatCompletionResponse{
		ID:      t.RequestID,
		Object:  "chat.completion.chunk",
		Created: t.Created,
		Model:   t.Model,
		Choices: []ChatCompletionChoice{{Index: 0, Delta: delta, FinishReason: finishReason}},
	}
}

// TranslateNonStreaming assembles a full chat.completion from an
// accumulated, non-streaming Google response body.
func TranslateNonStreaming(body []byte, requestID string, created int64, model string) (*ChatCompletionResponse, error) {
	var resp GoogleResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}

	out := &ChatCompletionResponse{
		ID:      requestID,
		Object:  "chat.completion",
		Created: created,
		Model:   model,
	}

	if resp.UsageMetadata != nil {
		out.Usage = &ChatCompletionUsage{
			PromptTokens:     resp.UsageMetadata.PromptTokenCount,
			CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      resp.UsageMetadata.TotalTokenCount,
		}
	}

	if len(resp.Candidates) == 0 {
		return out, nil
	}
	candidate := resp.Candidates[0]

	var content, reasoning strings.Builder
	var toolCalls []ChatToolCall
	for _, part := range candidate.Content.Parts {
		switch {
		case part.InlineData != nil:
			content.WriteString(markdownImage(part.InlineData.MimeType, part.InlineData.Data))
		case part.Thought:
			reasoning.WriteString(part.Text)
		case part.FunctionCall != nil:
			argsBytes, _ := json.Marshal(part.FunctionCall.Args)
			toolCalls = append(toolCalls, ChatToolCall{
				ID:   fmt.Sprintf("call_%s", part.FunctionCall.Name),
				Type: "function",
				Function: ChatToolCallFunc{
					Name:      part.FunctionCall.Name,
					Arguments: string(argsBytes),
				},
			})
		default:
			content.WriteString(part.Text)
		}
	}

	msg := &ChatMessage{Role: "assistant"}
	if content.Len() > 0 {
		msg.Content = content.String()
	}
	if reasoning.Len() > 0 {
		msg.ReasoningContent = reasoning.String()
	}
	if len(toolCalls) > 0 {
		msg.ToolCalls = toolCalls
	}

	finishReason := openAIFinishReason(candidate.FinishReason)
	out.Choices = []ChatCompletionChoice{{Index: 0, Message: msg, FinishReason: &finishReason}}
	return out, nil
}

func openAIFinishReason(googleReason string) string {
	switch googleReason {
	case "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "":
		return "stop"
	default:
		return "stop"
	}
}

func markdownImage(mimeType, data string) string {
	return fmt.Sprintf("![Generated Image](data:%s;base64,%s)", mimeType, data)
}

// NormalizeImageInlining implements spec.md §4.5.3's image inlining pass
// for the Google-native passthrough path: any candidates[0].content.parts[i]
// that is an inlineData part is replaced in-place with a text part holding
// a Markdown image. changed is false (and out is nil) when no replacement
// occurred, so the caller can skip re-serializing untouched bodies.
func NormalizeImageInlining(body []byte) (out []byte, changed bool, err error) {
	var resp GoogleResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, false, err
	}
	if len(resp.Candidates) == 0 {
		return nil, false, nil
	}

	parts := resp.Candidates[0].Content.Parts
	for i, part := range parts {
		if part.InlineData == nil {
			continue
		}
		parts[i] = GooglePart{Text: markdownImage(part.InlineData.MimeType, part.InlineData.Data)}
		changed = true
	}
	if !changed {
		return nil, false, nil
	}

	out, err = json.Marshal(resp)
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

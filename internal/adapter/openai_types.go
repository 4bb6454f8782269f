// Package adapter translates between the OpenAI Chat Completions wire
// format and the Google Generative Language wire format, in both
// directions, plus the model-list shape. Grounded on the teacher's
// core/adapter/gemini.go + core/adapter/gemini_types.go + core/mapper's
// OpenAI<->Gemini split; generalized to the two protocols this gateway
// actually serves (OpenAI and Google, no Claude) and extended with the
// reasoning/thought handling and promptFeedback.blockReason case spec.md
// §4.6 requires that the teacher's own Gemini adapter does not implement.
package adapter

// ChatCompletionRequest is the OpenAI inbound request shape.
type ChatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	TopK        *int          `json:"top_k,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Stop        interface{}   `json:"stop,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
	Tools       []ChatTool    `json:"tools,omitempty"`
}

// ChatMessage is one OpenAI message. Content is a dynamic object shape
// per spec.md §9: either a plain string or a []interface{} of typed parts.
// We model only the fields the adapter touches, not the whole schema.
type ChatMessage struct {
	Role             string      `json:"role,omitempty"`
	Content          interface{} `json:"content,omitempty"`
	ReasoningContent string      `json:"reasoning_content,omitempty"`
	Name             string      `json:"name,omitempty"`
	ToolCalls        []ChatToolCall `json:"tool_calls,omitempty"`
	ToolCallID       string      `json:"tool_call_id,omitempty"`
}

// StringContent flattens Content down to plain text, concatenating any
// "text" parts when Content is an array. Used wherever only the text
// matters, not the original shape.
func (m ChatMessage) StringContent() string {
	switch v := m.Content.(type) {
	case string:
		return v
	case []interface{}:
		out := ""
		for _, item := range v {
			itemMap, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			if itemMap["type"] == "text" {
				if text, ok := itemMap["text"].(string); ok {
					out += text
				}
			}
		}
		return out
	default:
		return ""
	}
}

type ChatTool struct {
	Type     string           `json:"type"`
	Function ChatToolFunction `json:"function"`
}

type ChatToolFunction struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

type ChatToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function ChatToolCallFunc `json:"function"`
}

type ChatToolCallFunc struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ChatCompletionResponse covers both the non-streaming response (Message
// populated) and the streaming chunk shape (Delta populated).
type ChatCompletionResponse struct {
	ID      string                  `json:"id"`
	Object  string                  `json:"object"`
	Created int64                   `json:"created"`
	Model   string                  `json:"model"`
	Choices []ChatCompletionChoice  `json:"choices"`
	Usage   *ChatCompletionUsage    `json:"usage,omitempty"`
}

type ChatCompletionChoice struct {
	Index        int          `json:"index"`
	Message      *ChatMessage `json:"message,omitempty"`
	Delta        *ChatMessage `json:"delta,omitempty"`
	FinishReason *string      `json:"finish_reason"`
}

type ChatCompletionUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ModelListResponse is the OpenAI GET /v1/models shape.
type ModelListResponse struct {
	Object string      `json:"object"`
	Data   []ModelInfo `json:"data"`
}

type ModelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

package adapter

// GoogleRequest is the Generative Language API generateContent request
// body, ported from the teacher's GeminiRequest and extended with
// SafetySettings (always sent per spec.md §4.6) and ThinkingConfig.
type GoogleRequest struct {
	Contents          []GoogleContent       `json:"contents"`
	SystemInstruction *GoogleContent        `json:"systemInstruction,omitempty"`
	GenerationConfig  *GoogleGenerationConfig `json:"generationConfig,omitempty"`
	Tools             []GoogleTool          `json:"tools,omitempty"`
	ToolConfig        *GoogleToolConfig     `json:"toolConfig,omitempty"`
	SafetySettings    []GoogleSafetySetting `json:"safetySettings,omitempty"`
}

type GoogleContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []GooglePart `json:"parts"`
}

type GooglePart struct {
	Text             string                  `json:"text,omitempty"`
	InlineData       *GoogleInlineData       `json:"inlineData,omitempty"`
	FunctionCall     *GoogleFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *GoogleFunctionResponse `json:"functionResponse,omitempty"`
	Thought          bool                    `json:"thought,omitempty"`
	ThoughtSignature string                  `json:"thoughtSignature,omitempty"`
}

type GoogleInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type GoogleFunctionCall struct {
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args"`
}

type GoogleFunctionResponse struct {
	Name     string      `json:"name"`
	Response interface{} `json:"response"`
}

type GoogleGenerationConfig struct {
	Temperature     float64               `json:"temperature,omitempty"`
	TopP            float64               `json:"topP,omitempty"`
	TopK            int                   `json:"topK,omitempty"`
	MaxOutputTokens int                   `json:"maxOutputTokens,omitempty"`
	StopSequences   []string              `json:"stopSequences,omitempty"`
	ThinkingConfig  *GoogleThinkingConfig `json:"thinkingConfig,omitempty"`
}

type GoogleThinkingConfig struct {
	IncludeThoughts bool `json:"includeThoughts,omitempty"`
}

type GoogleSafetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

// safetyCategories are the four categories spec.md §4.6 always attaches at
// BLOCK_NONE.
var safetyCategories = []string{
	"HARM_CATEGORY_HARASSMENT",
	"HARM_CATEGORY_HATE_SPEECH",
	"HARM_CATEGORY_SEXUALLY_EXPLICIT",
	"HARM_CATEGORY_DANGEROUS_CONTENT",
}

func defaultSafetySettings() []GoogleSafetySetting {
	settings := make([]GoogleSafetySetting, len(safetyCategories))
	for i, cat := range safetyCategories {
		settings[i] = GoogleSafetySetting{Category: cat, Threshold: "BLOCK_NONE"}
	}
	return settings
}

type GoogleTool struct {
	FunctionDeclarations []GoogleFunctionDeclaration `json:"functionDeclarations,omitempty"`
}

type GoogleFunctionDeclaration struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

type GoogleToolConfig struct {
	FunctionCallingConfig *GoogleFunctionCallingConfig `json:"functionCallingConfig,omitempty"`
}

type GoogleFunctionCallingConfig struct {
	Mode string `json:"mode,omitempty"`
}

// GoogleResponse is the generateContent / streamGenerateContent response
// shape, extended with PromptFeedback (spec.md §4.6's blockReason case,
// absent from the teacher's GeminiResponse).
type GoogleResponse struct {
	Candidates    []GoogleCandidate     `json:"candidates"`
	PromptFeedback *GooglePromptFeedback `json:"promptFeedback,omitempty"`
	UsageMetadata *GoogleUsageMetadata  `json:"usageMetadata,omitempty"`
}

type GoogleCandidate struct {
	Content      GoogleContent `json:"content"`
	FinishReason string        `json:"finishReason,omitempty"`
	Index        int           `json:"index"`
}

type GooglePromptFeedback struct {
	BlockReason string `json:"blockReason,omitempty"`
}

type GoogleUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

// GoogleModelListResponse is the GET /v1beta/models response.
type GoogleModelListResponse struct {
	Models []GoogleModel `json:"models"`
}

type GoogleModel struct {
	Name string `json:"name"`
}

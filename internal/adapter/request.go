package adapter

import (
	"encoding/json"
	"strings"
)

func parseArguments(raw string) map[string]interface{} {
	var args map[string]interface{}
	_ = json.Unmarshal([]byte(raw), &args)
	return args
}

// BuildGoogleRequest translates an OpenAI chat completion request into a
// Google generateContent body per spec.md §4.6. reasoningEnabled is the
// operator-level flag gating thinkingConfig.includeThoughts.
func BuildGoogleRequest(req ChatCompletionRequest, reasoningEnabled bool) *GoogleRequest {
	out := &GoogleRequest{
		SafetySettings: defaultSafetySettings(),
	}

	var systemParts []string
	for _, msg := range req.Messages {
		if msg.Role == "system" {
			systemParts = append(systemParts, msg.StringContent())
		}
	}
	if len(systemParts) > 0 {
		out.SystemInstruction = &GoogleContent{
			Parts: []GooglePart{{Text: strings.Join(systemParts, "\n")}},
		}
	}

	for _, msg := range req.Messages {
		if msg.Role == "system" {
			continue
		}
		out.Contents = append(out.Contents, convertMessage(msg))
	}

	config := &GoogleGenerationConfig{}
	hasConfig := false
	if req.Temperature != nil {
		config.Temperature = *req.Temperature
		hasConfig = true
	}
	if req.TopP != nil {
		config.TopP = *req.TopP
		hasConfig = true
	}
	if req.TopK != nil {
		config.TopK = *req.TopK
		hasConfig = true
	}
	if req.MaxTokens != nil {
		config.MaxOutputTokens = *req.MaxTokens
		hasConfig = true
	}
	if stops := stopSequences(req.Stop); len(stops) > 0 {
		config.StopSequences = stops
		hasConfig = true
	}
	if reasoningEnabled {
		config.ThinkingConfig = &GoogleThinkingConfig{IncludeThoughts: true}
		hasConfig = true
	}
	if hasConfig {
		out.GenerationConfig = config
	}

	if len(req.Tools) > 0 {
		var decls []GoogleFunctionDeclaration
		for _, tool := range req.Tools {
			if tool.Type != "function" {
				continue
			}
			decls = append(decls, GoogleFunctionDeclaration{
				Name:        tool.Function.Name,
				Description: tool.Function.Description,
				Parameters:  tool.Function.Parameters,
			})
		}
		if len(decls) > 0 {
			out.Tools = []GoogleTool{{FunctionDeclarations: decls}}
			out.ToolConfig = &GoogleToolConfig{
				FunctionCallingConfig: &GoogleFunctionCallingConfig{Mode: "AUTO"},
			}
		}
	}

	return out
}

func convertMessage(msg ChatMessage) GoogleContent {
	role := "user"
	if msg.Role == "assistant" {
		role = "model"
	}

	content := GoogleContent{Role: role}

	switch v := msg.Content.(type) {
	case string:
		if v != "" {
			content.Parts = append(content.Parts, GooglePart{Text: v})
		}
	case []interface{}:
		for _, item := range v {
			itemMap, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			switch itemMap["type"] {
			case "text":
				if text, ok := itemMap["text"].(string); ok {
					content.Parts = append(content.Parts, GooglePart{Text: text})
				}
			case "image_url":
				urlMap, ok := itemMap["image_url"].(map[string]interface{})
				if !ok {
					continue
				}
				url, ok := urlMap["url"].(string)
				if !ok || !strings.HasPrefix(url, "data:") {
					continue
				}
				mime, data, ok := splitDataURL(url)
				if !ok {
					continue
				}
				content.Parts = append(content.Parts, GooglePart{
					InlineData: &GoogleInlineData{MimeType: mime, Data: data},
				})
			}
		}
	}

	for _, tc := range msg.ToolCalls {
		content.Parts = append(content.Parts, GooglePart{
			FunctionCall: &GoogleFunctionCall{
				Name: tc.Function.Name,
				Args: parseArguments(tc.Function.Arguments),
			},
		})
	}

	return content
}

func splitDataURL(url string) (mime, data string, ok bool) {
	parts := strings.SplitN(url, ",", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	mime = strings.TrimSuffix(strings.TrimPrefix(parts[0], "data:"), ";base64")
	return mime, parts[1], true
}

func stopSequences(stop interface{}) []string {
	switch v := stop.(type) {
	case string:
		return []string{v}
	case []interface{}:
		var out []string
		for _, s := range v {
			if str, ok := s.(string); ok {
				out = append(out, str)
			}
		}
		return out
	default:
		return nil
	}
}

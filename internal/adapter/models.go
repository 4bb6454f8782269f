package adapter

import "strings"

// TranslateModelList converts the Google ListModels response into the
// OpenAI model-list shape per spec.md §4.6 / scenario 5: models[].name
// with the "models/" prefix stripped becomes id, owned_by "google".
func TranslateModelList(resp GoogleModelListResponse) ModelListResponse {
	out := ModelListResponse{Object: "list"}
	for _, m := range resp.Models {
		out.Data = append(out.Data, ModelInfo{
			ID:      strings.TrimPrefix(m.Name, "models/"),
			Object:  "model",
			OwnedBy: "google",
		})
	}
	return out
}

package model

// Setting keys for the completion API collaborator.
const (
	SettingCompletionEndpoint = "completion.api_endpoint"
	SettingCompletionAPIKey   = "completion.api_key"
	SettingCompletionModel    = "completion.api_model"
)

// CompletionSettings is the explicit configuration handed to the model
// listing client. It is assembled per request from stored settings and
// config defaults.
type CompletionSettings struct {
	APIEndpoint string
	APIKey      string
	APIModel    string
}

// Configured reports whether enough is set to call the upstream API.
func (s CompletionSettings) Configured() bool {
	return s.APIEndpoint != "" && s.APIKey != ""
}

// WithFallback fills empty fields of s from def.
func (s CompletionSettings) WithFallback(def CompletionSettings) CompletionSettings {
	if s.APIEndpoint == "" {
		s.APIEndpoint = def.APIEndpoint
	}
	if s.APIKey == "" {
		s.APIKey = def.APIKey
	}
	if s.APIModel == "" {
		s.APIModel = def.APIModel
	}
	return s
}

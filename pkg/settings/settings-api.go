package settings

import (
	"encoding/json"

	"github.com/rs/zerolog"
)

// APISettings holds the credential reference used to authorize requests.
// The key is resolved once at startup and is read-only afterwards. It must
// never appear in logs or serialized output, which is why both the YAML and
// JSON representations go through redaction.
type APISettings struct {
	APIKey  string `yaml:"-" json:"-" mapstructure:"api_key"`
	BaseURL string `yaml:"base_url,omitempty" json:"base_url,omitempty" mapstructure:"base_url"`
}

const redactedPlaceholder = "[redacted]"

func NewAPISettings() *APISettings {
	return &APISettings{}
}

func (s *APISettings) Clone() *APISettings {
	ret := *s
	return &ret
}

// HasAPIKey reports whether a credential was resolved.
func (s *APISettings) HasAPIKey() bool {
	return s != nil && s.APIKey != ""
}

// redactedAPISettings is the serializable shape of APISettings.
type redactedAPISettings struct {
	APIKey  string `yaml:"api_key,omitempty" json:"api_key,omitempty"`
	BaseURL string `yaml:"base_url,omitempty" json:"base_url,omitempty"`
}

func (s *APISettings) redacted() redactedAPISettings {
	ret := redactedAPISettings{BaseURL: s.BaseURL}
	if s.APIKey != "" {
		ret.APIKey = redactedPlaceholder
	}
	return ret
}

func (s *APISettings) MarshalYAML() (interface{}, error) {
	return s.redacted(), nil
}

func (s *APISettings) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.redacted())
}

func (s *APISettings) MarshalZerologObject(e *zerolog.Event) {
	if s.APIKey != "" {
		e.Str("api_key", redactedPlaceholder)
	}
	if s.BaseURL != "" {
		e.Str("base_url", s.BaseURL)
	}
}

package settings

import (
	"io"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// ErrMissingAPIKey signals that no credential could be resolved at startup.
// It is fatal: no session can be created without a credential.
var ErrMissingAPIKey = errors.New("no API key configured (set GEMINI_API_KEY or GOOGLE_API_KEY)")

// StepSettings aggregates everything needed to turn a conversation into a
// model request: model identity and generation parameters (Chat), outbound
// call policy (Client), and the credential reference (API). It is built
// once at startup and shared read-only across all sessions in the process.
type StepSettings struct {
	Chat   *ChatSettings   `yaml:"chat,omitempty" mapstructure:"chat"`
	Client *ClientSettings `yaml:"client,omitempty" mapstructure:"client"`
	API    *APISettings    `yaml:"api,omitempty" mapstructure:"api"`
}

func NewStepSettings() *StepSettings {
	return &StepSettings{
		Chat:   NewChatSettings(),
		Client: NewClientSettings(),
		API:    NewAPISettings(),
	}
}

type stepSettingsWrapper struct {
	Settings *StepSettings `yaml:"settings"`
}

func NewStepSettingsFromYAML(s io.Reader) (*StepSettings, error) {
	settings_ := stepSettingsWrapper{
		Settings: NewStepSettings(),
	}
	if err := yaml.NewDecoder(s).Decode(&settings_); err != nil {
		return nil, errors.Wrap(err, "failed to decode settings")
	}
	settings_.Settings.Client.normalize()

	return settings_.Settings, nil
}

// NewStepSettingsFromViper resolves settings from the given viper instance.
// The credential is looked up under api.api_key, then the GEMINI_API_KEY
// and GOOGLE_API_KEY environment bindings, in that order.
func NewStepSettingsFromViper(v *viper.Viper) (*StepSettings, error) {
	ret := NewStepSettings()

	if err := v.Unmarshal(ret); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal settings")
	}

	// Unmarshal replaces nested structs wholesale; re-apply defaults for
	// anything the config left unset.
	if ret.Chat == nil {
		ret.Chat = NewChatSettings()
	}
	if ret.Chat.Engine == nil || *ret.Chat.Engine == "" {
		engine := DefaultEngine
		ret.Chat.Engine = &engine
	}
	if ret.Chat.MaxContextTokens == 0 {
		ret.Chat.MaxContextTokens = DefaultMaxContextTokens
	}
	if ret.Client == nil {
		ret.Client = NewClientSettings()
	}
	if ret.Client.MaxAttempts == 0 {
		ret.Client.MaxAttempts = DefaultMaxAttempts
	}
	ret.Client.normalize()
	if ret.Client.Timeout == nil {
		timeout := DefaultTimeout
		ret.Client.Timeout = &timeout
	}
	if ret.Client.BaseDelay == nil {
		d := DefaultBaseDelay
		ret.Client.BaseDelay = &d
	}
	if ret.Client.MaxTotalWait == nil {
		d := DefaultMaxTotalWait
		ret.Client.MaxTotalWait = &d
	}
	if ret.API == nil {
		ret.API = NewAPISettings()
	}

	if ret.API.APIKey == "" {
		for _, key := range []string{"gemini_api_key", "google_api_key"} {
			if s := v.GetString(key); s != "" {
				ret.API.APIKey = s
				break
			}
		}
	}

	return ret, nil
}

// Validate fails fast when the settings cannot support a request. This runs
// at process startup, before any session exists.
func (ss *StepSettings) Validate() error {
	if ss.Chat == nil || ss.Chat.Engine == nil || *ss.Chat.Engine == "" {
		return errors.New("no model engine configured")
	}
	if ss.Chat.MaxContextTokens <= 0 {
		return errors.Errorf("invalid max_context_tokens %d", ss.Chat.MaxContextTokens)
	}
	if ss.Client == nil || ss.Client.MaxAttempts <= 0 {
		return errors.New("client max_attempts must be at least 1")
	}
	if !ss.API.HasAPIKey() {
		return ErrMissingAPIKey
	}
	return nil
}

func (ss *StepSettings) Clone() *StepSettings {
	ret := &StepSettings{}
	if ss.Chat != nil {
		ret.Chat = ss.Chat.Clone()
	}
	if ss.Client != nil {
		ret.Client = ss.Client.Clone()
	}
	if ss.API != nil {
		ret.API = ss.API.Clone()
	}
	return ret
}

// GetMetadata returns the loggable subset of the settings. The credential
// never appears here.
func (ss *StepSettings) GetMetadata() map[string]interface{} {
	metadata := make(map[string]interface{})

	if ss.Chat != nil {
		if ss.Chat.Engine != nil {
			metadata["engine"] = *ss.Chat.Engine
		}
		if ss.Chat.MaxResponseTokens != nil {
			metadata["max_response_tokens"] = *ss.Chat.MaxResponseTokens
		}
		metadata["max_context_tokens"] = ss.Chat.MaxContextTokens
		if ss.Chat.TopP != nil && *ss.Chat.TopP != 1 {
			metadata["top_p"] = *ss.Chat.TopP
		}
		if ss.Chat.Temperature != nil {
			metadata["temperature"] = *ss.Chat.Temperature
		}
		metadata["stream"] = ss.Chat.Stream
	}

	if ss.Client != nil {
		if ss.Client.Timeout != nil {
			metadata["timeout"] = ss.Client.Timeout.String()
		}
		metadata["max_attempts"] = ss.Client.MaxAttempts
		if ss.Client.BaseDelay != nil {
			metadata["base_delay"] = ss.Client.BaseDelay.String()
		}
		if ss.Client.MaxTotalWait != nil {
			metadata["max_total_wait"] = ss.Client.MaxTotalWait.String()
		}
	}

	if ss.API != nil && ss.API.BaseURL != "" {
		metadata["base_url"] = ss.API.BaseURL
	}

	return metadata
}

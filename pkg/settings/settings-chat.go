package settings

type ChatSettings struct {
	Engine            *string  `yaml:"engine,omitempty" mapstructure:"engine"`
	MaxResponseTokens *int     `yaml:"max_response_tokens,omitempty" mapstructure:"max_response_tokens"`
	MaxContextTokens  int      `yaml:"max_context_tokens,omitempty" mapstructure:"max_context_tokens"`
	TopP              *float64 `yaml:"top_p,omitempty" mapstructure:"top_p"`
	Temperature       *float64 `yaml:"temperature,omitempty" mapstructure:"temperature"`
	Stream            bool     `yaml:"stream,omitempty" mapstructure:"stream"`
}

const (
	DefaultEngine = "gemini-2.5-flash"

	// DefaultMaxContextTokens bounds the estimated size of a request
	// payload. It is a derived prompt budget, distinct from
	// MaxResponseTokens which caps the reply.
	DefaultMaxContextTokens = 8192
)

func NewChatSettings() *ChatSettings {
	engine := DefaultEngine
	return &ChatSettings{
		Engine:           &engine,
		MaxContextTokens: DefaultMaxContextTokens,
		Stream:           true,
	}
}

func (s *ChatSettings) Clone() *ChatSettings {
	ret := *s
	if s.Engine != nil {
		v := *s.Engine
		ret.Engine = &v
	}
	if s.MaxResponseTokens != nil {
		v := *s.MaxResponseTokens
		ret.MaxResponseTokens = &v
	}
	if s.TopP != nil {
		v := *s.TopP
		ret.TopP = &v
	}
	if s.Temperature != nil {
		v := *s.Temperature
		ret.Temperature = &v
	}
	return &ret
}

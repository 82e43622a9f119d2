package settings

import (
	"time"

	"gopkg.in/yaml.v3"
)

// ClientSettings controls the outbound request behavior: per-attempt
// timeout and the retry/backoff policy for transient failures.
type ClientSettings struct {
	Timeout        *time.Duration `yaml:"-"`
	TimeoutSeconds *int           `yaml:"timeout_seconds,omitempty" mapstructure:"timeout_seconds"`

	MaxAttempts    int            `yaml:"max_attempts,omitempty" mapstructure:"max_attempts"`
	BaseDelay      *time.Duration `yaml:"-"`
	BaseDelayMs    *int           `yaml:"base_delay_ms,omitempty" mapstructure:"base_delay_ms"`
	MaxTotalWait   *time.Duration `yaml:"-"`
	MaxTotalWaitMs *int           `yaml:"max_total_wait_ms,omitempty" mapstructure:"max_total_wait_ms"`
}

const (
	DefaultTimeout      = 60 * time.Second
	DefaultMaxAttempts  = 3
	DefaultBaseDelay    = 500 * time.Millisecond
	DefaultMaxTotalWait = 15 * time.Second
)

func NewClientSettings() *ClientSettings {
	timeout := DefaultTimeout
	timeoutSeconds := int(timeout.Seconds())
	baseDelay := DefaultBaseDelay
	baseDelayMs := int(baseDelay.Milliseconds())
	maxTotalWait := DefaultMaxTotalWait
	maxTotalWaitMs := int(maxTotalWait.Milliseconds())

	return &ClientSettings{
		Timeout:        &timeout,
		TimeoutSeconds: &timeoutSeconds,
		MaxAttempts:    DefaultMaxAttempts,
		BaseDelay:      &baseDelay,
		BaseDelayMs:    &baseDelayMs,
		MaxTotalWait:   &maxTotalWait,
		MaxTotalWaitMs: &maxTotalWaitMs,
	}
}

// UnmarshalYAML overrides YAML parsing to derive durations from their
// integer fields.
func (cs *ClientSettings) UnmarshalYAML(value *yaml.Node) error {
	type Alias ClientSettings
	aux := (*Alias)(cs)
	if err := value.Decode(aux); err != nil {
		return err
	}
	cs.normalize()
	return nil
}

// normalize fills the duration fields from their integer counterparts.
func (cs *ClientSettings) normalize() {
	if cs.TimeoutSeconds != nil {
		t := time.Duration(*cs.TimeoutSeconds) * time.Second
		cs.Timeout = &t
	}
	if cs.BaseDelayMs != nil {
		d := time.Duration(*cs.BaseDelayMs) * time.Millisecond
		cs.BaseDelay = &d
	}
	if cs.MaxTotalWaitMs != nil {
		d := time.Duration(*cs.MaxTotalWaitMs) * time.Millisecond
		cs.MaxTotalWait = &d
	}
}

func (cs *ClientSettings) Clone() *ClientSettings {
	ret := *cs
	if cs.Timeout != nil {
		v := *cs.Timeout
		ret.Timeout = &v
	}
	if cs.TimeoutSeconds != nil {
		v := *cs.TimeoutSeconds
		ret.TimeoutSeconds = &v
	}
	if cs.BaseDelay != nil {
		v := *cs.BaseDelay
		ret.BaseDelay = &v
	}
	if cs.BaseDelayMs != nil {
		v := *cs.BaseDelayMs
		ret.BaseDelayMs = &v
	}
	if cs.MaxTotalWait != nil {
		v := *cs.MaxTotalWait
		ret.MaxTotalWait = &v
	}
	if cs.MaxTotalWaitMs != nil {
		v := *cs.MaxTotalWaitMs
		ret.MaxTotalWaitMs = &v
	}
	return &ret
}

package profile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// topicPreviewLen bounds how much of the user input is kept as the topic of
// a struggle entry. The profile is a summary, not a transcript.
const topicPreviewLen = 50

// Profile is the persisted cognitive profile of a single user: which
// fallacies keep coming back, what they believe, and where they struggled.
type Profile struct {
	RecurringFallacies map[string]int  `json:"recurring_fallacies"`
	CoreBeliefs        []string        `json:"core_beliefs"`
	StruggleHistory    []StruggleEntry `json:"struggle_history"`
}

// StruggleEntry records one analyzed interaction.
type StruggleEntry struct {
	Timestamp    time.Time `json:"timestamp"`
	Topic        string    `json:"topic"`
	Fallacy      string    `json:"fallacy,omitempty"`
	StrategyUsed string    `json:"strategy_used,omitempty"`
}

func NewProfile() *Profile {
	return &Profile{
		RecurringFallacies: map[string]int{},
		CoreBeliefs:        []string{},
		StruggleHistory:    []StruggleEntry{},
	}
}

// TopFallacies returns up to n fallacies ordered by recurrence, most
// frequent first. Ties break alphabetically so the order is stable.
func (p *Profile) TopFallacies(n int) []FallacyCount {
	ret := make([]FallacyCount, 0, len(p.RecurringFallacies))
	for name, count := range p.RecurringFallacies {
		ret = append(ret, FallacyCount{Name: name, Count: count})
	}
	sort.Slice(ret, func(i, j int) bool {
		if ret[i].Count != ret[j].Count {
			return ret[i].Count > ret[j].Count
		}
		return ret[i].Name < ret[j].Name
	})
	if len(ret) > n {
		ret = ret[:n]
	}
	return ret
}

type FallacyCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// ContextSummary renders the profile as a short instruction block for the
// analysis prompt.
func (p *Profile) ContextSummary() string {
	top := p.TopFallacies(3)
	if len(top) == 0 {
		return "No recurring cognitive weaknesses recorded yet."
	}
	summary := "User's top recurring cognitive weaknesses:"
	for _, fc := range top {
		summary += fmt.Sprintf(" %s (%d);", fc.Name, fc.Count)
	}
	return summary + " Challenge these specifically."
}

// Historian loads, updates, and persists the cognitive profile across
// sessions.
type Historian struct {
	path    string
	profile *Profile
}

// NewHistorian loads the profile from path. An absent file yields an empty
// profile; a corrupt one is an error so the caller does not silently wipe
// accumulated history.
func NewHistorian(path string) (*Historian, error) {
	h := &Historian{
		path:    path,
		profile: NewProfile(),
	}

	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		log.Debug().Str("path", path).Msg("no cognitive profile on disk, starting empty")
		return h, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read profile %s", path)
	}

	if err := json.Unmarshal(b, h.profile); err != nil {
		return nil, errors.Wrapf(err, "failed to parse profile %s", path)
	}
	if h.profile.RecurringFallacies == nil {
		h.profile.RecurringFallacies = map[string]int{}
	}
	return h, nil
}

// Profile returns the live profile. Callers must not mutate it directly;
// use RecordInteraction.
func (h *Historian) Profile() *Profile {
	return h.profile
}

func (h *Historian) ContextSummary() string {
	return h.profile.ContextSummary()
}

// RecordInteraction folds one analyzed exchange into the profile and
// persists it. A fallacy of "" or "None" is not counted as recurring but
// still shows up in the struggle history.
func (h *Historian) RecordInteraction(userInput string, fallacy string, strategy string) error {
	if fallacy != "" && fallacy != "None" {
		h.profile.RecurringFallacies[fallacy]++
	}

	topic := userInput
	if len(topic) > topicPreviewLen {
		topic = topic[:topicPreviewLen] + "..."
	}
	h.profile.StruggleHistory = append(h.profile.StruggleHistory, StruggleEntry{
		Timestamp:    time.Now(),
		Topic:        topic,
		Fallacy:      fallacy,
		StrategyUsed: strategy,
	})

	return h.save()
}

func (h *Historian) save() error {
	if dir := filepath.Dir(h.path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.Wrapf(err, "failed to create profile directory %s", dir)
		}
	}

	b, err := json.MarshalIndent(h.profile, "", "    ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal profile")
	}
	if err := os.WriteFile(h.path, b, 0644); err != nil {
		return errors.Wrapf(err, "failed to write profile %s", h.path)
	}

	log.Trace().
		Str("path", h.path).
		Int("struggles", len(h.profile.StruggleHistory)).
		Msg("saved cognitive profile")
	return nil
}

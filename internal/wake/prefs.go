// Package wake decides, for every stored message, whether the agent is
// activated now, left for later, or deliberately ignored, and carries the
// activation POST to the wake endpoint.
package wake

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// Notification levels carried in the wake payload, ordered by urgency.
const (
	LevelLow    = "low"
	LevelNormal = "normal"
	LevelHigh   = "high"
)

// Condition names a wake rule that can match a message.
type Condition string

const (
	CondAnyMessage        Condition = "any_message"
	CondDirectMention     Condition = "direct_mention"
	CondHighPriority      Condition = "high_priority"
	CondFromSpecificAgent Condition = "from_specific_agent"
	CondKeywordMatch      Condition = "keyword_match"
	CondSwarmSystem       Condition = "swarm_system_message"
)

var knownConditions = []Condition{
	CondAnyMessage, CondDirectMention, CondHighPriority,
	CondFromSpecificAgent, CondKeywordMatch, CondSwarmSystem,
}

// QuietHours is a UTC hour window during which only high priority
// messages wake the agent. Start past End wraps around midnight.
type QuietHours struct {
	StartHour int `yaml:"start_hour"`
	EndHour   int `yaml:"end_hour"`
}

// covers reports whether the given UTC hour falls inside the window.
func (q *QuietHours) covers(hour int) bool {
	if q == nil {
		return false
	}
	if q.StartHour <= q.EndHour {
		return hour >= q.StartHour && hour < q.EndHour
	}
	return hour >= q.StartHour || hour < q.EndHour
}

// Preferences control when an inbound message wakes the agent.
type Preferences struct {
	Enabled         bool        `yaml:"enabled"`
	DefaultLevel    string      `yaml:"default_level"`
	WakeConditions  []Condition `yaml:"wake_conditions"`
	WatchedAgents   []string    `yaml:"watched_agents"`
	WatchedKeywords []string    `yaml:"watched_keywords"`
	MutedSwarms     []string    `yaml:"muted_swarms"`
	QuietHours      *QuietHours `yaml:"quiet_hours"`
}

// DefaultPreferences wake on every message at normal urgency.
func DefaultPreferences() Preferences {
	return Preferences{
		Enabled:        true,
		DefaultLevel:   LevelNormal,
		WakeConditions: []Condition{CondAnyMessage},
	}
}

// LoadPreferences reads a YAML preferences file. An empty path yields the
// defaults.
func LoadPreferences(path string) (Preferences, error) {
	if path == "" {
		return DefaultPreferences(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Preferences{}, fmt.Errorf("wake: read preferences: %w", err)
	}
	p := DefaultPreferences()
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return Preferences{}, fmt.Errorf("wake: parse preferences: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Preferences{}, err
	}
	return p, nil
}

// Validate rejects unknown levels, unknown conditions and out-of-range
// quiet hours.
func (p Preferences) Validate() error {
	switch p.DefaultLevel {
	case LevelLow, LevelNormal, LevelHigh:
	default:
		return fmt.Errorf("wake: unknown default_level %q", p.DefaultLevel)
	}
	for _, c := range p.WakeConditions {
		if !slices.Contains(knownConditions, c) {
			return fmt.Errorf("wake: unknown wake condition %q", c)
		}
	}
	if q := p.QuietHours; q != nil {
		if q.StartHour < 0 || q.StartHour > 23 || q.EndHour < 0 || q.EndHour > 23 {
			return fmt.Errorf("wake: quiet hours must be within 0..23, got %d..%d", q.StartHour, q.EndHour)
		}
	}
	return nil
}

// matchesKeyword reports a case-insensitive substring match against the
// watched keywords.
func (p Preferences) matchesKeyword(content string) bool {
	c := strings.ToLower(content)
	for _, kw := range p.WatchedKeywords {
		if kw != "" && strings.Contains(c, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// Package quota owns the polling schedule, the snapshot cache, and the
// update/error/status event channels consumed by the presentation layer.
package quota

import "time"

// Level grades how much quota remains against configured thresholds.
type Level int

const (
	LevelNormal Level = iota
	LevelWarning
	LevelCritical
	LevelDepleted
)

func (l Level) String() string {
	switch l {
	case LevelNormal:
		return "normal"
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	case LevelDepleted:
		return "depleted"
	default:
		return "unknown"
	}
}

// Entry is one per-resource quota reading inside a snapshot.
type Entry struct {
	Resource          string    `json:"resource"`
	Label             string    `json:"label"`
	RemainingFraction float64   `json:"remainingFraction"`
	RemainingPercent  float64   `json:"remainingPercent"`
	Exhausted         bool      `json:"exhausted"`
	ResetTime         time.Time `json:"resetTime,omitzero"`
}

// NewEntry derives the percentage and exhausted flag from the fraction.
func NewEntry(resource, label string, fraction float64, reset time.Time) Entry {
	return Entry{
		Resource:          resource,
		Label:             label,
		RemainingFraction: fraction,
		RemainingPercent:  fraction * 100,
		Exhausted:         fraction == 0,
		ResetTime:         reset,
	}
}

// Snapshot is an immutable, timestamped capture of quota state for one
// account. A new successful fetch replaces the prior snapshot wholesale.
type Snapshot struct {
	Timestamp    time.Time `json:"timestamp"`
	AccountEmail string    `json:"accountEmail,omitempty"`
	Tier         string    `json:"tier,omitempty"`
	Entries      []Entry   `json:"entries"`
}

// LevelFor grades a remaining fraction. Thresholds are remaining
// percentages; zero remaining is Depleted regardless of thresholds.
func LevelFor(fraction float64, warningPct, criticalPct int) Level {
	if fraction <= 0 {
		return LevelDepleted
	}
	pct := fraction * 100
	if pct < float64(criticalPct) {
		return LevelCritical
	}
	if pct < float64(warningPct) {
		return LevelWarning
	}
	return LevelNormal
}

// Worst returns the entry with the least remaining quota, if any.
func (s Snapshot) Worst() (Entry, bool) {
	if len(s.Entries) == 0 {
		return Entry{}, false
	}
	worst := s.Entries[0]
	for _, e := range s.Entries[1:] {
		if e.RemainingFraction < worst.RemainingFraction {
			worst = e
		}
	}
	return worst, true
}

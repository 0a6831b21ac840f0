// Package review defines review reports: the structured output of the
// reviewer role. A report's findings carry severities that drive the
// coordinator's refactor gating, and reports are persisted through the
// artifact store keyed by timestamp.
package review

import (
	"fmt"
	"time"
)

// Severity is the seriousness of a single finding.
type Severity string

const (
	SeverityMajor  Severity = "major"
	SeverityMedium Severity = "medium"
	SeverityMinor  Severity = "minor"
)

// String returns the severity's wire name.
func (s Severity) String() string {
	return string(s)
}

// IsValid returns true if the severity is a recognized value.
func (s Severity) IsValid() bool {
	switch s {
	case SeverityMajor, SeverityMedium, SeverityMinor:
		return true
	}
	return false
}

// Weight returns a numeric weight for sorting findings.
// Higher weight = more severe.
func (s Severity) Weight() int {
	switch s {
	case SeverityMajor:
		return 3
	case SeverityMedium:
		return 2
	case SeverityMinor:
		return 1
	default:
		return 0
	}
}

// Finding is a single issue discovered during review.
type Finding struct {
	// Severity indicates how serious the issue is.
	Severity Severity `json:"severity"`

	// Description explains the issue.
	Description string `json:"description"`

	// Rule names the convention document the finding references, if any.
	Rule string `json:"rule,omitempty"`

	// Path is the affected file, if the finding is file-scoped.
	Path string `json:"path,omitempty"`
}

// Report is the reviewer's full output for a session.
type Report struct {
	// SessionID is the session the report belongs to.
	SessionID string `json:"session_id"`

	// CreatedAt is when the report was filed. It also keys the report
	// in the artifact store.
	CreatedAt time.Time `json:"created_at"`

	// Findings lists every issue found, in discovery order.
	Findings []Finding `json:"findings"`
}

// Summary holds the per-severity finding counts.
type Summary struct {
	Major  int `json:"major"`
	Medium int `json:"medium"`
	Minor  int `json:"minor"`
}

// Total returns the total number of findings.
func (s Summary) Total() int {
	return s.Major + s.Medium + s.Minor
}

// String renders the counts for status output.
func (s Summary) String() string {
	return fmt.Sprintf("%d major, %d medium, %d minor", s.Major, s.Medium, s.Minor)
}

// Summary counts the report's findings by severity.
func (r *Report) Summary() Summary {
	var s Summary
	for _, f := range r.Findings {
		switch f.Severity {
		case SeverityMajor:
			s.Major++
		case SeverityMedium:
			s.Medium++
		case SeverityMinor:
			s.Minor++
		}
	}
	return s
}

// HasMajor reports whether the report contains any major finding. A
// report with major findings skips the refactor phase: the session goes
// straight to Done with the report attached for human attention.
func (r *Report) HasMajor() bool {
	for _, f := range r.Findings {
		if f.Severity == SeverityMajor {
			return true
		}
	}
	return false
}

// FindingsBySeverity returns the findings with the given severity, in
// discovery order.
func (r *Report) FindingsBySeverity(s Severity) []Finding {
	var result []Finding
	for _, f := range r.Findings {
		if f.Severity == s {
			result = append(result, f)
		}
	}
	return result
}

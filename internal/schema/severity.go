package schema

import (
	"fmt"
	"strings"
)

// Severity is the shared, totally ordered severity scale.
// The zero value is Info, so a finding that was never assigned a
// severity counts as informational.
type Severity int

const (
	Info Severity = iota
	Low
	Medium
	High
	Critical
)

// Severities lists every level from most to least severe.
var Severities = []Severity{Critical, High, Medium, Low, Info}

var severityNames = [...]string{"info", "low", "medium", "high", "critical"}

// IsValid reports whether s is a recognized severity level.
func (s Severity) IsValid() bool {
	return s >= Info && s <= Critical
}

// Score returns a numeric score for sorting and comparison.
// Critical=5, High=4, Medium=3, Low=2, Info=1, Unknown=0.
func (s Severity) Score() int {
	if !s.IsValid() {
		return 0
	}
	return int(s) + 1
}

func (s Severity) String() string {
	if !s.IsValid() {
		return fmt.Sprintf("severity(%d)", int(s))
	}
	return severityNames[s]
}

// ParseSeverity maps a tag case-insensitively onto the scale. The second
// result is false when the tag is unrecognized, in which case Info is
// returned.
func ParseSeverity(tag string) (Severity, bool) {
	t := strings.ToLower(strings.TrimSpace(tag))
	switch t {
	case "informational", "information":
		return Info, true
	}
	for i, name := range severityNames {
		if t == name {
			return Severity(i), true
		}
	}
	return Info, false
}

func (s Severity) MarshalText() ([]byte, error) {
	if !s.IsValid() {
		return []byte(Info.String()), nil
	}
	return []byte(s.String()), nil
}

// UnmarshalText never fails; unknown tags decode as Info.
func (s *Severity) UnmarshalText(b []byte) error {
	*s, _ = ParseSeverity(string(b))
	return nil
}

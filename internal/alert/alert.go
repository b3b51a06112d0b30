// Package alert defines the threshold-crossing events emitted by the detector
// and the monitor. Events are append-only observations; nothing feeds them
// back into the admission decision.
package alert

import "time"

// Severity orders alert levels.
type Severity int

const (
	SeverityWarning Severity = iota
	SeverityAlert
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityAlert:
		return "alert"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Event is one threshold crossing.
type Event struct {
	Time     time.Time `json:"time"`
	Severity Severity  `json:"severity"`
	// Kind names the rule that fired: quota_utilization, rapid_requests,
	// endpoint_fanout, auth_failures.
	Kind string `json:"kind"`
	// Policy is set for quota alerts, empty for detector alerts.
	Policy string `json:"policy,omitempty"`
	// Subject identifies who crossed the threshold (subject id or IP).
	Subject string  `json:"subject"`
	Value   float64 `json:"value"`
	Limit   float64 `json:"limit"`
	Detail  string  `json:"detail,omitempty"`
}

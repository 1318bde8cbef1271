// Package health tracks the health of the engine and its connections and
// aggregates it into a single report.
//
// A component is healthy, degraded (working with reduced function, such as
// a flow with errored nodes) or unhealthy. An aggregate is unhealthy when
// any part is, degraded when any part is degraded, and healthy otherwise.
//
//	monitor := health.NewMonitor()
//	monitor.Register("engine", eng.Health)
//	monitor.UpdateUnhealthy("nats", "connection lost")
//
//	report := monitor.AggregateHealth("semflow")
package health

import (
	"regexp"
	"strings"
	"time"
)

// State names
const (
	StateHealthy   = "healthy"
	StateDegraded  = "degraded"
	StateUnhealthy = "unhealthy"
)

var (
	urlRegex        = regexp.MustCompile(`(?:https?|nats|wss?|tls)://[^\s]+`)
	ipAddrRegex     = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}(?::\d{2,5})?\b`)
	credentialRegex = regexp.MustCompile(`(?i)(password|token|secret|credential)[^a-zA-Z]*[:=][^,\s}]+`)
)

// Status is the health of a component or system
type Status struct {
	Component   string    `json:"component"`
	Healthy     bool      `json:"healthy"`
	Status      string    `json:"status"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	SubStatuses []Status  `json:"sub_statuses,omitempty"`
}

// IsHealthy returns true if the status is healthy
func (s Status) IsHealthy() bool {
	return s.Status == StateHealthy
}

// IsDegraded returns true if the status is degraded
func (s Status) IsDegraded() bool {
	return s.Status == StateDegraded
}

// IsUnhealthy returns true if the status is unhealthy
func (s Status) IsUnhealthy() bool {
	return s.Status == StateUnhealthy
}

// WithSubStatus adds a sub-status and returns a copy
func (s Status) WithSubStatus(sub Status) Status {
	subs := make([]Status, len(s.SubStatuses), len(s.SubStatuses)+1)
	copy(subs, s.SubStatuses)
	s.SubStatuses = append(subs, sub)
	return s
}

// NewHealthy creates a healthy status
func NewHealthy(component, message string) Status {
	return newStatus(component, StateHealthy, message)
}

// NewDegraded creates a degraded status
func NewDegraded(component, message string) Status {
	return newStatus(component, StateDegraded, message)
}

// NewUnhealthy creates an unhealthy status
func NewUnhealthy(component, message string) Status {
	return newStatus(component, StateUnhealthy, message)
}

func newStatus(component, state, message string) Status {
	return Status{
		Component: component,
		Healthy:   state == StateHealthy,
		Status:    state,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// FromError reports component as unhealthy with err's message stripped of
// addresses and credentials. A nil err is healthy.
func FromError(component string, err error) Status {
	if err == nil {
		return NewHealthy(component, "ok")
	}
	return NewUnhealthy(component, sanitizeMessage(err.Error()))
}

func sanitizeMessage(msg string) string {
	msg = urlRegex.ReplaceAllString(msg, "[URL]")
	msg = ipAddrRegex.ReplaceAllString(msg, "[IP]")
	lower := strings.ToLower(msg)
	if strings.Contains(lower, "password") || strings.Contains(lower, "token") ||
		strings.Contains(lower, "secret") || strings.Contains(lower, "credential") {
		msg = credentialRegex.ReplaceAllString(msg, "[REDACTED]")
	}
	return msg
}

// Aggregate combines sub-statuses into one status for component
func Aggregate(component string, subs []Status) Status {
	if len(subs) == 0 {
		return NewHealthy(component, "No sub-components to aggregate")
	}

	hasUnhealthy, hasDegraded := false, false
	for _, sub := range subs {
		switch {
		case sub.IsUnhealthy():
			hasUnhealthy = true
		case sub.IsDegraded():
			hasDegraded = true
		}
	}

	var status Status
	switch {
	case hasUnhealthy:
		status = NewUnhealthy(component, "One or more sub-components are unhealthy")
	case hasDegraded:
		status = NewDegraded(component, "One or more sub-components are degraded")
	default:
		status = NewHealthy(component, "All sub-components are healthy")
	}
	status.SubStatuses = make([]Status, len(subs))
	copy(status.SubStatuses, subs)
	return status
}

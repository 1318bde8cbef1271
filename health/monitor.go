package health

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/bytedance/sonic"
)

// Check reports the current health of a component when asked
type Check func() Status

// Monitor tracks health of multiple components in a thread-safe manner.
// Components either push updates or register a Check that is evaluated on
// every aggregation.
type Monitor struct {
	mu       sync.RWMutex
	statuses map[string]Status
	checks   map[string]Check
}

// NewMonitor creates a new health monitor
func NewMonitor() *Monitor {
	return &Monitor{
		statuses: make(map[string]Status),
		checks:   make(map[string]Check),
	}
}

// Update records the status of a named component
func (m *Monitor) Update(name string, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()

	status.Component = name
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}
	m.statuses[name] = status
}

// UpdateHealthy marks a component healthy
func (m *Monitor) UpdateHealthy(name, message string) {
	m.Update(name, NewHealthy(name, message))
}

// UpdateUnhealthy marks a component unhealthy
func (m *Monitor) UpdateUnhealthy(name, message string) {
	m.Update(name, NewUnhealthy(name, message))
}

// UpdateDegraded marks a component degraded
func (m *Monitor) UpdateDegraded(name, message string) {
	m.Update(name, NewDegraded(name, message))
}

// Register evaluates check for name on every Get and aggregation. It
// replaces any pushed status for name.
func (m *Monitor) Register(name string, check Check) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.statuses, name)
	m.checks[name] = check
}

// Get returns the status of a named component
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	check, ok := m.checks[name]
	status, exists := m.statuses[name]
	m.mu.RUnlock()

	if ok {
		return evaluate(name, check), true
	}
	return status, exists
}

// Remove stops tracking a component
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.statuses, name)
	delete(m.checks, name)
}

// AggregateHealth returns the system status with one sub-status per
// component, sorted by name
func (m *Monitor) AggregateHealth(systemName string) Status {
	m.mu.RLock()
	subs := make([]Status, 0, len(m.statuses)+len(m.checks))
	for _, status := range m.statuses {
		subs = append(subs, status)
	}
	checks := make(map[string]Check, len(m.checks))
	for name, check := range m.checks {
		checks[name] = check
	}
	m.mu.RUnlock()

	// checks may call back into components, so run them unlocked
	for name, check := range checks {
		subs = append(subs, evaluate(name, check))
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].Component < subs[j].Component })
	return Aggregate(systemName, subs)
}

// Count returns the number of components being monitored
func (m *Monitor) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.statuses) + len(m.checks)
}

func evaluate(name string, check Check) Status {
	status := check()
	status.Component = name
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}
	return status
}

// Handler serves the aggregate as JSON, answering 503 while unhealthy
func (m *Monitor) Handler(systemName string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		status := m.AggregateHealth(systemName)
		data, err := sonic.ConfigStd.Marshal(status)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if status.IsUnhealthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		_, _ = w.Write(data)
	})
}

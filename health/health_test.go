package health

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestConstructors(t *testing.T) {
	tests := []struct {
		status  Status
		state   string
		healthy bool
	}{
		{NewHealthy("a", "ok"), StateHealthy, true},
		{NewDegraded("b", "slow"), StateDegraded, false},
		{NewUnhealthy("c", "down"), StateUnhealthy, false},
	}
	for _, tt := range tests {
		if tt.status.Status != tt.state {
			t.Errorf("%s: got state %q, want %q", tt.status.Component, tt.status.Status, tt.state)
		}
		if tt.status.Healthy != tt.healthy {
			t.Errorf("%s: got healthy %v, want %v", tt.status.Component, tt.status.Healthy, tt.healthy)
		}
		if tt.status.Timestamp.IsZero() {
			t.Errorf("%s: timestamp not set", tt.status.Component)
		}
	}
}

func TestAggregate(t *testing.T) {
	tests := []struct {
		name string
		subs []Status
		want string
	}{
		{"empty", nil, StateHealthy},
		{"all healthy", []Status{NewHealthy("a", ""), NewHealthy("b", "")}, StateHealthy},
		{"one degraded", []Status{NewHealthy("a", ""), NewDegraded("b", "")}, StateDegraded},
		{"unhealthy wins", []Status{NewDegraded("a", ""), NewUnhealthy("b", "")}, StateUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Aggregate("system", tt.subs)
			if got.Status != tt.want {
				t.Errorf("got %q, want %q", got.Status, tt.want)
			}
			if len(got.SubStatuses) != len(tt.subs) {
				t.Errorf("got %d sub-statuses, want %d", len(got.SubStatuses), len(tt.subs))
			}
		})
	}
}

func TestWithSubStatus_DoesNotShare(t *testing.T) {
	base := NewHealthy("root", "").WithSubStatus(NewHealthy("a", ""))
	left := base.WithSubStatus(NewHealthy("left", ""))
	right := base.WithSubStatus(NewHealthy("right", ""))

	if left.SubStatuses[1].Component != "left" || right.SubStatuses[1].Component != "right" {
		t.Errorf("sub-statuses share storage: %v %v", left.SubStatuses, right.SubStatuses)
	}
	if len(base.SubStatuses) != 1 {
		t.Errorf("base modified: %v", base.SubStatuses)
	}
}

func TestFromError_Sanitizes(t *testing.T) {
	if s := FromError("nats", nil); !s.IsHealthy() {
		t.Errorf("nil error should be healthy, got %s", s.Status)
	}

	s := FromError("nats", fmt.Errorf("dial nats://user:pw@10.0.0.5:4222 failed: password=hunter2"))
	if !s.IsUnhealthy() {
		t.Errorf("got %s, want unhealthy", s.Status)
	}
	for _, leaked := range []string{"10.0.0.5", "hunter2", "nats://"} {
		if strings.Contains(s.Message, leaked) {
			t.Errorf("message leaks %q: %s", leaked, s.Message)
		}
	}
}

func TestMonitor_UpdateAndGet(t *testing.T) {
	m := NewMonitor()
	m.Update("db", Status{Component: "wrong", Status: StateHealthy})

	got, ok := m.Get("db")
	if !ok {
		t.Fatal("db not found")
	}
	if got.Component != "db" {
		t.Errorf("component = %q, want db", got.Component)
	}
	if got.Timestamp.IsZero() {
		t.Error("timestamp not set")
	}

	m.UpdateDegraded("db", "slow")
	got, _ = m.Get("db")
	if !got.IsDegraded() {
		t.Errorf("got %s, want degraded", got.Status)
	}

	m.Remove("db")
	if _, ok := m.Get("db"); ok {
		t.Error("db still present after Remove")
	}
}

func TestMonitor_ChecksEvaluatedOnRead(t *testing.T) {
	m := NewMonitor()
	healthy := true
	var mu sync.Mutex
	m.Register("engine", func() Status {
		mu.Lock()
		defer mu.Unlock()
		if healthy {
			return NewHealthy("ignored", "running")
		}
		return NewUnhealthy("ignored", "stopped")
	})
	m.UpdateHealthy("nats", "connected")

	agg := m.AggregateHealth("semflow")
	if !agg.IsHealthy() {
		t.Fatalf("got %s, want healthy", agg.Status)
	}
	if agg.SubStatuses[0].Component != "engine" || agg.SubStatuses[1].Component != "nats" {
		t.Errorf("sub-statuses not sorted by name: %+v", agg.SubStatuses)
	}

	mu.Lock()
	healthy = false
	mu.Unlock()

	if got, _ := m.Get("engine"); !got.IsUnhealthy() {
		t.Errorf("check not re-evaluated: %s", got.Status)
	}
	if agg := m.AggregateHealth("semflow"); !agg.IsUnhealthy() {
		t.Errorf("aggregate = %s, want unhealthy", agg.Status)
	}
	if m.Count() != 2 {
		t.Errorf("count = %d, want 2", m.Count())
	}
}

func TestMonitor_ConcurrentAccess(t *testing.T) {
	m := NewMonitor()
	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			m.UpdateHealthy(fmt.Sprintf("c%d", i), "ok")
		}()
		go func() {
			defer wg.Done()
			_ = m.AggregateHealth("system")
		}()
	}
	wg.Wait()

	if m.Count() != 10 {
		t.Errorf("count = %d, want 10", m.Count())
	}
}

func TestMonitor_Handler(t *testing.T) {
	m := NewMonitor()
	m.UpdateHealthy("engine", "running")

	rec := httptest.NewRecorder()
	m.Handler("semflow").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("code = %d, want 200", rec.Code)
	}
	var body Status
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Component != "semflow" || len(body.SubStatuses) != 1 {
		t.Errorf("unexpected body: %+v", body)
	}

	m.Update("nats", Status{Status: StateUnhealthy, Timestamp: time.Now()})
	rec = httptest.NewRecorder()
	m.Handler("semflow").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("code = %d, want 503", rec.Code)
	}
}

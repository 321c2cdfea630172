package health

import (
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusPredicates(t *testing.T) {
	assert.True(t, NewHealthy("a", "ok").IsHealthy())
	assert.True(t, NewUnhealthy("a", "down").IsUnhealthy())
	assert.True(t, NewDegraded("a", "slow").IsDegraded())
	assert.False(t, NewDegraded("a", "slow").IsHealthy())
}

func TestAggregate(t *testing.T) {
	healthy := NewHealthy("a", "ok")
	degraded := NewDegraded("b", "slow")
	unhealthy := NewUnhealthy("c", "down")

	assert.True(t, Aggregate("sys", nil).IsHealthy())
	assert.True(t, Aggregate("sys", []Status{healthy, healthy}).IsHealthy())
	assert.True(t, Aggregate("sys", []Status{healthy, degraded}).IsDegraded())
	assert.True(t, Aggregate("sys", []Status{healthy, degraded, unhealthy}).IsUnhealthy())

	agg := Aggregate("sys", []Status{healthy, unhealthy})
	assert.Len(t, agg.SubStatuses, 2)
}

func TestMonitorUpdateAndAggregate(t *testing.T) {
	m := NewMonitor()
	assert.Equal(t, 0, m.Count())

	m.UpdateHealthy("engine:global", "running")
	m.UpdateHealthy("engine:tenant:master", "running")

	status, ok := m.Get("engine:global")
	require.True(t, ok)
	assert.True(t, status.IsHealthy())
	assert.True(t, m.AggregateHealth("rules").IsHealthy())

	m.UpdateUnhealthy("engine:tenant:master", "compilation error")
	assert.True(t, m.AggregateHealth("rules").IsUnhealthy())

	m.Remove("engine:tenant:master")
	assert.True(t, m.AggregateHealth("rules").IsHealthy())
	assert.Equal(t, 1, m.Count())

	all := m.GetAll()
	assert.Len(t, all, 1)
}

func TestSanitizeMessage(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"url", "dial https://broker.example.com/leaf failed", "dial [URL] failed"},
		{"nats url", "connect nats://10.0.0.5:4222 refused", "connect [URL] refused"},
		{"path", "open /etc/openremote/rules.yaml failed", "open [PATH] failed"},
		{"ip and port", "dial 192.168.1.10:4222 refused", "dial [IP][PORT] refused"},
		{"credential", "auth failed: password=hunter2", "auth failed: [REDACTED]"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeMessage(tt.in))
		})
	}
}

func TestFromError(t *testing.T) {
	status := FromError("store", fmt.Errorf("dial nats://10.0.0.5:4222 refused"))
	assert.True(t, status.IsUnhealthy())
	assert.NotContains(t, status.Message, "10.0.0.5")

	assert.True(t, FromError("store", nil).IsUnhealthy())
}

func TestMonitorHandler(t *testing.T) {
	m := NewMonitor()
	m.UpdateHealthy("engine:global", "running")

	rec := httptest.NewRecorder()
	m.Handler("rules").ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	require.Equal(t, 200, rec.Code)

	var status Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "rules", status.Component)
	assert.True(t, status.Healthy)

	m.UpdateUnhealthy("engine:global", "down")
	rec = httptest.NewRecorder()
	m.Handler("rules").ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	assert.Equal(t, 503, rec.Code)
}

package domain

import "time"

const (
	// HealthStatusOK indicates every probed dependency answered in time.
	HealthStatusOK = "ok"
	// HealthStatusDegraded indicates a dependency failed but the service keeps serving.
	HealthStatusDegraded = "degraded"
	// HealthStatusError indicates a critical dependency is unreachable.
	HealthStatusError = "error"
)

// SystemHealthCheck records the outcome of a single dependency probe.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates probe outcomes with process gauges for the
// health endpoints. Sessions and CachedResults describe the in-memory state
// of this replica only.
type SystemHealthReport struct {
	Status        string
	Checks        map[string]SystemHealthCheck
	Sessions      int
	CachedResults int
	Version       string
	CommitSHA     string
	Environment   string
	Uptime        time.Duration
	GeneratedAt   time.Time
}

package core

import "context"

// Publisher sends one message to the telemetry broker.
type Publisher interface {
	Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error
}

// Actuator drives the feeder valve.
type Actuator interface {
	Feed(ctx context.Context, seconds float64) error
}

// HostHealth is a coarse view of the device itself.
type HostHealth struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	UptimeSeconds uint64  `json:"uptime_seconds"`
}

type HealthProbe interface {
	Sample(ctx context.Context) (HostHealth, error)
}

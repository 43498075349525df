// Package status tracks point-in-time health snapshots for the
// inference backend and its transport. Each ComponentStatus is owned
// by exactly one probe; the worker reads snapshots for publication.
package status

import (
	"encoding/json"
	"time"
)

// Level is the health level of a single component.
type Level string

const (
	Online   Level = "online"
	Degraded Level = "degraded"
	Offline  Level = "offline"
	Unknown  Level = "unknown"
)

// ComponentStatus is a point-in-time health snapshot.
type ComponentStatus struct {
	Level     Level
	Detail    string
	CheckedAt time.Time
	LatencyMS float64
	// HasLatency distinguishes "no measurement" from a zero reading.
	HasLatency bool
}

// NewComponentStatus returns an unknown, never-checked status.
func NewComponentStatus() ComponentStatus {
	return ComponentStatus{Level: Unknown}
}

// Mark records a probe result. Detail and latency are replaced, not
// merged: the snapshot always reflects the most recent probe alone.
func (s *ComponentStatus) Mark(level Level, detail string) {
	s.Level = level
	s.Detail = detail
	s.CheckedAt = time.Now()
	s.LatencyMS = 0
	s.HasLatency = false
}

// MarkLatency records a probe result with a latency measurement.
func (s *ComponentStatus) MarkLatency(level Level, detail string, latencyMS float64) {
	s.Mark(level, detail)
	s.LatencyMS = latencyMS
	s.HasLatency = true
}

// Checked reports whether the component has ever been probed.
func (s ComponentStatus) Checked() bool {
	return !s.CheckedAt.IsZero()
}

// MarshalJSON renders the relay's camelCase wire shape. Unset optional
// fields are emitted as null, matching what the relay expects.
func (s ComponentStatus) MarshalJSON() ([]byte, error) {
	out := struct {
		Status    Level    `json:"status"`
		Detail    *string  `json:"detail"`
		CheckedAt *string  `json:"checkedAt"`
		LatencyMS *float64 `json:"latencyMs"`
	}{Status: s.Level}

	if s.Detail != "" {
		out.Detail = &s.Detail
	}
	if !s.CheckedAt.IsZero() {
		ts := s.CheckedAt.UTC().Format(time.RFC3339Nano)
		out.CheckedAt = &ts
	}
	if s.HasLatency {
		out.LatencyMS = &s.LatencyMS
	}
	return json.Marshal(out)
}

// Report is the combined worker status pushed to the relay.
type Report struct {
	AgentAPI ComponentStatus `json:"agentApi"`
	LLM      ComponentStatus `json:"llm"`
}

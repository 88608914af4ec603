package langfuse

import (
	"encoding/json"
	"time"
)

// ObservationType is the closed set of execution-span kinds the backend
// reports.
type ObservationType string

const (
	ObservationTypeSpan       ObservationType = "SPAN"
	ObservationTypeGeneration ObservationType = "GENERATION"
	ObservationTypeEvent      ObservationType = "EVENT"
)

// ObservationLevel is the closed set of severity levels.
type ObservationLevel string

const (
	LevelDebug   ObservationLevel = "DEBUG"
	LevelDefault ObservationLevel = "DEFAULT"
	LevelWarning ObservationLevel = "WARNING"
	LevelError   ObservationLevel = "ERROR"
)

// Project identifies a backend project visible to the configured key pair.
type Project struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Trace is one top-level execution record. Traces are immutable once
// fetched; the only field ever attached client-side is ProjectID, which the
// API does not embed.
type Trace struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Timestamp   time.Time       `json:"timestamp"`
	Input       json.RawMessage `json:"input"`
	Output      json.RawMessage `json:"output"`
	Metadata    map[string]any  `json:"metadata"`
	Tags        []string        `json:"tags"`
	UserID      string          `json:"userId"`
	SessionID   string          `json:"sessionId"`
	Release     string          `json:"release"`
	Version     string          `json:"version"`
	Environment string          `json:"environment"`
	Public      bool            `json:"public"`

	// Resolved lazily from /projects and attached after fetch.
	ProjectID string `json:"-"`
}

// TraceWithObservations is the nested shape returned by GET /traces/{id}.
type TraceWithObservations struct {
	Trace
	Observations []Observation `json:"observations"`
}

// ObservationUsage is a token-usage breakdown. Absent counts decode to zero.
type ObservationUsage struct {
	Input  int64  `json:"input"`
	Output int64  `json:"output"`
	Total  int64  `json:"total"`
	Unit   string `json:"unit,omitempty"`
}

// Observation is one nested execution span of a trace.
type Observation struct {
	ID                  string             `json:"id"`
	TraceID             string             `json:"traceId"`
	Type                ObservationType    `json:"type"`
	Name                string             `json:"name"`
	StartTime           time.Time          `json:"startTime"`
	EndTime             time.Time          `json:"endTime"`
	ParentObservationID string             `json:"parentObservationId"`
	Input               json.RawMessage    `json:"input"`
	Output              json.RawMessage    `json:"output"`
	Metadata            map[string]any     `json:"metadata"`
	Level               ObservationLevel   `json:"level"`
	StatusMessage       string             `json:"statusMessage"`
	Model               string             `json:"model"`
	Usage               *ObservationUsage  `json:"usage"`
	CostDetails         map[string]float64 `json:"costDetails"`
	CompletionStartTime time.Time          `json:"completionStartTime"`
	PromptID            string             `json:"promptId"`
	PromptName          string             `json:"promptName"`
	PromptVersion       int                `json:"promptVersion"`
}

// Duration returns the span duration, or zero when the observation has not
// ended.
func (o Observation) Duration() time.Duration {
	if o.StartTime.IsZero() || o.EndTime.IsZero() {
		return 0
	}
	return o.EndTime.Sub(o.StartTime)
}

// PaginationMeta describes one page of a paginated listing.
type PaginationMeta struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	TotalItems int `json:"totalItems"`
	TotalPages int `json:"totalPages"`
}

// Page is one page of results plus pagination metadata.
type Page[T any] struct {
	Data []T            `json:"data"`
	Meta PaginationMeta `json:"meta"`
}

// TraceFilter narrows a paginated trace listing. Zero-value fields are
// omitted from the request.
type TraceFilter struct {
	FromTimestamp time.Time
	ToTimestamp   time.Time
	Name          string
	UserID        string
	SessionID     string
	Tags          []string
}

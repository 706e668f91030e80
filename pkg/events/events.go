// Package events defines the closed set of platform events produced from
// generation backend traffic. Consumers switch on the concrete type.
package events

import (
	"encoding/json"
	"time"
)

// Event is one of InstanceConnected, InstanceDisconnected,
// GenerationProgress, GenerationCompleted, GenerationError or
// GenerationCancelled.
type Event interface {
	Instance() string
	OccurredAt() time.Time
	Name() string
	isEvent()
}

// Meta carries the fields every event shares.
type Meta struct {
	InstanceID string    `json:"instance_id"`
	At         time.Time `json:"at"`
}

func (m Meta) Instance() string      { return m.InstanceID }
func (m Meta) OccurredAt() time.Time { return m.At }

// InstanceConnected fires after the post-connect handshake succeeds.
type InstanceConnected struct {
	Meta
}

// InstanceDisconnected fires when a session ends for any reason.
type InstanceDisconnected struct {
	Meta
	Reason string `json:"reason"`
}

// Stage is the output of one completed node, persisted as a checkpoint.
type Stage struct {
	Index  int             `json:"index"`
	Name   string          `json:"name"`
	Output json.RawMessage `json:"output"`
}

// GenerationProgress reports forward movement of a job.
type GenerationProgress struct {
	Meta
	JobID       string `json:"job_id"`
	PromptID    string `json:"prompt_id"`
	Percent     int    `json:"percent"`
	Message     string `json:"message,omitempty"`
	CurrentNode string `json:"current_node,omitempty"`
	Stage       *Stage `json:"stage,omitempty"`
}

// GenerationCompleted reports that the backend finished a prompt.
type GenerationCompleted struct {
	Meta
	JobID    string          `json:"job_id"`
	PromptID string          `json:"prompt_id"`
	Outputs  json.RawMessage `json:"outputs,omitempty"`
}

// GenerationError reports a failed prompt. Stale is set when the platform
// gave up waiting rather than the backend reporting an error.
type GenerationError struct {
	Meta
	JobID         string `json:"job_id"`
	PromptID      string `json:"prompt_id"`
	NodeID        string `json:"node_id,omitempty"`
	NodeType      string `json:"node_type,omitempty"`
	Message       string `json:"message"`
	ExceptionType string `json:"exception_type,omitempty"`
	Stale         bool   `json:"stale,omitempty"`
}

// GenerationCancelled reports that a prompt was interrupted or dropped.
type GenerationCancelled struct {
	Meta
	JobID    string `json:"job_id"`
	PromptID string `json:"prompt_id"`
	Reason   string `json:"reason,omitempty"`
}

func (InstanceConnected) Name() string    { return "instance_connected" }
func (InstanceDisconnected) Name() string { return "instance_disconnected" }
func (GenerationProgress) Name() string   { return "generation_progress" }
func (GenerationCompleted) Name() string  { return "generation_completed" }
func (GenerationError) Name() string      { return "generation_error" }
func (GenerationCancelled) Name() string  { return "generation_cancelled" }

func (InstanceConnected) isEvent()    {}
func (InstanceDisconnected) isEvent() {}
func (GenerationProgress) isEvent()   {}
func (GenerationCompleted) isEvent()  {}
func (GenerationError) isEvent()      {}
func (GenerationCancelled) isEvent()  {}

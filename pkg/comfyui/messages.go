package comfyui

import (
	"encoding/json"
	"fmt"

	"github.com/athulya-anil/axon-forge/pkg/models"
)

// Message is a decoded backend websocket frame.
type Message interface {
	Kind() string
	// Prompt returns the prompt id the frame refers to, or "" if it carries none.
	Prompt() string
}

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// StatusMessage is the periodic queue status broadcast.
type StatusMessage struct {
	Status struct {
		ExecInfo struct {
			QueueRemaining int `json:"queue_remaining"`
		} `json:"exec_info"`
	} `json:"status"`
	SID string `json:"sid,omitempty"`
}

// ExecutionStart is sent when a prompt begins executing.
type ExecutionStart struct {
	PromptID string `json:"prompt_id"`
}

// ExecutionCached lists nodes served from cache.
type ExecutionCached struct {
	PromptID string   `json:"prompt_id"`
	Nodes    []string `json:"nodes"`
}

// Executing names the node now running. A nil Node means the prompt finished.
type Executing struct {
	PromptID string  `json:"prompt_id"`
	Node     *string `json:"node"`
}

// Progress is step-level progress within a node.
type Progress struct {
	Value    int    `json:"value"`
	Max      int    `json:"max"`
	PromptID string `json:"prompt_id,omitempty"`
	Node     string `json:"node,omitempty"`
}

// Executed carries the output of a finished node.
type Executed struct {
	PromptID string          `json:"prompt_id"`
	Node     string          `json:"node"`
	Output   json.RawMessage `json:"output"`
}

// ExecutionError reports a node failure.
type ExecutionError struct {
	PromptID         string `json:"prompt_id"`
	NodeID           string `json:"node_id"`
	NodeType         string `json:"node_type,omitempty"`
	ExceptionMessage string `json:"exception_message"`
	ExceptionType    string `json:"exception_type"`
}

// ExecutionInterrupted is sent after an interrupt stops a prompt.
type ExecutionInterrupted struct {
	PromptID string `json:"prompt_id"`
	NodeID   string `json:"node_id,omitempty"`
	NodeType string `json:"node_type,omitempty"`
}

// ExecutionSuccess is sent by newer backends once a prompt finishes cleanly.
type ExecutionSuccess struct {
	PromptID string `json:"prompt_id"`
}

func (StatusMessage) Kind() string        { return "status" }
func (ExecutionStart) Kind() string       { return "execution_start" }
func (ExecutionCached) Kind() string      { return "execution_cached" }
func (Executing) Kind() string            { return "executing" }
func (Progress) Kind() string             { return "progress" }
func (Executed) Kind() string             { return "executed" }
func (ExecutionError) Kind() string       { return "execution_error" }
func (ExecutionInterrupted) Kind() string { return "execution_interrupted" }
func (ExecutionSuccess) Kind() string     { return "execution_success" }

func (StatusMessage) Prompt() string          { return "" }
func (m ExecutionStart) Prompt() string       { return m.PromptID }
func (m ExecutionCached) Prompt() string      { return m.PromptID }
func (m Executing) Prompt() string            { return m.PromptID }
func (m Progress) Prompt() string             { return m.PromptID }
func (m Executed) Prompt() string             { return m.PromptID }
func (m ExecutionError) Prompt() string       { return m.PromptID }
func (m ExecutionInterrupted) Prompt() string { return m.PromptID }
func (m ExecutionSuccess) Prompt() string     { return m.PromptID }

// ParseMessage decodes a text frame. Malformed JSON and unknown types
// return an error wrapping models.ErrProtocolParse.
func ParseMessage(raw []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrProtocolParse, err)
	}

	var msg Message
	var err error
	switch env.Type {
	case "status":
		var m StatusMessage
		err = decode(env.Data, &m)
		msg = m
	case "execution_start":
		var m ExecutionStart
		err = decode(env.Data, &m)
		msg = m
	case "execution_cached":
		var m ExecutionCached
		err = decode(env.Data, &m)
		msg = m
	case "executing":
		var m Executing
		err = decode(env.Data, &m)
		msg = m
	case "progress":
		var m Progress
		err = decode(env.Data, &m)
		msg = m
	case "executed":
		var m Executed
		err = decode(env.Data, &m)
		msg = m
	case "execution_error":
		var m ExecutionError
		err = decode(env.Data, &m)
		msg = m
	case "execution_interrupted":
		var m ExecutionInterrupted
		err = decode(env.Data, &m)
		msg = m
	case "execution_success":
		var m ExecutionSuccess
		err = decode(env.Data, &m)
		msg = m
	default:
		return nil, fmt.Errorf("%w: unknown message type %q", models.ErrProtocolParse, env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", models.ErrProtocolParse, env.Type, err)
	}
	return msg, nil
}

func decode(data json.RawMessage, v interface{}) error {
	if len(data) == 0 {
		return fmt.Errorf("missing data")
	}
	return json.Unmarshal(data, v)
}

package comfyui

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/athulya-anil/axon-forge/pkg/events"
)

// PromptState is what the connection knows about a prompt when a frame arrives.
type PromptState struct {
	JobID      string
	Percent    int
	Node       string
	StageCount int
	Outputs    json.RawMessage
}

// Translate maps a backend message to at most one platform event. Queue
// status and cache notices are informational and produce nothing, as does
// any frame for a prompt that belongs to no known job.
func Translate(instanceID string, msg Message, st PromptState, at time.Time) (events.Event, bool) {
	meta := events.Meta{InstanceID: instanceID, At: at}

	switch msg.(type) {
	case StatusMessage, ExecutionCached:
		return nil, false
	}
	if st.JobID == "" {
		return nil, false
	}

	switch m := msg.(type) {
	case ExecutionStart:
		return events.GenerationProgress{
			Meta: meta, JobID: st.JobID, PromptID: m.PromptID,
			Percent: st.Percent, Message: "execution started",
		}, true

	case Executing:
		if m.Node == nil {
			return events.GenerationCompleted{
				Meta: meta, JobID: st.JobID, PromptID: m.PromptID, Outputs: st.Outputs,
			}, true
		}
		return events.GenerationProgress{
			Meta: meta, JobID: st.JobID, PromptID: m.PromptID,
			Percent: st.Percent, CurrentNode: *m.Node,
		}, true

	case Progress:
		node := m.Node
		if node == "" {
			node = st.Node
		}
		return events.GenerationProgress{
			Meta: meta, JobID: st.JobID, PromptID: m.PromptID,
			Percent:     Percent(m.Value, m.Max),
			Message:     fmt.Sprintf("step %d/%d", m.Value, m.Max),
			CurrentNode: node,
		}, true

	case Executed:
		return events.GenerationProgress{
			Meta: meta, JobID: st.JobID, PromptID: m.PromptID,
			Percent: st.Percent, CurrentNode: m.Node,
			Stage: &events.Stage{Index: st.StageCount, Name: m.Node, Output: m.Output},
		}, true

	case ExecutionError:
		return events.GenerationError{
			Meta: meta, JobID: st.JobID, PromptID: m.PromptID,
			NodeID: m.NodeID, NodeType: m.NodeType,
			Message: m.ExceptionMessage, ExceptionType: m.ExceptionType,
		}, true

	case ExecutionInterrupted:
		return events.GenerationCancelled{
			Meta: meta, JobID: st.JobID, PromptID: m.PromptID, Reason: "interrupted",
		}, true

	case ExecutionSuccess:
		return events.GenerationCompleted{
			Meta: meta, JobID: st.JobID, PromptID: m.PromptID, Outputs: st.Outputs,
		}, true
	}
	return nil, false
}

// Percent converts step counters to a whole percentage in [0, 100].
func Percent(value, max int) int {
	if max <= 0 {
		return 0
	}
	p := value * 100 / max
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

package emit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
)

// LogEmitter implements Emitter by writing structured log output to a
// writer.
//
// Supports two output modes:
//   - Text mode (default): Human-readable format with key=value pairs
//   - JSON mode: Machine-readable JSON format, one event per line
//
// Example text output:
//
//	[state_changed] workflow=wf-001 seq=3 source=machine meta={"from":"RUNNING","to":"WAITING_APPROVAL"}
//
// Example JSON output:
//
//	{"workflowID":"wf-001","seq":3,"source":"machine","msg":"state_changed","meta":{"from":"RUNNING","to":"WAITING_APPROVAL"}}
//
// Usage:
//
//	// Text output to stdout
//	emitter := emit.NewLogEmitter(os.Stdout, false)
//
//	// JSON output to file
//	f, _ := os.Create("events.jsonl")
//	defer f.Close()
//	emitter := emit.NewLogEmitter(f, true)
type LogEmitter struct {
	mu       sync.Mutex
	writer   io.Writer
	jsonMode bool
}

// NewLogEmitter creates a new LogEmitter.
//
// Parameters:
//   - writer: Where to write the log output (e.g., os.Stdout, file)
//   - jsonMode: If true, emit JSON format; if false, emit text format
func NewLogEmitter(writer io.Writer, jsonMode bool) *LogEmitter {
	if writer == nil {
		writer = os.Stdout
	}
	return &LogEmitter{
		writer:   writer,
		jsonMode: jsonMode,
	}
}

// Emit writes an event to the configured writer.
func (l *LogEmitter) Emit(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.jsonMode {
		l.emitJSON(event)
	} else {
		l.emitText(event)
	}
}

// emitJSON writes event as single-line JSON (JSONL format).
func (l *LogEmitter) emitJSON(event Event) {
	data, err := json.Marshal(struct {
		WorkflowID string                 `json:"workflowID"`
		Seq        int                    `json:"seq"`
		Source     string                 `json:"source"`
		Msg        string                 `json:"msg"`
		Meta       map[string]interface{} `json:"meta"`
	}{
		WorkflowID: event.WorkflowID,
		Seq:        event.Seq,
		Source:     event.Source,
		Msg:        event.Msg,
		Meta:       event.Meta,
	})
	if err != nil {
		// Fallback to error message if marshal fails
		fmt.Fprintf(l.writer, "{\"error\":\"failed to marshal event: %v\"}\n", err)
		return
	}

	fmt.Fprintf(l.writer, "%s\n", data)
}

// emitText writes event as human-readable text.
func (l *LogEmitter) emitText(event Event) {
	fmt.Fprintf(l.writer, "[%s] workflow=%s seq=%d source=%s",
		event.Msg, event.WorkflowID, event.Seq, event.Source)

	if len(event.Meta) > 0 {
		metaJSON, err := json.Marshal(event.Meta)
		if err == nil {
			fmt.Fprintf(l.writer, " meta=%s", metaJSON)
		} else {
			fmt.Fprintf(l.writer, " meta=%v", event.Meta)
		}
	}

	fmt.Fprint(l.writer, "\n")
}

package emit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
)

// LogEmitter implements Emitter by writing events to a writer.
//
// Supports two output modes:
//   - Text mode (default): Human-readable format with key=value pairs
//   - JSON mode: One event per line, the same shape as the event log
//
// Example text output:
//
//	[stage_completed] runId=0191c7a0-... agent=research data={"stage":0}
//
// Example JSON output:
//
//	{"type":"stage_completed","timestamp":"2025-01-01T00:00:00Z","runId":"0191c7a0-...","data":{"stage":0}}
//
// Each event is written with a single Write call so concurrent readers of
// the destination never observe a partial line.
type LogEmitter struct {
	mu       sync.Mutex
	writer   io.Writer
	jsonMode bool
}

// NewLogEmitter creates a new LogEmitter.
//
// Parameters:
//   - writer: Where to write the log output (nil means os.Stdout)
//   - jsonMode: If true, emit JSON lines; if false, emit text
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
	var line []byte
	if l.jsonMode {
		line = formatJSON(event)
	} else {
		line = formatText(event)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.writer.Write(line)
}

func formatJSON(event Event) []byte {
	data, err := json.Marshal(event)
	if err != nil {
		return []byte(fmt.Sprintf("{\"error\":%q}\n", "failed to marshal event: "+err.Error()))
	}
	return append(data, '\n')
}

func formatText(event Event) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "[%s] runId=%s", event.Type, event.RunID)
	if event.Agent != "" {
		fmt.Fprintf(&buf, " agent=%s", event.Agent)
	}
	if len(event.Data) > 0 {
		if dataJSON, err := json.Marshal(event.Data); err == nil {
			fmt.Fprintf(&buf, " data=%s", dataJSON)
		} else {
			fmt.Fprintf(&buf, " data=%v", event.Data)
		}
	}
	buf.WriteByte('\n')
	return buf.Bytes()
}

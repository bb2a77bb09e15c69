package report

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/Iron-Ham/crucible/internal/event"
	"github.com/Iron-Ham/crucible/internal/logging"
)

// Entry is one line of the event log.
type Entry struct {
	Time       time.Time `json:"time"`
	Type       string    `json:"type"`
	WorkflowID string    `json:"workflow_id"`
	TaskID     string    `json:"task_id,omitempty"`
	Message    string    `json:"message"`
}

// EntryOf converts an event into a log entry.
func EntryOf(e event.Event) Entry {
	ref := e.Subject()
	return Entry{
		Time:       e.Timestamp(),
		Type:       e.EventType(),
		WorkflowID: ref.WorkflowID,
		TaskID:     ref.TaskID,
		Message:    e.Describe(),
	}
}

// Recorder collects every event published on a bus. With a sink attached
// each entry is also appended to it as a JSON line.
type Recorder struct {
	mu      sync.Mutex
	entries []Entry
	sink    io.Writer
	logger  *logging.Logger

	bus   *event.Bus
	subID string
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithSink appends entries to w as JSON lines.
func WithSink(w io.Writer) RecorderOption {
	return func(r *Recorder) {
		r.sink = w
	}
}

// WithRecorderLogger sets the logger used for sink write failures.
func WithRecorderLogger(logger *logging.Logger) RecorderOption {
	return func(r *Recorder) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRecorder subscribes a recorder to bus.
// Panics if bus is nil.
func NewRecorder(bus *event.Bus, opts ...RecorderOption) *Recorder {
	if bus == nil {
		panic("report.NewRecorder: bus must not be nil")
	}
	r := &Recorder{bus: bus, logger: logging.NopLogger()}
	for _, opt := range opts {
		opt(r)
	}
	r.subID = bus.SubscribeAll(r.record)
	return r
}

func (r *Recorder) record(e event.Event) {
	entry := EntryOf(e)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
	if r.sink == nil {
		return
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if _, err := r.sink.Write(append(data, '\n')); err != nil {
		r.logger.Warn("failed to write event log", "error", err)
	}
}

// Entries returns a copy of the recorded entries in publication order.
func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Entry(nil), r.entries...)
}

// Close unsubscribes the recorder from its bus.
func (r *Recorder) Close() {
	r.bus.Unsubscribe(r.subID)
}

// ReadLog parses a JSON-lines event log. Blank lines are skipped; a
// malformed line is an error naming its line number.
func ReadLog(rd io.Reader) ([]Entry, error) {
	var entries []Entry
	sc := bufio.NewScanner(rd)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		data := sc.Bytes()
		if len(data) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			return entries, fmt.Errorf("event log line %d: %w", line, err)
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return entries, fmt.Errorf("read event log: %w", err)
	}
	return entries, nil
}

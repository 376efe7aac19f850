// Package eventlog writes a JSONL trace of consensus samples and runs to
// daily rotated files.
package eventlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"maker/pkg/answer"
	"maker/pkg/consensus"
	"maker/pkg/logx"
	"maker/pkg/metrics"
)

// Event kinds.
const (
	KindSample = "sample"
	KindRun    = "run"
)

// Standing is one row of the final standings in a run event.
type Standing struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

// Event is one line of the log. Sample events set Outcome; run events set
// the remaining fields.
type Event struct {
	Time       time.Time  `json:"time"`
	Kind       string     `json:"kind"`
	Stage      string     `json:"stage,omitempty"`
	Outcome    string     `json:"outcome,omitempty"`
	Result     string     `json:"result,omitempty"`
	Answer     string     `json:"answer,omitempty"`
	State      string     `json:"state,omitempty"`
	Attempts   int        `json:"attempts,omitempty"`
	Votes      int        `json:"votes,omitempty"`
	Discarded  int        `json:"discarded,omitempty"`
	Lead       int        `json:"lead,omitempty"`
	Contract   string     `json:"contract,omitempty"` // answer marker contract the run was extracted under
	DurationMS int64      `json:"duration_ms,omitempty"`
	Standings  []Standing `json:"standings,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// Writer appends events to events-YYYY-MM-DD.jsonl in logDir, opening a new
// file when the date changes. It implements consensus.Recorder.
type Writer struct {
	logDir      string
	currentFile *os.File
	currentDate string
	mu          sync.Mutex
	now         func() time.Time
	logger      *logx.Logger
}

// NewWriter creates logDir if needed and opens today's file.
func NewWriter(logDir string) (*Writer, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create event log directory: %w", err)
	}

	w := &Writer{
		logDir: logDir,
		now:    time.Now,
		logger: logx.NewLogger("eventlog"),
	}
	if err := w.rotateIfNeeded(); err != nil {
		return nil, fmt.Errorf("failed to initialize event log file: %w", err)
	}
	return w, nil
}

// Write appends one event, stamping Time when it is zero.
func (w *Writer) Write(ev Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.currentFile == nil {
		return fmt.Errorf("event log is closed")
	}
	if err := w.rotateIfNeeded(); err != nil {
		return fmt.Errorf("failed to rotate event log: %w", err)
	}
	if ev.Time.IsZero() {
		ev.Time = w.now().UTC()
	}

	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to serialize event: %w", err)
	}
	line = append(line, '\n')
	if _, err := w.currentFile.Write(line); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	return nil
}

// ObserveSample records one sample outcome.
func (w *Writer) ObserveSample(stage string, outcome consensus.Outcome) {
	w.write(Event{Kind: KindSample, Stage: stage, Outcome: string(outcome)})
}

// ObserveRun records a finished run with its final standings.
func (w *Writer) ObserveRun(stage string, res consensus.Result, err error) {
	ev := Event{
		Kind:       KindRun,
		Stage:      stage,
		Result:     metrics.RunResult(res, err),
		Answer:     string(res.Key),
		State:      res.State.String(),
		Attempts:   res.Attempts,
		Votes:      res.Votes,
		Discarded:  res.Discarded,
		Lead:       res.Margin(),
		DurationMS: res.Duration.Milliseconds(),
		Contract:   answer.MarkerVersion,
	}
	for _, e := range res.Standings {
		ev.Standings = append(ev.Standings, Standing{Key: string(e.Key), Count: e.Count})
	}
	if err != nil {
		ev.Error = err.Error()
	}
	w.write(ev)
}

func (w *Writer) write(ev Event) {
	if err := w.Write(ev); err != nil {
		w.logger.Warn("dropped %s event for stage %q: %v", ev.Kind, ev.Stage, err)
	}
}

func (w *Writer) rotateIfNeeded() error {
	date := w.now().Format(time.DateOnly)
	if w.currentFile != nil && w.currentDate == date {
		return nil
	}

	if w.currentFile != nil {
		if err := w.currentFile.Close(); err != nil {
			return fmt.Errorf("failed to close event log file: %w", err)
		}
	}

	path := filepath.Join(w.logDir, fileName(date))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open event log file %s: %w", path, err)
	}
	w.currentFile = file
	w.currentDate = date
	return nil
}

// Close flushes and closes the current file. Later writes fail.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.currentFile == nil {
		return nil
	}
	syncErr := w.currentFile.Sync()
	closeErr := w.currentFile.Close()
	w.currentFile = nil
	if syncErr != nil {
		return fmt.Errorf("failed to sync event log file: %w", syncErr)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close event log file: %w", closeErr)
	}
	return nil
}

// CurrentFile returns the path of the active log file, or "" once closed.
func (w *Writer) CurrentFile() string {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.currentFile == nil {
		return ""
	}
	return filepath.Join(w.logDir, fileName(w.currentDate))
}

// ReadEvents parses every event in a log file. Blank lines are skipped.
func ReadEvents(path string) ([]Event, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read event log: %w", err)
	}

	var events []Event
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for line := 1; scanner.Scan(); line++ {
		if len(bytes.TrimSpace(scanner.Bytes())) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			return nil, fmt.Errorf("%s:%d: failed to parse event: %w", path, line, err)
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan event log: %w", err)
	}
	return events, nil
}

// ListLogFiles returns the event log files in logDir, oldest first.
func ListLogFiles(logDir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(logDir, "events-*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("failed to list event log files: %w", err)
	}
	return files, nil
}

func fileName(date string) string {
	return fmt.Sprintf("events-%s.jsonl", date)
}

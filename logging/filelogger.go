// Package logging writes per-run artifacts: the raw envelope recording and the
// plain text summary.
package logging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/acarl005/stripansi"
	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-harness/envelope"
	"github.com/ethereum-optimism/infra/op-harness/reporting"
)

const (
	RunDirectoryPrefix = "testrun-"
	EnvelopesFilename  = "envelopes.jsonl"
	SummaryFilename    = "summary.log"
)

var ErrClosed = errors.New("async file is closed")

// AsyncFile provides non-blocking file writing capabilities
type AsyncFile struct {
	file    *os.File
	queue   chan []byte
	wg      sync.WaitGroup
	mu      sync.Mutex
	stopped bool
	log     log.Logger
	failed  atomic.Uint64
}

// NewAsyncFile creates the file, truncating it, and starts the writer.
func NewAsyncFile(path string, logger log.Logger) (*AsyncFile, error) {
	if logger == nil {
		logger = log.New()
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create file %s: %w", path, err)
	}

	af := &AsyncFile{
		file:  file,
		queue: make(chan []byte, 256),
		log:   logger,
	}
	af.wg.Add(1)
	go af.processQueue()
	return af, nil
}

// Write queues a copy of data.
func (af *AsyncFile) Write(data []byte) error {
	af.mu.Lock()
	defer af.mu.Unlock()

	if af.stopped {
		return ErrClosed
	}
	dataCopy := make([]byte, len(data))
	copy(dataCopy, data)
	af.queue <- dataCopy
	return nil
}

func (af *AsyncFile) processQueue() {
	defer af.wg.Done()
	for data := range af.queue {
		if _, err := af.file.Write(data); err != nil {
			af.failed.Add(1)
			af.log.Error("Error writing to file", "file", af.file.Name(), "err", err)
		}
	}
}

// Failed is the number of writes that could not be persisted.
func (af *AsyncFile) Failed() uint64 {
	return af.failed.Load()
}

// Close flushes queued writes and closes the file. Further calls are no-ops.
func (af *AsyncFile) Close() error {
	af.mu.Lock()
	if af.stopped {
		af.mu.Unlock()
		return nil
	}
	af.stopped = true
	close(af.queue)
	af.mu.Unlock()

	af.wg.Wait()
	return af.file.Close()
}

// RunDir returns the artifact directory of runID under baseDir.
func RunDir(baseDir, runID string) string {
	return filepath.Join(baseDir, RunDirectoryPrefix+safeFilename(runID))
}

// safeFilename converts a string to a safe filename by replacing problematic characters
func safeFilename(s string) string {
	r := strings.NewReplacer(
		"/", "_", "\\", "_", ":", "_", "*", "_", "?", "_",
		"\"", "_", "<", "_", ">", "_", "|", "_", " ", "_",
		"...", "",
	)
	return r.Replace(s)
}

// RecordedEnvelope is one line of envelopes.jsonl.
type RecordedEnvelope struct {
	Time     time.Time         `json:"time"`
	Instance string            `json:"instance"`
	Envelope envelope.Envelope `json:"envelope"`
}

// EnvelopeRecorder appends every accepted envelope of a run to a JSON lines
// file.
type EnvelopeRecorder struct {
	file *AsyncFile
	path string
	now  func() time.Time
}

func NewEnvelopeRecorder(baseDir, runID string, logger log.Logger) (*EnvelopeRecorder, error) {
	dir := RunDir(baseDir, runID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create run directory %s: %w", dir, err)
	}
	path := filepath.Join(dir, EnvelopesFilename)
	file, err := NewAsyncFile(path, logger)
	if err != nil {
		return nil, err
	}
	return &EnvelopeRecorder{file: file, path: path, now: time.Now}, nil
}

func (r *EnvelopeRecorder) Path() string {
	return r.path
}

func (r *EnvelopeRecorder) Record(instanceID string, env envelope.Envelope) error {
	line, err := json.Marshal(RecordedEnvelope{Time: r.now(), Instance: instanceID, Envelope: env})
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	return r.file.Write(append(line, '\n'))
}

func (r *EnvelopeRecorder) Close() error {
	return r.file.Close()
}

// ReadRecording loads a recording written by EnvelopeRecorder.
func ReadRecording(path string) ([]RecordedEnvelope, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out []RecordedEnvelope
	for i, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var rec RecordedEnvelope
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return nil, fmt.Errorf("line %d: %w", i+1, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// SummaryFileSink writes the plain text summary of each report to
// <baseDir>/testrun-<runID>/summary.log.
type SummaryFileSink struct {
	baseDir string
	console *reporting.ConsoleSink
}

func NewSummaryFileSink(baseDir string) *SummaryFileSink {
	console := reporting.NewConsoleSink(nil, "Test Results")
	console.ShowPassed = true
	return &SummaryFileSink{baseDir: baseDir, console: console}
}

func (s *SummaryFileSink) Emit(_ context.Context, report *reporting.TestReport) error {
	dir := RunDir(s.baseDir, report.RunID())
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory %s: %w", dir, err)
	}
	content := stripansi.Strip(s.console.Format(report))
	summaryFile := filepath.Join(dir, SummaryFilename)
	if err := os.WriteFile(summaryFile, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write summary file: %w", err)
	}
	return nil
}

// Package loki provides a zerolog writer that ships daemon logs to Grafana Loki.
package loki

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/gzip"
)

// DefaultJob is the job label set when none is configured.
const DefaultJob = "documentd"

// Config holds configuration for the Loki writer.
type Config struct {
	URL           string            // Loki base URL, e.g. http://loki:3100
	Labels        map[string]string // Static stream labels
	BatchSize     int               // Entries per push (default: 100)
	FlushInterval time.Duration     // Default: 5s
	Timeout       time.Duration     // Per push (default: 10s)
	Gzip          bool              // Compress push bodies
}

type entry struct {
	ts   time.Time
	line string
}

type pushRequest struct {
	Streams []stream `json:"streams"`
}

type stream struct {
	Stream map[string]string `json:"stream"`
	Values [][2]string       `json:"values"`
}

// Writer buffers log lines and pushes them to Loki in batches. Write never
// fails, so an unreachable Loki never blocks logging.
type Writer struct {
	url    string
	client *http.Client
	gzip   bool
	now    func() time.Time

	mu        sync.Mutex
	labels    map[string]string
	buffer    []entry
	batchSize int

	interval time.Duration
	trigger  chan struct{}
	stop     chan struct{}
	wg       sync.WaitGroup
	flushing atomic.Bool
	failures atomic.Uint64
	stderr   io.Writer
}

// NewWriter creates a writer. Call Start to begin pushing.
func NewWriter(cfg Config) *Writer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	labels := maps.Clone(cfg.Labels)
	if labels == nil {
		labels = make(map[string]string)
	}
	if _, ok := labels["job"]; !ok {
		labels["job"] = DefaultJob
	}
	return &Writer{
		url:       cfg.URL,
		client:    &http.Client{Timeout: cfg.Timeout},
		gzip:      cfg.Gzip,
		now:       time.Now,
		labels:    labels,
		buffer:    make([]entry, 0, cfg.BatchSize),
		batchSize: cfg.BatchSize,
		interval:  cfg.FlushInterval,
		trigger:   make(chan struct{}, 1),
		stop:      make(chan struct{}),
		stderr:    os.Stderr,
	}
}

// Write implements io.Writer.
func (w *Writer) Write(p []byte) (int, error) {
	// zerolog reuses p after Write returns.
	line := string(bytes.TrimSpace(p))
	if line == "" {
		return len(p), nil
	}

	w.mu.Lock()
	w.buffer = append(w.buffer, entry{ts: w.now(), line: line})
	full := len(w.buffer) >= w.batchSize
	w.mu.Unlock()

	if full {
		select {
		case w.trigger <- struct{}{}:
		default:
		}
	}
	return len(p), nil
}

// Start launches the background flusher.
func (w *Writer) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-w.stop:
				return
			case <-ticker.C:
				w.Flush()
			case <-w.trigger:
				w.Flush()
			}
		}
	}()
}

// Stop ends the flusher and pushes whatever is still buffered.
func (w *Writer) Stop() {
	close(w.stop)
	w.wg.Wait()
	w.Flush()
}

// Flush pushes buffered entries. Concurrent calls are collapsed.
func (w *Writer) Flush() {
	if !w.flushing.CompareAndSwap(false, true) {
		return
	}
	defer w.flushing.Store(false)

	w.mu.Lock()
	if len(w.buffer) == 0 {
		w.mu.Unlock()
		return
	}
	entries := w.buffer
	w.buffer = make([]entry, 0, w.batchSize)
	labels := maps.Clone(w.labels)
	w.mu.Unlock()

	values := make([][2]string, len(entries))
	for i, e := range entries {
		values[i] = [2]string{strconv.FormatInt(e.ts.UnixNano(), 10), e.line}
	}
	if err := w.push(pushRequest{Streams: []stream{{Stream: labels, Values: values}}}); err != nil {
		// Reported on stderr: logging it would loop back into this writer.
		if n := w.failures.Add(1); n <= 3 {
			_, _ = fmt.Fprintf(w.stderr, "loki: %v\n", err)
		}
	}
}

func (w *Writer) push(req pushRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	var body bytes.Buffer
	if w.gzip {
		zw := gzip.NewWriter(&body)
		if _, err := zw.Write(data); err != nil {
			return fmt.Errorf("compress payload: %w", err)
		}
		if err := zw.Close(); err != nil {
			return fmt.Errorf("compress payload: %w", err)
		}
	} else {
		body.Write(data)
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.client.Timeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url+"/loki/api/v1/push", &body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if w.gzip {
		httpReq.Header.Set("Content-Encoding", "gzip")
	}

	resp, err := w.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("push: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 400 {
		return fmt.Errorf("push: status %d", resp.StatusCode)
	}
	return nil
}

// Failures returns the number of failed pushes.
func (w *Writer) Failures() uint64 {
	return w.failures.Load()
}

// SetLabels merges labels into the stream labels of later pushes.
func (w *Writer) SetLabels(labels map[string]string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	maps.Copy(w.labels, labels)
}

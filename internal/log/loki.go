package log

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultLokiBatch    = 100
	defaultLokiInterval = 5 * time.Second
	lokiMaxPending      = 10000
)

// LokiConfig contains configuration for the Loki writer.
type LokiConfig struct {
	Endpoint      string            // push endpoint URL
	Labels        map[string]string // stream labels
	BatchSize     int               // entries per push
	FlushInterval time.Duration
}

// LokiWriter is an io.Writer that ships each written line to Grafana Loki.
// Writes never wait on the network: lines are batched and pushed by a
// background goroutine. When Loki falls behind by more than lokiMaxPending
// lines, new lines are dropped and counted.
type LokiWriter struct {
	endpoint      string
	labels        map[string]string
	batchSize     int
	flushInterval time.Duration
	client        *http.Client

	mu      sync.Mutex
	batch   []lokiEntry
	closed  bool
	kick    chan struct{}
	closeCh chan struct{}
	wg      sync.WaitGroup

	dropped atomic.Int64
	failed  atomic.Int64
}

type lokiEntry struct {
	ts   time.Time
	line string
}

// lokiPushRequest is the Loki push API body.
type lokiPushRequest struct {
	Streams []lokiStream `json:"streams"`
}

type lokiStream struct {
	Stream map[string]string `json:"stream"`
	Values [][2]string       `json:"values"`
}

// NewLokiWriter starts a Loki writer.
func NewLokiWriter(cfg LokiConfig) *LokiWriter {
	labels := make(map[string]string, len(cfg.Labels)+1)
	for k, v := range cfg.Labels {
		labels[k] = v
	}
	if _, ok := labels["job"]; !ok {
		labels["job"] = "ztun"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultLokiBatch
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultLokiInterval
	}

	lw := &LokiWriter{
		endpoint:      cfg.Endpoint,
		labels:        labels,
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		client:        &http.Client{Timeout: 10 * time.Second},
		kick:          make(chan struct{}, 1),
		closeCh:       make(chan struct{}),
	}
	lw.wg.Add(1)
	go lw.run()
	return lw
}

// Write queues one log line.
func (lw *LokiWriter) Write(p []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()

	if lw.closed {
		return 0, fmt.Errorf("loki writer is closed")
	}
	if len(lw.batch) >= lokiMaxPending {
		lw.dropped.Add(1)
		return len(p), nil
	}
	lw.batch = append(lw.batch, lokiEntry{ts: time.Now(), line: string(bytes.TrimRight(p, "\n"))})
	if len(lw.batch) >= lw.batchSize {
		select {
		case lw.kick <- struct{}{}:
		default:
		}
	}
	return len(p), nil
}

// Dropped returns the number of lines dropped because Loki fell behind.
func (lw *LokiWriter) Dropped() int64 { return lw.dropped.Load() }

// Failed returns the number of failed pushes.
func (lw *LokiWriter) Failed() int64 { return lw.failed.Load() }

// Close pushes the remaining lines and stops the writer.
func (lw *LokiWriter) Close() error {
	lw.mu.Lock()
	if lw.closed {
		lw.mu.Unlock()
		return nil
	}
	lw.closed = true
	lw.mu.Unlock()

	close(lw.closeCh)
	lw.wg.Wait()
	return lw.flush()
}

func (lw *LokiWriter) run() {
	defer lw.wg.Done()

	ticker := time.NewTicker(lw.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-lw.kick:
		case <-lw.closeCh:
			return
		}
		_ = lw.flush()
	}
}

// flush takes the pending lines and pushes them, in batches of batchSize.
func (lw *LokiWriter) flush() error {
	lw.mu.Lock()
	pending := lw.batch
	lw.batch = nil
	lw.mu.Unlock()

	for len(pending) > 0 {
		n := min(len(pending), lw.batchSize)
		if err := lw.pushWithRetry(pending[:n]); err != nil {
			lw.failed.Add(1)
			return err
		}
		pending = pending[n:]
	}
	return nil
}

// pushWithRetry pushes entries with exponential backoff.
func (lw *LokiWriter) pushWithRetry(entries []lokiEntry) error {
	values := make([][2]string, len(entries))
	for i, e := range entries {
		values[i] = [2]string{strconv.FormatInt(e.ts.UnixNano(), 10), e.line}
	}
	data, err := json.Marshal(lokiPushRequest{
		Streams: []lokiStream{{Stream: lw.labels, Values: values}},
	})
	if err != nil {
		return fmt.Errorf("failed to marshal loki request: %w", err)
	}

	const maxRetries = 3
	delay := 100 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(delay)
			delay *= 2
		}
		if lastErr = lw.push(data); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("loki push failed after %d attempts: %w", maxRetries, lastErr)
}

func (lw *LokiWriter) push(data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, lw.endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := lw.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("loki push failed with status %d: %s", resp.StatusCode, body)
	}
	return nil
}

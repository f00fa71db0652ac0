package audit

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Sink persists audit records. Implementations are best-effort: callers log
// and swallow failures, the chat pipeline never aborts on them.
type Sink interface {
	Record(ctx context.Context, rec Record) error
	Close() error
}

// NopSink discards every record. Used when audit logging is disabled.
type NopSink struct{}

func (NopSink) Record(context.Context, Record) error { return nil }
func (NopSink) Close() error                         { return nil }

// ObjectSinkConfig configures the filesystem object sink.
type ObjectSinkConfig struct {
	// Root is the local directory standing in for the remote object store.
	Root      string
	Bucket    string
	KeyPrefix string
	QueueSize int
}

// ObjectSink writes each record as a CSV object under
// {root}/{bucket}/{keyPrefix}/{yyyymmdd}/{record_id}.csv. Writes happen on a
// single background goroutine fed by a bounded queue; when the queue is full
// the record is dropped with a warning instead of blocking the chat pipeline.
type ObjectSink struct {
	cfg    ObjectSinkConfig
	queue  chan Record
	done   chan struct{}
	closed sync.Once
	wg     sync.WaitGroup
	logger *slog.Logger
}

// NewObjectSink creates the sink and starts its writer goroutine.
func NewObjectSink(cfg ObjectSinkConfig, logger *slog.Logger) (*ObjectSink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Root == "" {
		return nil, fmt.Errorf("audit object sink: root directory is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("audit object sink: bucket is required")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}

	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("create audit root: %w", err)
	}

	s := &ObjectSink{
		cfg:    cfg,
		queue:  make(chan Record, cfg.QueueSize),
		done:   make(chan struct{}),
		logger: logger,
	}
	s.wg.Add(1)
	go s.writeLoop()
	return s, nil
}

// Record enqueues the record for background persistence.
func (s *ObjectSink) Record(_ context.Context, rec Record) error {
	select {
	case <-s.done:
		return fmt.Errorf("audit sink closed")
	default:
	}

	select {
	case s.queue <- rec:
		return nil
	default:
		s.logger.Warn("audit queue full, dropping record", "record_id", rec.RecordID, "role", rec.Role)
		return fmt.Errorf("audit queue full")
	}
}

func (s *ObjectSink) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case rec := <-s.queue:
			s.write(rec)
		case <-s.done:
			// Drain whatever is still queued before exiting.
			for {
				select {
				case rec := <-s.queue:
					s.write(rec)
				default:
					return
				}
			}
		}
	}
}

func (s *ObjectSink) write(rec Record) {
	data, err := rec.CSV()
	if err != nil {
		s.logger.Warn("failed to encode audit record", "record_id", rec.RecordID, "error", err)
		return
	}

	objectPath := filepath.Join(s.cfg.Root, filepath.FromSlash(rec.Key(s.cfg.Bucket, s.cfg.KeyPrefix)))
	if err := os.MkdirAll(filepath.Dir(objectPath), 0o755); err != nil {
		s.logger.Warn("failed to create audit directory", "path", objectPath, "error", err)
		return
	}
	if err := os.WriteFile(objectPath, data, 0o644); err != nil {
		s.logger.Warn("failed to write audit record", "path", objectPath, "error", err)
	}
}

// Close stops the writer after draining queued records.
func (s *ObjectSink) Close() error {
	s.closed.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
	return nil
}

var (
	_ Sink = (*ObjectSink)(nil)
	_ Sink = NopSink{}
)

// Package logger implements a non-blocking, batched completion log.
//
// Entries are written to an internal buffered channel and flushed in batches
// by a background goroutine, so logging never blocks the completion hot path.
// If the channel fills up (> 10 000 entries), new entries are dropped and
// counted in DroppedLogs.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// CompletionLog is one record per Complete call.
type CompletionLog struct {
	ID            uuid.UUID
	RequestID     string
	RequestedTier string
	Tier          string
	Provider      string
	InputTokens   uint32
	OutputTokens  uint32
	LatencyMs     uint32
	Attempts      uint8
	Outcome       string
	Cached        bool
	Coalesced     bool
	Fallback      bool
	CreatedAt     time.Time
}

type Logger struct {
	ch        chan CompletionLog
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	droppedLogs atomic.Int64

	baseCtx    context.Context
	log        *slog.Logger
	flushEvery time.Duration
}

func New(ctx context.Context, slogger *slog.Logger) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("logger: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	l := &Logger{
		ch:         make(chan CompletionLog, channelBuffer),
		done:       make(chan struct{}),
		baseCtx:    ctx,
		log:        slogger,
		flushEvery: flushInterval,
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

// Log enqueues entry. It never blocks; a full buffer drops the entry.
func (l *Logger) Log(entry CompletionLog) {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	select {
	case l.ch <- entry:
	default:
		l.droppedLogs.Add(1)
	}
}

func (l *Logger) DroppedLogs() int64 {
	return l.droppedLogs.Load()
}

// Close flushes buffered entries and stops the writer.
func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	return nil
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.flushEvery)
	defer ticker.Stop()

	batch := make([]CompletionLog, 0, batchSize)

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		for _, e := range batch {
			l.log.InfoContext(ctx, "completion",
				slog.String("id", e.ID.String()),
				slog.String("request_id", e.RequestID),
				slog.String("requested_tier", e.RequestedTier),
				slog.String("tier", e.Tier),
				slog.String("provider", e.Provider),
				slog.Uint64("input_tokens", uint64(e.InputTokens)),
				slog.Uint64("output_tokens", uint64(e.OutputTokens)),
				slog.Uint64("latency_ms", uint64(e.LatencyMs)),
				slog.Uint64("attempts", uint64(e.Attempts)),
				slog.String("outcome", e.Outcome),
				slog.Bool("cached", e.Cached),
				slog.Bool("coalesced", e.Coalesced),
				slog.Bool("fallback", e.Fallback),
				slog.Time("created_at", normalizeTime(e.CreatedAt)),
			)
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-l.ch:
			batch = append(batch, entry)
			if len(batch) >= batchSize {
				flush(l.baseCtx)
			}

		case <-ticker.C:
			flush(l.baseCtx)

		case <-l.done:
			for {
				select {
				case entry := <-l.ch:
					batch = append(batch, entry)
					if len(batch) >= batchSize {
						flush(l.baseCtx)
					}
				default:
					flush(l.baseCtx)
					return
				}
			}
		}
	}
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

// Package logger implements a non-blocking, batched usage-record logger.
//
// Records are written to an internal buffered channel and flushed in batches
// by a background goroutine, so accounting never blocks the gateway hot path.
// If the channel fills up (> 10 000 entries), new records are dropped and
// counted in DroppedRecords. Settlement against an external billing system is
// a stub: records currently land in the structured log only.
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

// UsageRecord is one accounted exchange.
type UsageRecord struct {
	ID               uuid.UUID
	UserID           int64
	ConversationID   string
	Provider         string
	Model            string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	CachedTokens     int
	LatencyMs        int64
	Status           int
	Stream           bool
	CreatedAt        time.Time
}

type Logger struct {
	ch        chan UsageRecord
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	droppedRecords int64

	baseCtx context.Context
	log     *slog.Logger
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
		ch:      make(chan UsageRecord, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		log:     slogger,
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

// Log enqueues a record. Never blocks; drops when the buffer is full.
func (l *Logger) Log(rec UsageRecord) {
	select {
	case l.ch <- rec:
	default:
		atomic.AddInt64(&l.droppedRecords, 1)
	}
}

func (l *Logger) DroppedRecords() int64 {
	return atomic.LoadInt64(&l.droppedRecords)
}

// Close drains the backlog and stops the worker.
func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	return nil
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]UsageRecord, 0, batchSize)

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		for _, r := range batch {
			l.log.InfoContext(ctx, "usage",
				slog.String("id", r.ID.String()),
				slog.Int64("user_id", r.UserID),
				slog.String("conversation_id", r.ConversationID),
				slog.String("provider", r.Provider),
				slog.String("model", r.Model),
				slog.Int("prompt_tokens", r.PromptTokens),
				slog.Int("completion_tokens", r.CompletionTokens),
				slog.Int("total_tokens", r.TotalTokens),
				slog.Int("cached_tokens", r.CachedTokens),
				slog.Int64("latency_ms", r.LatencyMs),
				slog.Int("status", r.Status),
				slog.Bool("stream", r.Stream),
				slog.Time("created_at", normalizeTime(r.CreatedAt)),
			)
		}
		batch = batch[:0]
	}

	for {
		select {
		case rec := <-l.ch:
			batch = append(batch, rec)
			if len(batch) >= batchSize {
				flush(l.baseCtx)
			}

		case <-ticker.C:
			flush(l.baseCtx)

		case <-l.done:
			for {
				select {
				case rec := <-l.ch:
					batch = append(batch, rec)
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

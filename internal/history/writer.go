package history

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nulpointcorp/llm-bridge/internal/providers"
)

const (
	writerBuffer   = 1024
	perSaveTimeout = 5 * time.Second
)

type snapshot struct {
	conversationID string
	messages       []providers.Message
}

// Writer decouples history persistence from the request path. Enqueue never
// blocks: when the queue is full the snapshot is dropped and counted. Save
// errors are logged and swallowed, never retried — the next turn of the same
// conversation re-saves the full transcript anyway.
type Writer struct {
	ch        chan snapshot
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped int64

	store Store
	log   *slog.Logger
}

// NewWriter starts the background worker. A nil store turns the writer into
// a sink that drops nothing and saves nothing.
func NewWriter(store Store, log *slog.Logger) *Writer {
	w := &Writer{
		ch:    make(chan snapshot, writerBuffer),
		done:  make(chan struct{}),
		store: store,
		log:   log,
	}
	w.wg.Add(1)
	go w.run()
	return w
}

// Enqueue queues one snapshot for persistence. The messages slice is owned by
// the writer from this point on; callers must pass a stable copy.
func (w *Writer) Enqueue(conversationID string, messages []providers.Message) {
	select {
	case w.ch <- snapshot{conversationID: conversationID, messages: messages}:
	default:
		atomic.AddInt64(&w.dropped, 1)
	}
}

// Dropped reports how many snapshots were discarded due to a full queue.
func (w *Writer) Dropped() int64 {
	return atomic.LoadInt64(&w.dropped)
}

// Close drains the queued backlog synchronously and stops the worker.
func (w *Writer) Close() error {
	w.closeOnce.Do(func() {
		close(w.done)
	})
	w.wg.Wait()
	return nil
}

func (w *Writer) run() {
	defer w.wg.Done()

	for {
		select {
		case snap := <-w.ch:
			w.save(snap)

		case <-w.done:
			for {
				select {
				case snap := <-w.ch:
					w.save(snap)
				default:
					return
				}
			}
		}
	}
}

func (w *Writer) save(snap snapshot) {
	if w.store == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), perSaveTimeout)
	defer cancel()

	if err := w.store.Save(ctx, snap.conversationID, snap.messages); err != nil {
		w.log.Error("history save failed",
			slog.String("conversation_id", snap.conversationID),
			slog.String("error", err.Error()),
		)
	}
}

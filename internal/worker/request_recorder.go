package worker

import (
	"context"
	"log/slog"
	"time"

	relay "github.com/llmrelay/llmrelay/internal"
	"github.com/llmrelay/llmrelay/internal/storage"
)

const (
	recordChanSize   = 1000
	recordBatchSize  = 100
	recordFlushEvery = 5 * time.Second
	recordDrainTime  = 30 * time.Second
)

// RequestRecorder buffers accounting rows and batch-flushes them to the
// store. Rows are dropped if the channel is full (back-pressure on slow DB).
type RequestRecorder struct {
	ch    chan *relay.MessageRequest
	store storage.RequestStore
}

// NewRequestRecorder creates a RequestRecorder backed by store.
func NewRequestRecorder(store storage.RequestStore) *RequestRecorder {
	return &RequestRecorder{
		ch:    make(chan *relay.MessageRequest, recordChanSize),
		store: store,
	}
}

// Name returns the worker identifier.
func (u *RequestRecorder) Name() string { return "request_recorder" }

// Enqueue adds an accounting row. It never blocks; drops on full channel.
func (u *RequestRecorder) Enqueue(row *relay.MessageRequest) {
	select {
	case u.ch <- row:
	default:
		slog.Warn("accounting row dropped, channel full",
			slog.String("request", row.ID))
	}
}

// Run processes rows until ctx is cancelled, then drains the remainder.
func (u *RequestRecorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(recordFlushEvery)
	defer ticker.Stop()

	buf := make([]*relay.MessageRequest, 0, recordBatchSize)

	for {
		select {
		case row := <-u.ch:
			buf = append(buf, row)
			if len(buf) >= recordBatchSize {
				u.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ticker.C:
			if len(buf) > 0 {
				u.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ctx.Done():
			u.drain(buf)
			return nil
		}
	}
}

// drain empties the channel after shutdown with a bounded deadline.
func (u *RequestRecorder) drain(buf []*relay.MessageRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), recordDrainTime)
	defer cancel()

	for {
		select {
		case row := <-u.ch:
			buf = append(buf, row)
			if len(buf) >= recordBatchSize {
				u.flush(ctx, buf)
				buf = buf[:0]
			}
		default:
			if len(buf) > 0 {
				u.flush(ctx, buf)
			}
			return
		}
	}
}

func (u *RequestRecorder) flush(ctx context.Context, buf []*relay.MessageRequest) {
	// Copy to avoid aliasing the caller's slice.
	batch := make([]*relay.MessageRequest, len(buf))
	copy(batch, buf)

	if err := u.store.InsertRequests(ctx, batch); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "accounting flush failed",
			slog.Int("count", len(batch)),
			slog.String("error", err.Error()),
		)
	}
}

// Package outbox forwards the invite audit trail to a message queue for
// downstream consumers. The audit table itself is the outbox; a cursor in
// bot_state remembers the last forwarded record.
package outbox

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hellerschmid/spacebot/internal/metrics"
	"github.com/hellerschmid/spacebot/internal/repo"
)

const CursorKey = "audit_forward_cursor"

type Source interface {
	InviteRecordsAfter(ctx context.Context, afterID int64, limit int) ([]repo.InviteRecord, error)
	GetState(ctx context.Context, key string) (string, bool, error)
	SetState(ctx context.Context, key, value string) error
}

type Producer interface {
	Publish(ctx context.Context, key string, body []byte) error
}

// AuditEvent is the message body published per audit record.
type AuditEvent struct {
	ID          int64  `json:"id"`
	Bot         string `json:"bot"`
	UserID      string `json:"user_id"`
	RoomID      string `json:"room_id"`
	Source      string `json:"source"`
	Result      string `json:"result"`
	ErrorDetail string `json:"error_detail,omitempty"`
	TS          int64  `json:"ts"`
}

type Worker struct {
	src  Source
	prod Producer
	log  *zap.Logger
	bot  string

	tick  time.Duration
	batch int
	now   func() time.Time

	retry   int
	retryAt time.Time

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

type Options struct {
	Tick  time.Duration
	Batch int
	// Bot is stamped on every event so several bots can share a topic.
	Bot string
}

func NewWorker(src Source, prod Producer, log *zap.Logger, opt Options) *Worker {
	if opt.Tick <= 0 {
		opt.Tick = 2 * time.Second
	}
	if opt.Batch <= 0 {
		opt.Batch = 200
	}
	return &Worker{
		src:   src,
		prod:  prod,
		log:   log.Named("outbox"),
		bot:   opt.Bot,
		tick:  opt.Tick,
		batch: opt.Batch,
		now:   time.Now,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

func (w *Worker) Start() {
	go func() {
		defer close(w.done)
		t := time.NewTicker(w.tick)
		defer t.Stop()
		for {
			select {
			case <-w.stop:
				return
			case <-t.C:
				w.runOnce()
			}
		}
	}()
}

func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.done
}

// runOnce forwards up to one batch and reports how many records went out.
func (w *Worker) runOnce() int {
	if !w.retryAt.IsZero() && w.now().Before(w.retryAt) {
		return 0
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	cursor, err := w.cursor(ctx)
	if err != nil {
		cancel()
		w.log.Error("load cursor failed", zap.Error(err))
		return 0
	}
	recs, err := w.src.InviteRecordsAfter(ctx, cursor, w.batch)
	cancel()
	if err != nil || len(recs) == 0 {
		return 0
	}

	sent := 0
	for _, r := range recs {
		body, _ := json.Marshal(AuditEvent{
			ID:          r.ID,
			Bot:         w.bot,
			UserID:      r.UserID,
			RoomID:      r.RoomID,
			Source:      r.Source,
			Result:      r.Result,
			ErrorDetail: r.ErrorDetail,
			TS:          r.CreatedAt.UnixMilli(),
		})

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		err := w.prod.Publish(ctx, strconv.FormatInt(r.ID, 10), body)
		if err == nil {
			err = w.src.SetState(ctx, CursorKey, strconv.FormatInt(r.ID, 10))
		}
		cancel()
		if err != nil {
			metrics.AuditForwardFail.Inc()
			w.retry++
			backoff := calcBackoff(w.retry)
			w.retryAt = w.now().Add(backoff)
			if w.retry == 1 || w.retry%10 == 0 {
				w.log.Warn("audit forward retry", zap.Int64("id", r.ID), zap.Int("retry", w.retry), zap.Duration("backoff", backoff), zap.Error(err))
			}
			return sent
		}
		metrics.AuditForwarded.Inc()
		sent++
	}
	w.retry = 0
	w.retryAt = time.Time{}
	return sent
}

func (w *Worker) cursor(ctx context.Context) (int64, error) {
	v, ok, err := w.src.GetState(ctx, CursorKey)
	if err != nil || !ok {
		return 0, err
	}
	return strconv.ParseInt(v, 10, 64)
}

func calcBackoff(retry int) time.Duration {
	// exponential backoff with cap
	if retry <= 0 {
		return 1 * time.Second
	}
	d := time.Duration(1<<min(retry, 8)) * time.Second // 2s..256s
	if d > 60*time.Second {
		d = 60 * time.Second
	}
	return d
}

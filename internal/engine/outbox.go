package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/roach88/commonplace/internal/queue"
	"github.com/roach88/commonplace/internal/transport"
)

// outboxRetry is how long a kept message waits before another attempt
// when no reconnect signal arrives.
const outboxRetry = time.Second

type outMsg struct {
	topic   string
	payload []byte
	// keep retains the message across disconnects.
	keep bool
}

// outbox publishes messages in submission order on its own goroutine, so
// a slow broker never holds up a document owner.
type outbox struct {
	sess   *transport.Session
	log    *slog.Logger
	q      *queue.FIFO[outMsg]
	online chan struct{} // buffered, size 1
}

func newOutbox(sess *transport.Session, log *slog.Logger) *outbox {
	return &outbox{
		sess:   sess,
		log:    log,
		q:      queue.New[outMsg](),
		online: make(chan struct{}, 1),
	}
}

func (b *outbox) push(topic string, payload []byte, keep bool) {
	b.q.Enqueue(outMsg{topic: topic, payload: payload, keep: keep})
}

// connected wakes a publisher waiting to retry a kept message.
func (b *outbox) connected() {
	select {
	case b.online <- struct{}{}:
	default:
	}
}

func (b *outbox) close() {
	b.q.Close()
}

func (b *outbox) pending() int {
	return b.q.Len()
}

func (b *outbox) run(ctx context.Context) {
	for {
		m, ok := b.q.TryDequeue()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case _, open := <-b.q.Wait():
				if !open && b.q.Len() == 0 {
					return
				}
			}
			continue
		}
		if !b.send(ctx, m) {
			return
		}
	}
}

// send publishes m, retrying kept messages until they go out. Returns
// false when ctx ends first.
func (b *outbox) send(ctx context.Context, m outMsg) bool {
	for {
		err := b.sess.Publish(ctx, m.topic, m.payload)
		if err == nil {
			return true
		}
		if !m.keep {
			if !errors.Is(err, transport.ErrDisconnected) {
				b.log.Warn("publish failed, dropping", "topic", m.topic, "error", err)
			}
			return true
		}
		b.log.Debug("publish deferred", "topic", m.topic, "error", err)

		t := time.NewTimer(outboxRetry)
		select {
		case <-ctx.Done():
			t.Stop()
			return false
		case <-b.online:
		case <-t.C:
		}
		t.Stop()
	}
}

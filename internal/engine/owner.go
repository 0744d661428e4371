package engine

import (
	"context"
	"fmt"

	"github.com/roach88/commonplace/internal/crdt"
	"github.com/roach88/commonplace/internal/ir"
	"github.com/roach88/commonplace/internal/queue"
)

// owner serialises all work on one document.
type owner struct {
	id    ir.DocID
	kind  ir.ContentKind
	doc   *crdt.Doc
	tasks *queue.FIFO[func()]
	done  chan struct{}

	// failed is set by a durability failure; touched only by the owner
	// goroutine.
	failed error
}

func newOwner(id ir.DocID, doc *crdt.Doc) *owner {
	return &owner{
		id:    id,
		kind:  doc.Kind(),
		doc:   doc,
		tasks: queue.New[func()](),
		done:  make(chan struct{}),
	}
}

// run executes tasks in submission order until stop closes or the task
// queue is closed and drained.
func (o *owner) run(stop <-chan struct{}) {
	defer close(o.done)
	for {
		if task, ok := o.tasks.TryDequeue(); ok {
			task()
			continue
		}
		select {
		case <-stop:
			return
		case _, open := <-o.tasks.Wait():
			if !open && o.tasks.Len() == 0 {
				return
			}
		}
	}
}

// submit queues fn without waiting. Returns false after the owner stopped.
func (o *owner) submit(fn func()) bool {
	return o.tasks.Enqueue(fn)
}

// stop refuses further tasks; queued ones still run.
func (o *owner) stop() {
	o.tasks.Close()
}

var errOwnerStopped = fmt.Errorf("document owner stopped")

// do runs fn on the owner and waits for its result.
func (o *owner) do(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	if !o.submit(func() {
		if o.failed != nil {
			result <- o.failed
			return
		}
		result <- fn()
	}) {
		return fmt.Errorf("%s: %w", o.id, errOwnerStopped)
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-o.done:
		select {
		case err := <-result:
			return err
		default:
			return fmt.Errorf("%s: %w", o.id, errOwnerStopped)
		}
	}
}

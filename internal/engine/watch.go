package engine

import "github.com/roach88/commonplace/internal/ir"

// Change describes a committed document change.
type Change struct {
	DocID   ir.DocID
	Kind    ir.ContentKind
	Seq     int64
	Content string
	// Remote is true when the change arrived over the transport.
	Remote bool
}

type watcher struct {
	ch chan Change
}

// watchBuffer bounds undelivered changes per watcher. Every Change carries
// the full content, so when a watcher falls behind the oldest pending
// change is dropped.
const watchBuffer = 16

// Watch subscribes to changes of a document. The returned function ends
// the subscription and closes the channel.
func (e *Engine) Watch(id ir.DocID) (<-chan Change, func()) {
	w := &watcher{ch: make(chan Change, watchBuffer)}
	e.wmu.Lock()
	set, ok := e.watchers[id]
	if !ok {
		set = make(map[*watcher]struct{})
		e.watchers[id] = set
	}
	set[w] = struct{}{}
	e.wmu.Unlock()

	return w.ch, func() {
		e.wmu.Lock()
		defer e.wmu.Unlock()
		if set, ok := e.watchers[id]; ok {
			if _, live := set[w]; live {
				delete(set, w)
				close(w.ch)
			}
			if len(set) == 0 {
				delete(e.watchers, id)
			}
		}
	}
}

func (e *Engine) notify(c Change) {
	e.wmu.Lock()
	defer e.wmu.Unlock()
	for w := range e.watchers[c.DocID] {
		for {
			select {
			case w.ch <- c:
			default:
				select {
				case <-w.ch:
				default:
				}
				continue
			}
			break
		}
	}
}

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/roach88/commonplace/internal/ir"
)

// ErrTimeout reports a request that got no reply in time.
var ErrTimeout = errors.New("request timed out")

// Requester issues correlated requests. Replies for many outstanding
// requests share one response topic and are routed by their req field;
// replies nobody is waiting for are dropped.
type Requester struct {
	sess    *Session
	ids     ir.IDGenerator
	timeout time.Duration

	mu      sync.Mutex
	topics  map[string]bool
	pending map[string]chan json.RawMessage
}

// NewRequester creates a requester over sess. ids generates correlation
// ids; timeout bounds each call.
func NewRequester(sess *Session, ids ir.IDGenerator, timeout time.Duration) *Requester {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Requester{
		sess:    sess,
		ids:     ids,
		timeout: timeout,
		topics:  make(map[string]bool),
		pending: make(map[string]chan json.RawMessage),
	}
}

// Call publishes the message built by build on topic and waits for the
// reply with the same correlation id on replyTopic.
func (r *Requester) Call(ctx context.Context, topic, replyTopic string, build func(req string) any) (json.RawMessage, error) {
	r.listen(ctx, replyTopic)

	req := r.ids.Generate()
	ch := make(chan json.RawMessage, 1)
	r.mu.Lock()
	r.pending[req] = ch
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pending, req)
		r.mu.Unlock()
	}()

	payload, err := json.Marshal(build(req))
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.sess.Publish(ctx, topic, payload); err != nil {
		return nil, fmt.Errorf("publish %s: %w", topic, err)
	}

	select {
	case reply := <-ch:
		return reply, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s: %w", topic, ErrTimeout)
		}
		return nil, ctx.Err()
	}
}

// Create asks the store owner for a new document of kind.
func (r *Requester) Create(ctx context.Context, kind ir.ContentKind) (ir.DocID, error) {
	raw, err := r.Call(ctx, StoreCommand(VerbCreate), StoreResponses, func(req string) any {
		return CreateRequest{Req: req, ContentKind: string(kind)}
	})
	if err != nil {
		return "", fmt.Errorf("create document: %w", err)
	}
	var resp CreateResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("create document: %w: %v", ErrMalformed, err)
	}
	if resp.Error != "" {
		return "", fmt.Errorf("create document: %s", resp.Error)
	}
	return ir.ParseDocID(resp.Identity)
}

// Command invokes a document command and returns its result.
func (r *Requester) Command(ctx context.Context, t Topics, path, verb string, args any) (json.RawMessage, error) {
	var rawArgs json.RawMessage
	if args != nil {
		data, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("encode args: %w", err)
		}
		rawArgs = data
	}
	raw, err := r.Call(ctx, t.Command(path, verb), t.Responses(path), func(req string) any {
		return CommandRequest{Req: req, Args: rawArgs}
	})
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", verb, path, err)
	}
	var resp CommandResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("%s %s: %w: %v", verb, path, ErrMalformed, err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("%s %s: %s", verb, path, resp.Error)
	}
	return resp.Result, nil
}

func (r *Requester) listen(ctx context.Context, topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.topics[topic] {
		return
	}
	r.topics[topic] = true
	r.sess.Subscribe(ctx, topic, r.route)
}

func (r *Requester) route(m Message) {
	var env struct {
		Req string `json:"req"`
	}
	if err := json.Unmarshal(m.Payload, &env); err != nil || env.Req == "" {
		return
	}
	r.mu.Lock()
	ch, ok := r.pending[env.Req]
	r.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- json.RawMessage(m.Payload):
	default: // duplicate reply
	}
}

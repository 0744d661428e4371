package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/commonplace/internal/crdt"
	"github.com/roach88/commonplace/internal/ir"
	"github.com/roach88/commonplace/internal/transport"
)

// ContentResult is the reply to a content command.
type ContentResult struct {
	ID          ir.DocID         `json:"id"`
	Kind        ir.ContentKind   `json:"kind"`
	Content     string           `json:"content"`
	StateVector crdt.StateVector `json:"state_vector"`
}

// LogArgs are the arguments of a log command.
type LogArgs struct {
	// Since skips commits with a sequence at or below it.
	Since int64 `json:"since,omitempty"`
	// Limit keeps only the newest entries. Zero means all.
	Limit int `json:"limit,omitempty"`
}

// DeleteResult is the reply to a delete command.
type DeleteResult struct {
	Deleted ir.DocID `json:"deleted"`
}

// serveCreate answers a create request. Store I/O runs off the loop.
func (e *Engine) serveCreate(ctx context.Context, payload []byte) {
	r, err := transport.DecodeCreateRequest(payload)
	if err != nil {
		e.log.Warn("dropping create request", "error", err)
		return
	}
	e.background(func() {
		resp := transport.CreateResponse{Req: r.Req}
		kind, err := ir.ParseContentKind(r.ContentKind)
		if err == nil {
			var id ir.DocID
			id, err = e.createLocal(ctx, kind)
			resp.Identity = string(id)
		}
		if err != nil {
			resp.Identity = ""
			resp.Error = err.Error()
			e.log.Warn("create request failed", "req", r.Req, "error", err)
		}
		e.reply(transport.StoreResponses, resp)
	})
}

// serveSync answers a sync request with the diff the requester is
// missing and this replica's state vector. The binding is read on the root
// owner so root edits received earlier are in effect.
func (e *Engine) serveSync(path, client string, r *transport.SyncRequest) {
	topic := e.topics.Sync(path, client)
	root := e.owner(ir.RootID)
	root.submit(func() {
		en, ok := e.binding(path)
		if !ok {
			e.reply(topic, transport.SyncResponse{Req: r.Req, Error: fmt.Sprintf("path %q is not bound", path)})
			return
		}
		if r.Doc != "" && r.Doc != en.ID {
			e.reply(topic, transport.SyncResponse{Req: r.Req, Doc: en.ID, Error: fmt.Sprintf("path %q is bound to another document", path)})
			return
		}
		o := e.owner(en.ID)
		if o == nil {
			e.reply(topic, transport.SyncResponse{Req: r.Req, Error: fmt.Sprintf("document %s: %v", en.ID, ErrUnknownDocument)})
			return
		}
		o.submit(func() {
			diff, err := o.doc.Diff(r.StateVector)
			if err != nil {
				e.reply(topic, transport.SyncResponse{Req: r.Req, Error: err.Error()})
				return
			}
			e.reply(topic, transport.SyncResponse{Req: r.Req, Doc: en.ID, Update: diff, StateVector: o.doc.StateVector()})
			e.log.Debug("sync answered", "path", path, "client", client, "bytes", len(diff))
		})
	})
}

// serveCommand runs a document command and replies on the path's
// response topic.
func (e *Engine) serveCommand(ctx context.Context, path, verb string, payload []byte) {
	r, err := transport.DecodeCommandRequest(payload)
	if err != nil {
		e.log.Warn("dropping command", "path", path, "verb", verb, "error", err)
		return
	}
	topic := e.topics.Responses(path)
	respond := func(result any, err error) {
		resp := transport.CommandResponse{Req: r.Req}
		if err == nil {
			resp.Result, err = json.Marshal(result)
		}
		if err != nil {
			resp.Result = nil
			resp.Error = err.Error()
		}
		e.reply(topic, resp)
	}

	en, ok := e.binding(path)
	if !ok {
		respond(nil, fmt.Errorf("path %q is not bound", path))
		return
	}

	switch verb {
	case transport.VerbContent:
		o := e.owner(en.ID)
		if o == nil {
			respond(nil, fmt.Errorf("%s: %w", en.ID, ErrUnknownDocument))
			return
		}
		o.submit(func() {
			respond(ContentResult{
				ID:          en.ID,
				Kind:        o.kind,
				Content:     o.doc.Materialize(),
				StateVector: o.doc.StateVector(),
			}, nil)
		})
	case transport.VerbLog:
		var args LogArgs
		if len(r.Args) > 0 {
			if err := json.Unmarshal(r.Args, &args); err != nil {
				respond(nil, fmt.Errorf("log args: %w", err))
				return
			}
		}
		e.background(func() {
			respond(e.Log(ctx, en.ID, args))
		})
	case transport.VerbDelete:
		if en.ID == ir.RootID {
			respond(nil, errors.New("the root index cannot be deleted"))
			return
		}
		e.background(func() {
			err := e.Delete(ctx, en.ID)
			respond(DeleteResult{Deleted: en.ID}, err)
		})
	default:
		respond(nil, fmt.Errorf("unknown command %q", verb))
	}
}

func (e *Engine) background(fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

func (e *Engine) reply(topic string, v any) {
	data, err := transport.Encode(v)
	if err != nil {
		e.log.Error("encode reply", "topic", topic, "error", err)
		return
	}
	e.outbox.push(topic, data, false)
}

package transport

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/commonplace/internal/crdt"
	"github.com/roach88/commonplace/internal/ir"
)

// ErrMalformed reports a request or response that does not fit its schema.
var ErrMalformed = errors.New("malformed message")

// CreateRequest asks the store owner to create a document.
type CreateRequest struct {
	Req         string `json:"req"`
	ContentKind string `json:"content_kind"`
}

// CreateResponse carries the new identity or an error.
type CreateResponse struct {
	Req      string `json:"req"`
	Identity string `json:"identity,omitempty"`
	Error    string `json:"error,omitempty"`
}

// SyncRequest carries the requester's state vector. Doc, when set, names
// the document the requester expects at the path.
type SyncRequest struct {
	Req         string           `json:"req"`
	Doc         ir.DocID         `json:"doc,omitempty"`
	StateVector crdt.StateVector `json:"state_vector"`
}

// SyncResponse carries the diff the requester is missing and the
// responder's own state vector, or an error.
type SyncResponse struct {
	Req         string           `json:"req"`
	Doc         ir.DocID         `json:"doc,omitempty"`
	Update      []byte           `json:"update,omitempty"`
	StateVector crdt.StateVector `json:"state_vector,omitempty"`
	Error       string           `json:"error,omitempty"`
}

// CommandRequest invokes a document command.
type CommandRequest struct {
	Req  string          `json:"req"`
	Args json.RawMessage `json:"args,omitempty"`
}

// CommandResponse carries a command result or an error.
type CommandResponse struct {
	Req    string          `json:"req"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// syncEnvelope decodes either sync message; requests and replies share
// the point-to-point topic.
type syncEnvelope struct {
	Req         string           `json:"req"`
	Doc         ir.DocID         `json:"doc"`
	StateVector crdt.StateVector `json:"state_vector"`
	Update      []byte           `json:"update"`
	Error       *string          `json:"error"`
}

// DecodeSync parses a message from a sync topic into exactly one of a
// request or a response.
func DecodeSync(data []byte) (*SyncRequest, *SyncResponse, error) {
	var env syncEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Req == "" {
		return nil, nil, fmt.Errorf("%w: missing req", ErrMalformed)
	}
	switch {
	case env.Error != nil && env.Update != nil:
		return nil, nil, fmt.Errorf("%w: sync reply has both update and error", ErrMalformed)
	case env.Error != nil:
		return nil, &SyncResponse{Req: env.Req, Doc: env.Doc, Error: *env.Error}, nil
	case env.Update != nil:
		return nil, &SyncResponse{Req: env.Req, Doc: env.Doc, Update: env.Update, StateVector: env.StateVector}, nil
	case env.StateVector != nil:
		return &SyncRequest{Req: env.Req, Doc: env.Doc, StateVector: env.StateVector}, nil, nil
	}
	return nil, nil, fmt.Errorf("%w: sync message is neither request nor reply", ErrMalformed)
}

// Hello announces that the serving process (re)connected. Clients answer
// by restarting their sync handshakes.
type Hello struct {
	Client string `json:"client"`
}

// DecodeHello parses a connect announcement.
func DecodeHello(data []byte) (Hello, error) {
	var h Hello
	if err := json.Unmarshal(data, &h); err != nil {
		return h, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if h.Client == "" {
		return h, fmt.Errorf("%w: missing client", ErrMalformed)
	}
	return h, nil
}

// DecodeCreateRequest parses and validates a create request.
func DecodeCreateRequest(data []byte) (CreateRequest, error) {
	var r CreateRequest
	if err := json.Unmarshal(data, &r); err != nil {
		return r, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if r.Req == "" {
		return r, fmt.Errorf("%w: missing req", ErrMalformed)
	}
	return r, nil
}

// DecodeCommandRequest parses and validates a command request.
func DecodeCommandRequest(data []byte) (CommandRequest, error) {
	var r CommandRequest
	if err := json.Unmarshal(data, &r); err != nil {
		return r, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if r.Req == "" {
		return r, fmt.Errorf("%w: missing req", ErrMalformed)
	}
	return r, nil
}

// Encode marshals a message. Replies must set exactly one of their
// success payload and Error.
func Encode(v any) ([]byte, error) {
	switch m := v.(type) {
	case CreateResponse:
		if (m.Identity == "") == (m.Error == "") {
			return nil, fmt.Errorf("%w: create reply needs identity or error", ErrMalformed)
		}
	case SyncResponse:
		if (m.Update == nil) == (m.Error == "") {
			return nil, fmt.Errorf("%w: sync reply needs update or error", ErrMalformed)
		}
	case CommandResponse:
		if (m.Result == nil) == (m.Error == "") {
			return nil, fmt.Errorf("%w: command reply needs result or error", ErrMalformed)
		}
	}
	return json.Marshal(v)
}

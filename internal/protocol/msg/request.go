package msg

import (
	"fmt"

	"github.com/marmos91/pamshim/internal/protocol/wire"
)

// Request is a client-to-server record.
type Request interface {
	Type() RequestType
}

// StartRequest begins a session. Service and User are required by the
// protocol; Confdir is optional and selects the confdir start variant on
// the server.
type StartRequest struct {
	Service string
	User    string
	Confdir *string
}

func (*StartRequest) Type() RequestType { return RequestStart }

// DefaultRequest is the common handle-plus-flags shape shared by END,
// AUTHENTICATE, SET_CRED, ACCT_MGMT, OPEN_SESSION, CLOSE_SESSION,
// CHAUTHTOK, FAIL_DELAY, GETENVLIST and STRERROR. END carries the final
// status in Flags, FAIL_DELAY the delay in microseconds, STRERROR the
// error number.
type DefaultRequest struct {
	Kind   RequestType
	Handle uint64
	Flags  int32
}

func (r *DefaultRequest) Type() RequestType { return r.Kind }

// AuthReplyRequest answers a conversation: one reply per prompt, in prompt
// order.
type AuthReplyRequest struct {
	Replies []Reply
}

func (*AuthReplyRequest) Type() RequestType { return RequestAuthenticateResponse }

// SetItemRequest sets a transmittable item on the server-side session.
type SetItemRequest struct {
	Handle   uint64
	ItemType int32
	Item     ItemValue
}

func (*SetItemRequest) Type() RequestType { return RequestSetItem }

// GetItemRequest reads a transmittable item from the server-side session.
type GetItemRequest struct {
	Handle   uint64
	ItemType int32
}

func (*GetItemRequest) Type() RequestType { return RequestGetItem }

// EnvRequest is PUTENV (Name holds "NAME=value", "NAME=" or "NAME") or
// GETENV (Name holds the variable name).
type EnvRequest struct {
	Kind   RequestType
	Handle uint64
	Name   *string
}

func (r *EnvRequest) Type() RequestType { return r.Kind }

// defaultCallRequest reports whether the tag uses the DefaultRequest body.
func defaultCallRequest(t RequestType) bool {
	switch t {
	case RequestEnd, RequestAuthenticate, RequestSetCred, RequestAcctMgmt,
		RequestOpenSession, RequestCloseSession, RequestChauthtok,
		RequestFailDelay, RequestGetenvlist, RequestStrerror:
		return true
	}
	return false
}

// WriteRequest encodes r and flushes, making the record visible to the peer
// as one unit. The record is not mutated.
func WriteRequest(s *wire.Stream, r Request) error {
	if err := writeInt32(s, int32(r.Type())); err != nil {
		return err
	}
	var err error
	switch req := r.(type) {
	case *StartRequest:
		if err = writeText(s, textOrNil(req.Service)); err != nil {
			return err
		}
		if err = writeText(s, textOrNil(req.User)); err != nil {
			return err
		}
		if err = writeText(s, req.Confdir); err != nil {
			return err
		}
	case *DefaultRequest:
		if !defaultCallRequest(req.Kind) {
			return fmt.Errorf("msg: request tag %d is not a default call: %w", req.Kind, ErrProtocol)
		}
		if err = writeUint64(s, req.Handle); err != nil {
			return err
		}
		if err = writeInt32(s, req.Flags); err != nil {
			return err
		}
	case *AuthReplyRequest:
		if err = writeUint64(s, uint64(len(req.Replies))); err != nil {
			return err
		}
		for i := range req.Replies {
			if err = writeText(s, req.Replies[i].Resp); err != nil {
				return err
			}
			if err = writeInt32(s, req.Replies[i].Retcode); err != nil {
				return err
			}
		}
	case *SetItemRequest:
		if err = writeUint64(s, req.Handle); err != nil {
			return err
		}
		if err = writeInt32(s, req.ItemType); err != nil {
			return err
		}
		if err = writeItem(s, req.ItemType, &req.Item); err != nil {
			return err
		}
	case *GetItemRequest:
		if err = writeUint64(s, req.Handle); err != nil {
			return err
		}
		if err = writeInt32(s, req.ItemType); err != nil {
			return err
		}
	case *EnvRequest:
		if req.Kind != RequestPutenv && req.Kind != RequestGetenv {
			return fmt.Errorf("msg: request tag %d is not an env call: %w", req.Kind, ErrProtocol)
		}
		if err = writeUint64(s, req.Handle); err != nil {
			return err
		}
		if err = writeText(s, req.Name); err != nil {
			return err
		}
	default:
		return fmt.Errorf("msg: unknown request %T: %w", r, ErrProtocol)
	}
	return s.Flush()
}

// ReadRequest decodes one request record from the stream.
func ReadRequest(s *wire.Stream) (Request, error) {
	var tag int32
	if err := readInt32(s, &tag); err != nil {
		return nil, err
	}
	t := RequestType(tag)
	switch {
	case t == RequestStart:
		req := &StartRequest{}
		var service, user *string
		if err := readText(s, &service); err != nil {
			return nil, err
		}
		if err := readText(s, &user); err != nil {
			return nil, err
		}
		if err := readText(s, &req.Confdir); err != nil {
			return nil, err
		}
		if service != nil {
			req.Service = *service
		}
		if user != nil {
			req.User = *user
		}
		return req, nil
	case defaultCallRequest(t):
		req := &DefaultRequest{Kind: t}
		if err := readUint64(s, &req.Handle); err != nil {
			return nil, err
		}
		if err := readInt32(s, &req.Flags); err != nil {
			return nil, err
		}
		return req, nil
	case t == RequestAuthenticateResponse:
		count, err := readCount(s)
		if err != nil {
			return nil, err
		}
		req := &AuthReplyRequest{}
		if count > 0 {
			req.Replies = make([]Reply, count)
		}
		for i := range req.Replies {
			if err := readText(s, &req.Replies[i].Resp); err != nil {
				return nil, err
			}
			if err := readInt32(s, &req.Replies[i].Retcode); err != nil {
				return nil, err
			}
		}
		return req, nil
	case t == RequestSetItem:
		req := &SetItemRequest{}
		if err := readUint64(s, &req.Handle); err != nil {
			return nil, err
		}
		if err := readInt32(s, &req.ItemType); err != nil {
			return nil, err
		}
		if err := readItem(s, req.ItemType, &req.Item); err != nil {
			return nil, err
		}
		return req, nil
	case t == RequestGetItem:
		req := &GetItemRequest{}
		if err := readUint64(s, &req.Handle); err != nil {
			return nil, err
		}
		if err := readInt32(s, &req.ItemType); err != nil {
			return nil, err
		}
		return req, nil
	case t == RequestPutenv || t == RequestGetenv:
		req := &EnvRequest{Kind: t}
		if err := readUint64(s, &req.Handle); err != nil {
			return nil, err
		}
		if err := readText(s, &req.Name); err != nil {
			return nil, err
		}
		return req, nil
	default:
		return nil, fmt.Errorf("msg: unknown request tag %d: %w", tag, ErrProtocol)
	}
}

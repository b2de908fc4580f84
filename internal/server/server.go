package server

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/marmos91/pamshim/internal/logger"
	"github.com/marmos91/pamshim/internal/protocol/msg"
	"github.com/marmos91/pamshim/internal/protocol/wire"
	"github.com/marmos91/pamshim/pkg/pam"
)

// Sentinel causes of a failed Run, for the binary's exit-code mapping.
var (
	// ErrReadRequest reports a framing failure on the inbound pipe. The
	// parent notices the broken stream on its next read.
	ErrReadRequest = errors.New("read shim request")
	// ErrWriteResponse reports a framing failure on the outbound pipe.
	ErrWriteResponse = errors.New("write shim response")
)

// ============================================================================
// Default-call dispatch table
// ============================================================================

// defaultCall describes one handle-plus-flags operation that answers with a
// bare RESULT. Authentication, session start/end and the data-carrying
// operations are dispatched separately because they manage loop state or
// produce richer responses.
type defaultCall struct {
	// Name is the operation name for logging.
	Name string

	// Call forwards the request to the backend.
	Call func(b Backend, handle uint64, flags int32) pam.ReturnType
}

var defaultCalls = map[msg.RequestType]defaultCall{
	msg.RequestSetCred: {"SET_CRED", func(b Backend, h uint64, f int32) pam.ReturnType {
		return b.SetCred(h, pam.Flags(f))
	}},
	msg.RequestAcctMgmt: {"ACCT_MGMT", func(b Backend, h uint64, f int32) pam.ReturnType {
		return b.AcctMgmt(h, pam.Flags(f))
	}},
	msg.RequestOpenSession: {"OPEN_SESSION", func(b Backend, h uint64, f int32) pam.ReturnType {
		return b.OpenSession(h, pam.Flags(f))
	}},
	msg.RequestCloseSession: {"CLOSE_SESSION", func(b Backend, h uint64, f int32) pam.ReturnType {
		return b.CloseSession(h, pam.Flags(f))
	}},
	msg.RequestChauthtok: {"CHAUTHTOK", func(b Backend, h uint64, f int32) pam.ReturnType {
		return b.ChangeAuthTok(h, pam.Flags(f))
	}},
	msg.RequestFailDelay: {"FAIL_DELAY", func(b Backend, h uint64, f int32) pam.ReturnType {
		return b.FailDelay(h, uint32(f))
	}},
}

// ============================================================================
// Server loop
// ============================================================================

// Server runs one session for one parent over one pipe pair. It is strictly
// single-threaded: every suspension point is a blocking read or write on
// the two streams.
type Server struct {
	backend Backend
	in      *wire.Stream
	out     *wire.Stream
	log     *slog.Logger

	running bool // a session is open
	didEnd  bool // the parent requested END
}

// New builds a server over the given streams. The streams are owned by the
// caller; the binary hands them over via Stdio.
func New(backend Backend, in, out *wire.Stream) *Server {
	return &Server{
		backend: backend,
		in:      in,
		out:     out,
		log:     logger.With("session_id", uuid.NewString()),
	}
}

// Run reads and answers requests until the parent ends the session. A
// framing failure on either pipe terminates the loop with ErrReadRequest or
// ErrWriteResponse as the cause; the binary prints the diagnostic and exits
// nonzero, which the parent observes as EOF.
func (s *Server) Run() error {
	for !s.didEnd {
		req, err := msg.ReadRequest(s.in)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrReadRequest, err)
		}

		resp := s.dispatch(req)

		if err := msg.WriteResponse(s.out, resp); err != nil {
			return fmt.Errorf("%w: %w", ErrWriteResponse, err)
		}
	}
	s.log.Debug("session ended")
	return nil
}

// dispatch routes one request to the backend and shapes the terminating
// response. Conversation responses are not produced here: they are emitted
// from inside converse while an authentication is in flight.
func (s *Server) dispatch(req msg.Request) msg.Response {
	switch r := req.(type) {
	case *msg.StartRequest:
		return s.handleStart(r)

	case *msg.DefaultRequest:
		switch r.Kind {
		case msg.RequestEnd:
			status := s.backend.End(r.Handle, pam.ReturnType(r.Flags))
			s.running = false
			s.didEnd = true
			s.log.Debug("request", "procedure", "END", "status", int(status))
			return &msg.ResultResponse{Status: int32(status)}

		case msg.RequestAuthenticate:
			res := s.backend.Authenticate(r.Handle, pam.Flags(r.Flags))
			s.log.Debug("request", "procedure", "AUTHENTICATE",
				"status", int(res.Status), "delay_usec", res.DelayUsec)
			return &msg.AuthenticateResponse{
				Status:      int32(res.Status),
				DelayRetval: int32(res.DelayRetval),
				DelayUsec:   res.DelayUsec,
			}

		case msg.RequestGetenvlist:
			values := s.backend.GetEnvList(r.Handle)
			s.log.Debug("request", "procedure", "GETENVLIST", "count", len(values))
			return &msg.StringListResponse{Values: values}

		case msg.RequestStrerror:
			return &msg.StringResponse{Value: s.backend.Strerror(r.Handle, r.Flags)}

		default:
			call, ok := defaultCalls[r.Kind]
			if !ok {
				s.log.Warn("unknown request type", "tag", int(r.Kind))
				return &msg.ResultResponse{Status: int32(pam.SystemErr)}
			}
			status := call.Call(s.backend, r.Handle, r.Flags)
			s.log.Debug("request", "procedure", call.Name, "status", int(status))
			return &msg.ResultResponse{Status: int32(status)}
		}

	case *msg.SetItemRequest:
		status := s.backend.SetItem(r.Handle, r.ItemType, r.Item)
		s.log.Debug("request", "procedure", "SET_ITEM", "item", r.ItemType, "status", int(status))
		return &msg.ResultResponse{Status: int32(status)}

	case *msg.GetItemRequest:
		item, status := s.backend.GetItem(r.Handle, r.ItemType)
		s.log.Debug("request", "procedure", "GET_ITEM", "item", r.ItemType, "status", int(status))
		return &msg.ItemResponse{Status: int32(status), ItemType: r.ItemType, Item: item}

	case *msg.EnvRequest:
		var name string
		if r.Name != nil {
			name = *r.Name
		}
		if r.Kind == msg.RequestPutenv {
			status := s.backend.PutEnv(r.Handle, name)
			s.log.Debug("request", "procedure", "PUTENV", "status", int(status))
			return &msg.ResultResponse{Status: int32(status)}
		}
		return &msg.StringResponse{Value: s.backend.GetEnv(r.Handle, name)}

	default:
		// An AUTHENTICATE_RESPONSE outside a conversation lands here.
		s.log.Warn("unknown request type", "tag", int(req.Type()))
		return &msg.ResultResponse{Status: int32(pam.SystemErr)}
	}
}

// handleStart opens the session. A second START while one is running does
// not touch the backend and answers with a system error.
func (s *Server) handleStart(r *msg.StartRequest) msg.Response {
	if s.running {
		s.log.Warn("start while session running", "service", r.Service)
		return &msg.HandleResponse{Status: int32(pam.SystemErr)}
	}

	handle, status := s.backend.Start(r.Service, r.User, r.Confdir, s.converse)
	s.running = status == pam.Success
	s.log.Debug("request", "procedure", "START",
		"service", r.Service, "user", r.User, "status", int(status))
	return &msg.HandleResponse{Status: int32(status), Handle: handle}
}

// converse runs one nested conversation round: emit the prompts, block for
// exactly one AUTHENTICATE_RESPONSE, hand the replies to the backend. A
// framing failure, a foreign request or a reply count that disagrees with
// the prompt count all surface as a conversation error to the library.
func (s *Server) converse(prompts []msg.Prompt) ([]msg.Reply, pam.ReturnType) {
	if err := msg.WriteResponse(s.out, &msg.ConversationResponse{Prompts: prompts}); err != nil {
		return nil, pam.ConvErr
	}
	req, err := msg.ReadRequest(s.in)
	if err != nil {
		return nil, pam.ConvErr
	}
	reply, ok := req.(*msg.AuthReplyRequest)
	if !ok || len(reply.Replies) != len(prompts) {
		s.log.Warn("conversation reply mismatch", "prompts", len(prompts))
		return nil, pam.ConvErr
	}
	return reply.Replies, pam.Success
}

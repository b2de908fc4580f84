package msg

import (
	"fmt"

	"github.com/marmos91/pamshim/internal/protocol/wire"
)

// Response is a server-to-client record. CONVERSATION is the only
// non-terminating tag: it may precede the terminating response of an
// in-flight AUTHENTICATE any number of times.
type Response interface {
	Type() ResponseType
}

// HandleResponse answers START: the status of the start call and, on
// success, the opaque server-side session handle. The handle is a cookie
// in the child's address space; the client carries it, never interprets it.
type HandleResponse struct {
	Status int32
	Handle uint64
}

func (*HandleResponse) Type() ResponseType { return ResponseHandle }

// ResultResponse carries a bare status and terminates most calls.
type ResultResponse struct {
	Status int32
}

func (*ResultResponse) Type() ResponseType { return ResponseResult }

// ConversationResponse carries the prompts of one conversation round. The
// server expects exactly one AUTHENTICATE_RESPONSE request before it emits
// anything further for the in-flight authentication.
type ConversationResponse struct {
	Prompts []Prompt
}

func (*ConversationResponse) Type() ResponseType { return ResponseConversation }

// AuthenticateResponse terminates AUTHENTICATE, carrying the final status
// and the deferred-delay metadata stashed by the server's fail-delay hook
// during the call.
type AuthenticateResponse struct {
	Status      int32
	DelayRetval int32
	DelayUsec   uint32
}

func (*AuthenticateResponse) Type() ResponseType { return ResponseAuthenticate }

// ItemResponse answers GET_ITEM. The item encoding follows the same table
// as SET_ITEM, keyed by ItemType.
type ItemResponse struct {
	Status   int32
	ItemType int32
	Item     ItemValue
}

func (*ItemResponse) Type() ResponseType { return ResponseItem }

// StringResponse answers GETENV and STRERROR with a single nullable text.
type StringResponse struct {
	Value *string
}

func (*StringResponse) Type() ResponseType { return ResponseString }

// StringListResponse answers GETENVLIST. On the wire the list is a count
// followed by the texts; the null terminator of the native representation
// is implied by the count.
type StringListResponse struct {
	Values []string
}

func (*StringListResponse) Type() ResponseType { return ResponseStringList }

// WriteResponse encodes r and flushes. The record is not mutated.
func WriteResponse(s *wire.Stream, r Response) error {
	if err := writeInt32(s, int32(r.Type())); err != nil {
		return err
	}
	var err error
	switch resp := r.(type) {
	case *HandleResponse:
		if err = writeInt32(s, resp.Status); err != nil {
			return err
		}
		if err = writeUint64(s, resp.Handle); err != nil {
			return err
		}
	case *ResultResponse:
		if err = writeInt32(s, resp.Status); err != nil {
			return err
		}
	case *ConversationResponse:
		if err = writeUint64(s, uint64(len(resp.Prompts))); err != nil {
			return err
		}
		for i := range resp.Prompts {
			if err = writeInt32(s, resp.Prompts[i].Style); err != nil {
				return err
			}
			if err = writeText(s, resp.Prompts[i].Msg); err != nil {
				return err
			}
		}
	case *AuthenticateResponse:
		if err = writeInt32(s, resp.Status); err != nil {
			return err
		}
		if err = writeInt32(s, resp.DelayRetval); err != nil {
			return err
		}
		if err = writeUint32(s, resp.DelayUsec); err != nil {
			return err
		}
	case *ItemResponse:
		if err = writeInt32(s, resp.Status); err != nil {
			return err
		}
		if err = writeInt32(s, resp.ItemType); err != nil {
			return err
		}
		if err = writeItem(s, resp.ItemType, &resp.Item); err != nil {
			return err
		}
	case *StringResponse:
		if err = writeText(s, resp.Value); err != nil {
			return err
		}
	case *StringListResponse:
		if err = writeUint64(s, uint64(len(resp.Values))); err != nil {
			return err
		}
		for i := range resp.Values {
			if err = writeText(s, &resp.Values[i]); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("msg: unknown response %T: %w", r, ErrProtocol)
	}
	return s.Flush()
}

// ReadResponse decodes one response record from the stream.
func ReadResponse(s *wire.Stream) (Response, error) {
	var tag int32
	if err := readInt32(s, &tag); err != nil {
		return nil, err
	}
	switch ResponseType(tag) {
	case ResponseHandle:
		resp := &HandleResponse{}
		if err := readInt32(s, &resp.Status); err != nil {
			return nil, err
		}
		if err := readUint64(s, &resp.Handle); err != nil {
			return nil, err
		}
		return resp, nil
	case ResponseResult:
		resp := &ResultResponse{}
		if err := readInt32(s, &resp.Status); err != nil {
			return nil, err
		}
		return resp, nil
	case ResponseConversation:
		count, err := readCount(s)
		if err != nil {
			return nil, err
		}
		resp := &ConversationResponse{}
		if count > 0 {
			resp.Prompts = make([]Prompt, count)
		}
		for i := range resp.Prompts {
			if err := readInt32(s, &resp.Prompts[i].Style); err != nil {
				return nil, err
			}
			if err := readText(s, &resp.Prompts[i].Msg); err != nil {
				return nil, err
			}
		}
		return resp, nil
	case ResponseAuthenticate:
		resp := &AuthenticateResponse{}
		if err := readInt32(s, &resp.Status); err != nil {
			return nil, err
		}
		if err := readInt32(s, &resp.DelayRetval); err != nil {
			return nil, err
		}
		if err := readUint32(s, &resp.DelayUsec); err != nil {
			return nil, err
		}
		return resp, nil
	case ResponseItem:
		resp := &ItemResponse{}
		if err := readInt32(s, &resp.Status); err != nil {
			return nil, err
		}
		if err := readInt32(s, &resp.ItemType); err != nil {
			return nil, err
		}
		if err := readItem(s, resp.ItemType, &resp.Item); err != nil {
			return nil, err
		}
		return resp, nil
	case ResponseString:
		resp := &StringResponse{}
		if err := readText(s, &resp.Value); err != nil {
			return nil, err
		}
		return resp, nil
	case ResponseStringList:
		count, err := readCount(s)
		if err != nil {
			return nil, err
		}
		resp := &StringListResponse{}
		if count > 0 {
			resp.Values = make([]string, count)
		}
		for i := range resp.Values {
			var v *string
			if err := readText(s, &v); err != nil {
				return nil, err
			}
			if v != nil {
				resp.Values[i] = *v
			}
		}
		return resp, nil
	default:
		return nil, fmt.Errorf("msg: unknown response tag %d: %w", tag, ErrProtocol)
	}
}

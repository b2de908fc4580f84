package msg

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/pamshim/internal/protocol/wire"
)

// codecPair builds a connected reader/writer stream over an OS pipe. The
// records under test are far below the pipe's buffer, so a single goroutine
// can write and then read back.
func codecPair(t *testing.T) (*wire.Stream, *wire.Stream) {
	t.Helper()
	r, w, err := os.Pipe()
	require.NoError(t, err)
	reader := wire.NewStream(r)
	writer := wire.NewStream(w)
	t.Cleanup(func() {
		reader.Close()
		writer.Close()
	})
	return reader, writer
}

func str(s string) *string { return &s }

func roundTripRequest(t *testing.T, req Request) Request {
	t.Helper()
	reader, writer := codecPair(t)
	require.NoError(t, WriteRequest(writer, req))
	decoded, err := ReadRequest(reader)
	require.NoError(t, err)
	return decoded
}

func roundTripResponse(t *testing.T, resp Response) Response {
	t.Helper()
	reader, writer := codecPair(t)
	require.NoError(t, WriteResponse(writer, resp))
	decoded, err := ReadResponse(reader)
	require.NoError(t, err)
	return decoded
}

func TestRequestRoundTrip(t *testing.T) {
	t.Run("Start", func(t *testing.T) {
		req := &StartRequest{Service: "login", User: "alice"}
		assert.Equal(t, req, roundTripRequest(t, req))
	})

	t.Run("StartWithConfdir", func(t *testing.T) {
		req := &StartRequest{Service: "login", User: "alice", Confdir: str("/etc/pam.d")}
		assert.Equal(t, req, roundTripRequest(t, req))
	})

	t.Run("DefaultCalls", func(t *testing.T) {
		kinds := []RequestType{
			RequestEnd, RequestAuthenticate, RequestSetCred, RequestAcctMgmt,
			RequestOpenSession, RequestCloseSession, RequestChauthtok,
			RequestFailDelay, RequestGetenvlist, RequestStrerror,
		}
		for _, kind := range kinds {
			req := &DefaultRequest{Kind: kind, Handle: 0xABCD1234, Flags: 0x8001}
			assert.Equal(t, req, roundTripRequest(t, req), "kind %d", kind)
		}
	})

	t.Run("AuthReply", func(t *testing.T) {
		req := &AuthReplyRequest{Replies: []Reply{
			{Resp: str("hunter2"), Retcode: 0},
			{Resp: nil, Retcode: 0},
		}}
		assert.Equal(t, req, roundTripRequest(t, req))
	})

	t.Run("AuthReplyEmpty", func(t *testing.T) {
		req := &AuthReplyRequest{}
		assert.Equal(t, req, roundTripRequest(t, req))
	})

	t.Run("SetItemText", func(t *testing.T) {
		req := &SetItemRequest{Handle: 7, ItemType: ItemRUser, Item: ItemValue{Text: str("root")}}
		assert.Equal(t, req, roundTripRequest(t, req))
	})

	t.Run("SetItemXAuthData", func(t *testing.T) {
		req := &SetItemRequest{Handle: 7, ItemType: ItemXAuthData, Item: ItemValue{
			XAuth: &XAuthData{
				NameLen: 18,
				Name:    str("MIT-MAGIC-COOKIE-1"),
				DataLen: 4,
				Data:    str("\x01\x02\x03\x00"),
			},
		}}
		assert.Equal(t, req, roundTripRequest(t, req))
	})

	t.Run("GetItem", func(t *testing.T) {
		req := &GetItemRequest{Handle: 9, ItemType: ItemTTY}
		assert.Equal(t, req, roundTripRequest(t, req))
	})

	t.Run("Env", func(t *testing.T) {
		put := &EnvRequest{Kind: RequestPutenv, Handle: 3, Name: str("LANG=C")}
		assert.Equal(t, put, roundTripRequest(t, put))

		get := &EnvRequest{Kind: RequestGetenv, Handle: 3, Name: str("LANG")}
		assert.Equal(t, get, roundTripRequest(t, get))
	})
}

func TestResponseRoundTrip(t *testing.T) {
	t.Run("Handle", func(t *testing.T) {
		resp := &HandleResponse{Status: 0, Handle: 0xDEADBEEF}
		assert.Equal(t, resp, roundTripResponse(t, resp))
	})

	t.Run("Result", func(t *testing.T) {
		resp := &ResultResponse{Status: 7}
		assert.Equal(t, resp, roundTripResponse(t, resp))
	})

	t.Run("Conversation", func(t *testing.T) {
		resp := &ConversationResponse{Prompts: []Prompt{
			{Style: 1, Msg: str("Password: ")},
			{Style: 4, Msg: nil},
		}}
		assert.Equal(t, resp, roundTripResponse(t, resp))
	})

	t.Run("Authenticate", func(t *testing.T) {
		resp := &AuthenticateResponse{Status: 7, DelayRetval: 7, DelayUsec: 2_000_000}
		assert.Equal(t, resp, roundTripResponse(t, resp))
	})

	t.Run("Item", func(t *testing.T) {
		resp := &ItemResponse{Status: 0, ItemType: ItemService, Item: ItemValue{Text: str("login")}}
		assert.Equal(t, resp, roundTripResponse(t, resp))
	})

	t.Run("String", func(t *testing.T) {
		resp := &StringResponse{Value: str("permission denied")}
		assert.Equal(t, resp, roundTripResponse(t, resp))

		null := &StringResponse{}
		assert.Equal(t, null, roundTripResponse(t, null))
	})

	t.Run("StringList", func(t *testing.T) {
		resp := &StringListResponse{Values: []string{"LANG=C", "HOME=/root"}}
		assert.Equal(t, resp, roundTripResponse(t, resp))

		empty := &StringListResponse{}
		assert.Equal(t, empty, roundTripResponse(t, empty))
	})
}

func TestTextBoundaries(t *testing.T) {
	t.Run("NullStaysNull", func(t *testing.T) {
		req := roundTripRequest(t, &EnvRequest{Kind: RequestGetenv, Handle: 1, Name: nil})
		assert.Nil(t, req.(*EnvRequest).Name)
	})

	t.Run("EmptyStaysEmpty", func(t *testing.T) {
		// The empty string is present on the wire (length 1, just the NUL)
		// and must not collapse to null.
		req := roundTripRequest(t, &EnvRequest{Kind: RequestGetenv, Handle: 1, Name: str("")})
		require.NotNil(t, req.(*EnvRequest).Name)
		assert.Equal(t, "", *req.(*EnvRequest).Name)
	})

	t.Run("InteriorNULSurvives", func(t *testing.T) {
		req := roundTripRequest(t, &EnvRequest{Kind: RequestGetenv, Handle: 1, Name: str("a\x00b")})
		require.NotNil(t, req.(*EnvRequest).Name)
		assert.Equal(t, "a\x00b", *req.(*EnvRequest).Name)
	})
}

func TestDecodeRejections(t *testing.T) {
	t.Run("UnknownRequestTag", func(t *testing.T) {
		reader, writer := codecPair(t)
		require.NoError(t, writeInt32(writer, 0x7FFF))
		require.NoError(t, writer.Flush())

		_, err := ReadRequest(reader)
		assert.ErrorIs(t, err, ErrProtocol)
	})

	t.Run("NoneRequestTag", func(t *testing.T) {
		reader, writer := codecPair(t)
		require.NoError(t, writeInt32(writer, int32(RequestNone)))
		require.NoError(t, writer.Flush())

		_, err := ReadRequest(reader)
		assert.ErrorIs(t, err, ErrProtocol)
	})

	t.Run("UnknownResponseTag", func(t *testing.T) {
		reader, writer := codecPair(t)
		require.NoError(t, writeInt32(writer, 0x7FFF))
		require.NoError(t, writer.Flush())

		_, err := ReadResponse(reader)
		assert.ErrorIs(t, err, ErrProtocol)
	})

	t.Run("UntransmittableItem", func(t *testing.T) {
		// Conv lives on the client; a SET_ITEM carrying it is a protocol
		// violation, as is any unrecognized item type.
		reader, writer := codecPair(t)
		require.NoError(t, writeInt32(writer, int32(RequestSetItem)))
		require.NoError(t, writeUint64(writer, 1))
		require.NoError(t, writeInt32(writer, ItemConv))
		require.NoError(t, writer.Flush())

		_, err := ReadRequest(reader)
		assert.ErrorIs(t, err, ErrProtocol)
	})

	t.Run("WriterRejectsUntransmittableItem", func(t *testing.T) {
		_, writer := codecPair(t)
		err := WriteRequest(writer, &SetItemRequest{Handle: 1, ItemType: 99})
		assert.ErrorIs(t, err, ErrProtocol)
	})

	t.Run("OversizedText", func(t *testing.T) {
		reader, writer := codecPair(t)
		require.NoError(t, writeInt32(writer, int32(RequestGetenv)))
		require.NoError(t, writeUint64(writer, 1))
		require.NoError(t, writeUint64(writer, 1<<32)) // absurd text length
		require.NoError(t, writer.Flush())

		_, err := ReadRequest(reader)
		assert.ErrorIs(t, err, ErrProtocol)
	})
}

func TestTransmittable(t *testing.T) {
	assert.True(t, Transmittable(ItemService))
	assert.True(t, Transmittable(ItemAuthTokType))
	assert.True(t, Transmittable(ItemXAuthData))
	assert.False(t, Transmittable(ItemConv))
	assert.False(t, Transmittable(ItemFailDelay))
	assert.False(t, Transmittable(99))
}

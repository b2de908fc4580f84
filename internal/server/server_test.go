package server

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/pamshim/internal/protocol/msg"
	"github.com/marmos91/pamshim/internal/protocol/wire"
	"github.com/marmos91/pamshim/pkg/pam"
)

// fakeBackend scripts the real library for loop tests. Authenticate drives
// the conversation callback with the configured prompts, mimicking a module
// that asks for a token before deciding.
type fakeBackend struct {
	handle uint64

	startStatus  pam.ReturnType
	startService string
	startUser    string
	startConfdir *string
	conv         Conversation

	authPrompts []msg.Prompt
	authReplies []msg.Reply
	authResult  AuthResult

	env       map[string]string
	items     map[int32]msg.ItemValue
	endStatus pam.ReturnType
	endedWith pam.ReturnType
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		handle: 0xABCD,
		env:    map[string]string{},
		items:  map[int32]msg.ItemValue{},
	}
}

func (f *fakeBackend) Start(service, user string, confdir *string, conv Conversation) (uint64, pam.ReturnType) {
	f.startService, f.startUser, f.startConfdir, f.conv = service, user, confdir, conv
	if f.startStatus != pam.Success {
		return 0, f.startStatus
	}
	return f.handle, pam.Success
}

func (f *fakeBackend) End(handle uint64, status pam.ReturnType) pam.ReturnType {
	f.endedWith = status
	return f.endStatus
}

func (f *fakeBackend) Authenticate(handle uint64, flags pam.Flags) AuthResult {
	if len(f.authPrompts) > 0 {
		replies, status := f.conv(f.authPrompts)
		if status != pam.Success {
			return AuthResult{Status: status}
		}
		f.authReplies = replies
	}
	return f.authResult
}

func (f *fakeBackend) SetCred(handle uint64, flags pam.Flags) pam.ReturnType      { return pam.Success }
func (f *fakeBackend) AcctMgmt(handle uint64, flags pam.Flags) pam.ReturnType     { return pam.AcctExpired }
func (f *fakeBackend) OpenSession(handle uint64, flags pam.Flags) pam.ReturnType  { return pam.Success }
func (f *fakeBackend) CloseSession(handle uint64, flags pam.Flags) pam.ReturnType { return pam.Success }
func (f *fakeBackend) ChangeAuthTok(handle uint64, flags pam.Flags) pam.ReturnType {
	return pam.Success
}
func (f *fakeBackend) FailDelay(handle uint64, usec uint32) pam.ReturnType { return pam.Success }

func (f *fakeBackend) SetItem(handle uint64, itemType int32, item msg.ItemValue) pam.ReturnType {
	f.items[itemType] = item
	return pam.Success
}

func (f *fakeBackend) GetItem(handle uint64, itemType int32) (msg.ItemValue, pam.ReturnType) {
	item, ok := f.items[itemType]
	if !ok {
		return msg.ItemValue{}, pam.BadItem
	}
	return item, pam.Success
}

func (f *fakeBackend) PutEnv(handle uint64, nameval string) pam.ReturnType {
	f.env[nameval] = ""
	return pam.Success
}

func (f *fakeBackend) GetEnv(handle uint64, name string) *string {
	if name == "LANG" {
		v := "C"
		return &v
	}
	return nil
}

func (f *fakeBackend) GetEnvList(handle uint64) []string {
	return []string{"LANG=C", "HOME=/root"}
}

func (f *fakeBackend) Strerror(handle uint64, errnum int32) *string {
	v := "permission denied"
	return &v
}

// harness wires a Server to a pair of pipes and plays the parent role.
type harness struct {
	t       *testing.T
	backend *fakeBackend
	toSrv   *wire.Stream // parent writes requests here
	fromSrv *wire.Stream // parent reads responses here
	done    chan error
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	reqR, reqW, err := os.Pipe()
	require.NoError(t, err)
	respR, respW, err := os.Pipe()
	require.NoError(t, err)

	backend := newFakeBackend()
	srv := New(backend, wire.NewStream(reqR), wire.NewStream(respW))

	h := &harness{
		t:       t,
		backend: backend,
		toSrv:   wire.NewStream(reqW),
		fromSrv: wire.NewStream(respR),
		done:    make(chan error, 1),
	}
	go func() {
		h.done <- srv.Run()
	}()
	t.Cleanup(func() {
		h.toSrv.Close()
		h.fromSrv.Close()
	})
	return h
}

func (h *harness) send(req msg.Request) {
	h.t.Helper()
	require.NoError(h.t, msg.WriteRequest(h.toSrv, req))
}

func (h *harness) receive() msg.Response {
	h.t.Helper()
	resp, err := msg.ReadResponse(h.fromSrv)
	require.NoError(h.t, err)
	return resp
}

func (h *harness) start() uint64 {
	h.t.Helper()
	h.send(&msg.StartRequest{Service: "login", User: "alice"})
	resp := h.receive()
	handle, ok := resp.(*msg.HandleResponse)
	require.True(h.t, ok)
	require.EqualValues(h.t, pam.Success, handle.Status)
	return handle.Handle
}

func (h *harness) end(handle uint64) {
	h.t.Helper()
	h.send(&msg.DefaultRequest{Kind: msg.RequestEnd, Handle: handle})
	_, ok := h.receive().(*msg.ResultResponse)
	require.True(h.t, ok)
	require.NoError(h.t, <-h.done)
}

func str(s string) *string { return &s }

func TestSessionLifecycle(t *testing.T) {
	h := newHarness(t)

	handle := h.start()
	assert.Equal(t, uint64(0xABCD), handle)
	assert.Equal(t, "login", h.backend.startService)
	assert.Equal(t, "alice", h.backend.startUser)
	assert.Nil(t, h.backend.startConfdir)

	h.send(&msg.DefaultRequest{Kind: msg.RequestEnd, Handle: handle, Flags: int32(pam.AuthErr)})
	result, ok := h.receive().(*msg.ResultResponse)
	require.True(t, ok)
	assert.EqualValues(t, pam.Success, result.Status)
	assert.Equal(t, pam.AuthErr, h.backend.endedWith)

	// END terminates the loop cleanly.
	require.NoError(t, <-h.done)
}

func TestSecondStartIsRejected(t *testing.T) {
	h := newHarness(t)
	handle := h.start()

	h.send(&msg.StartRequest{Service: "sudo", User: "bob"})
	resp, ok := h.receive().(*msg.HandleResponse)
	require.True(t, ok)
	assert.EqualValues(t, pam.SystemErr, resp.Status)

	// The running session is untouched: the backend saw only the first
	// start and the session still answers.
	assert.Equal(t, "login", h.backend.startService)
	h.end(handle)
}

func TestDefaultCallDispatch(t *testing.T) {
	h := newHarness(t)
	handle := h.start()

	h.send(&msg.DefaultRequest{Kind: msg.RequestAcctMgmt, Handle: handle})
	result, ok := h.receive().(*msg.ResultResponse)
	require.True(t, ok)
	assert.EqualValues(t, pam.AcctExpired, result.Status)

	h.send(&msg.DefaultRequest{Kind: msg.RequestSetCred, Handle: handle})
	result, ok = h.receive().(*msg.ResultResponse)
	require.True(t, ok)
	assert.EqualValues(t, pam.Success, result.Status)

	h.end(handle)
}

func TestAuthenticateWithConversation(t *testing.T) {
	h := newHarness(t)
	h.backend.authPrompts = []msg.Prompt{{Style: 1, Msg: str("Password: ")}}
	h.backend.authResult = AuthResult{Status: pam.Success}
	handle := h.start()

	h.send(&msg.DefaultRequest{Kind: msg.RequestAuthenticate, Handle: handle})

	// First a conversation round...
	conv, ok := h.receive().(*msg.ConversationResponse)
	require.True(t, ok)
	require.Len(t, conv.Prompts, 1)
	assert.EqualValues(t, 1, conv.Prompts[0].Style)

	h.send(&msg.AuthReplyRequest{Replies: []msg.Reply{{Resp: str("hunter2")}}})

	// ...then the terminating response.
	auth, ok := h.receive().(*msg.AuthenticateResponse)
	require.True(t, ok)
	assert.EqualValues(t, pam.Success, auth.Status)

	require.Len(t, h.backend.authReplies, 1)
	assert.Equal(t, "hunter2", *h.backend.authReplies[0].Resp)

	h.end(handle)
}

func TestConversationReplyCountMismatch(t *testing.T) {
	h := newHarness(t)
	h.backend.authPrompts = []msg.Prompt{{Style: 1, Msg: str("Password: ")}}
	h.backend.authResult = AuthResult{Status: pam.Success}
	handle := h.start()

	h.send(&msg.DefaultRequest{Kind: msg.RequestAuthenticate, Handle: handle})
	_, ok := h.receive().(*msg.ConversationResponse)
	require.True(t, ok)

	// Two replies to one prompt: the conversation fails with ConvErr.
	h.send(&msg.AuthReplyRequest{Replies: []msg.Reply{{Resp: str("a")}, {Resp: str("b")}}})

	auth, ok := h.receive().(*msg.AuthenticateResponse)
	require.True(t, ok)
	assert.EqualValues(t, pam.ConvErr, auth.Status)

	h.end(handle)
}

func TestAuthenticateCarriesDelay(t *testing.T) {
	h := newHarness(t)
	h.backend.authResult = AuthResult{
		Status:      pam.AuthErr,
		DelayRetval: pam.AuthErr,
		DelayUsec:   2_000_000,
	}
	handle := h.start()

	h.send(&msg.DefaultRequest{Kind: msg.RequestAuthenticate, Handle: handle})
	auth, ok := h.receive().(*msg.AuthenticateResponse)
	require.True(t, ok)
	assert.EqualValues(t, pam.AuthErr, auth.Status)
	assert.EqualValues(t, pam.AuthErr, auth.DelayRetval)
	assert.EqualValues(t, 2_000_000, auth.DelayUsec)

	h.end(handle)
}

func TestItemAndEnvDispatch(t *testing.T) {
	h := newHarness(t)
	handle := h.start()

	h.send(&msg.SetItemRequest{Handle: handle, ItemType: msg.ItemRUser, Item: msg.ItemValue{Text: str("root")}})
	result, ok := h.receive().(*msg.ResultResponse)
	require.True(t, ok)
	assert.EqualValues(t, pam.Success, result.Status)

	h.send(&msg.GetItemRequest{Handle: handle, ItemType: msg.ItemRUser})
	item, ok := h.receive().(*msg.ItemResponse)
	require.True(t, ok)
	assert.EqualValues(t, pam.Success, item.Status)
	assert.Equal(t, "root", *item.Item.Text)

	h.send(&msg.GetItemRequest{Handle: handle, ItemType: msg.ItemTTY})
	item, ok = h.receive().(*msg.ItemResponse)
	require.True(t, ok)
	assert.EqualValues(t, pam.BadItem, item.Status)

	h.send(&msg.EnvRequest{Kind: msg.RequestGetenv, Handle: handle, Name: str("LANG")})
	env, ok := h.receive().(*msg.StringResponse)
	require.True(t, ok)
	assert.Equal(t, "C", *env.Value)

	h.send(&msg.EnvRequest{Kind: msg.RequestGetenv, Handle: handle, Name: str("MISSING")})
	env, ok = h.receive().(*msg.StringResponse)
	require.True(t, ok)
	assert.Nil(t, env.Value)

	h.send(&msg.DefaultRequest{Kind: msg.RequestGetenvlist, Handle: handle})
	list, ok := h.receive().(*msg.StringListResponse)
	require.True(t, ok)
	assert.Equal(t, []string{"LANG=C", "HOME=/root"}, list.Values)

	h.send(&msg.DefaultRequest{Kind: msg.RequestStrerror, Handle: handle, Flags: int32(pam.PermDenied)})
	text, ok := h.receive().(*msg.StringResponse)
	require.True(t, ok)
	assert.Equal(t, "permission denied", *text.Value)

	h.end(handle)
}

func TestStrayAuthReplyAnswersSystemErr(t *testing.T) {
	h := newHarness(t)
	handle := h.start()

	// An AUTHENTICATE_RESPONSE with no conversation in flight is not fatal:
	// the loop answers with a system error and keeps serving.
	h.send(&msg.AuthReplyRequest{Replies: []msg.Reply{{Resp: str("stray")}}})
	result, ok := h.receive().(*msg.ResultResponse)
	require.True(t, ok)
	assert.EqualValues(t, pam.SystemErr, result.Status)

	h.end(handle)
}

func TestBrokenPipeTerminatesLoop(t *testing.T) {
	h := newHarness(t)
	h.start()

	require.NoError(t, h.toSrv.Close())
	err := <-h.done
	assert.ErrorIs(t, err, ErrReadRequest)
}

func TestStartFailurePropagates(t *testing.T) {
	h := newHarness(t)
	h.backend.startStatus = pam.ServiceErr

	h.send(&msg.StartRequest{Service: "nope", User: "alice"})
	resp, ok := h.receive().(*msg.HandleResponse)
	require.True(t, ok)
	assert.EqualValues(t, pam.ServiceErr, resp.Status)

	// A failed start leaves the server idle; a later start may succeed.
	h.backend.startStatus = pam.Success
	handle := h.start()
	h.end(handle)
}

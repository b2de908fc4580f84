package pam

import (
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/marmos91/pamshim/internal/protocol/msg"
)

// Transaction is the application's handle for a PAM transaction. Each
// transaction owns one server child and the pipe pair connecting to it;
// calls are forwarded in strict request/response order, so a transaction
// must not be used concurrently.
type Transaction struct {
	remote    remote
	handle    uint64 // opaque cookie in the server's address space
	handler   ConversationHandler
	failDelay FailDelayHandler
	status    atomic.Int32
	ended     bool
}

// Start initiates a new PAM transaction. Service is treated identically to
// how the native start treats it internally.
//
// All application calls to PAM begin with Start*. The returned transaction
// provides an interface to the remainder of the API.
func Start(service, user string, handler ConversationHandler) (*Transaction, error) {
	return start(service, user, handler, nil)
}

// StartFunc registers the handler func as a conversation handler.
func StartFunc(service, user string, handler func(Style, string) (string, error)) (*Transaction, error) {
	return Start(service, user, ConversationFunc(handler))
}

// StartConfDir initiates a new PAM transaction with an explicit directory
// holding the service definitions. This is used to provide custom paths for
// tests.
func StartConfDir(service, user string, handler ConversationHandler, confDir string) (*Transaction, error) {
	return start(service, user, handler, &confDir)
}

func start(service, user string, handler ConversationHandler, confDir *string) (*Transaction, error) {
	t := &Transaction{handler: handler}
	if err := t.remote.spawn(); err != nil {
		return nil, SystemErr
	}

	if err := t.remote.send(&msg.StartRequest{Service: service, User: user, Confdir: confDir}); err != nil {
		t.remote.close()
		return nil, SystemErr
	}
	resp, err := t.remote.receive()
	if err != nil {
		t.remote.close()
		return nil, SystemErr
	}
	handleResp, ok := resp.(*msg.HandleResponse)
	if !ok {
		t.remote.close()
		return nil, unexpectedResponse()
	}
	if status := ReturnType(handleResp.Status); status != Success {
		t.remote.close()
		return nil, status
	}

	t.handle = handleResp.Handle
	runtime.SetFinalizer(t, func(t *Transaction) { t.End() })
	return t, nil
}

// unexpectedResponse is the single reporting path for a response whose tag
// does not match the in-flight call. The session cannot recover from a
// desynchronized stream, so every caller surfaces the same sentinel and
// leaves teardown to End.
func unexpectedResponse() ReturnType {
	return SystemErr
}

// Status exposes the ReturnType of the last operation. As per its nature
// this value is not synchronized with in-flight calls; rely on each
// operation's own return value when in doubt.
func (t *Transaction) Status() ReturnType {
	return ReturnType(t.status.Load())
}

func (t *Transaction) setStatus(status ReturnType) error {
	t.status.Store(int32(status))
	if status != Success {
		return status
	}
	return nil
}

// End terminates the transaction, sending the last recorded status to the
// server as the final disposition. Regardless of the server's answer the
// child is reaped and both pipes are closed; a transaction cannot be used
// afterwards. I/O failures during end surface as SystemErr but teardown
// still completes.
func (t *Transaction) End() error {
	if t.ended {
		return SystemErr
	}
	t.ended = true
	runtime.SetFinalizer(t, nil)

	result := SystemErr
	err := t.remote.send(&msg.DefaultRequest{
		Kind:   msg.RequestEnd,
		Handle: t.handle,
		Flags:  t.status.Load(),
	})
	if err == nil {
		if resp, err := t.remote.receive(); err == nil {
			if res, ok := resp.(*msg.ResultResponse); ok {
				result = ReturnType(res.Status)
			} else {
				result = unexpectedResponse()
			}
		}
	}

	// Best effort: the close result does not override the wire status.
	t.remote.close()
	return t.setStatus(result)
}

// defaultCall implements the handle-plus-flags operations.
func (t *Transaction) defaultCall(kind msg.RequestType, flags int32) ReturnType {
	if t.ended {
		return SystemErr
	}
	if err := t.remote.send(&msg.DefaultRequest{Kind: kind, Handle: t.handle, Flags: flags}); err != nil {
		return SystemErr
	}
	resp, err := t.remote.receive()
	if err != nil {
		return SystemErr
	}
	result, ok := resp.(*msg.ResultResponse)
	if !ok {
		return unexpectedResponse()
	}
	return ReturnType(result.Status)
}

// Authenticate is used to authenticate the user.
//
// Mid-call the server may run one or more conversation rounds: each one
// invokes the transaction's conversation handler, once per prompt, and
// sends the collected replies back before the final status arrives. If the
// server registered a fail delay, the installed FailDelayHandler receives
// it; with no handler installed a failed authentication sleeps the delay
// here, mirroring the native library's behavior.
//
// Valid flags: Silent, DisallowNullAuthtok
func (t *Transaction) Authenticate(f Flags) error {
	if t.ended {
		return SystemErr
	}
	if err := t.remote.send(&msg.DefaultRequest{
		Kind:   msg.RequestAuthenticate,
		Handle: t.handle,
		Flags:  int32(f),
	}); err != nil {
		return t.setStatus(SystemErr)
	}

	for {
		resp, err := t.remote.receive()
		if err != nil {
			return t.setStatus(SystemErr)
		}

		switch r := resp.(type) {
		case *msg.ConversationResponse:
			replies, status := t.converse(r.Prompts)
			if status != Success {
				return t.setStatus(status)
			}
			if err := t.remote.send(&msg.AuthReplyRequest{Replies: replies}); err != nil {
				return t.setStatus(SystemErr)
			}

		case *msg.AuthenticateResponse:
			status := ReturnType(r.Status)
			delay := time.Duration(r.DelayUsec) * time.Microsecond
			if t.failDelay != nil {
				t.failDelay(ReturnType(r.DelayRetval), delay)
			} else if status != Success && delay > 0 {
				time.Sleep(delay)
			}
			return t.setStatus(status)

		default:
			return t.setStatus(unexpectedResponse())
		}
	}
}

// converse runs one conversation round through the application handler.
func (t *Transaction) converse(prompts []msg.Prompt) ([]msg.Reply, ReturnType) {
	if t.handler == nil {
		return nil, ConvErr
	}
	replies := make([]msg.Reply, len(prompts))
	for i, p := range prompts {
		var text string
		if p.Msg != nil {
			text = *p.Msg
		}
		answer, err := t.handler.RespondPAM(Style(p.Style), text)
		if err != nil {
			if status, ok := err.(ReturnType); ok && status != Success {
				return nil, status
			}
			return nil, ConvErr
		}
		if answer != "" || Style(p.Style) == PromptEchoOff || Style(p.Style) == PromptEchoOn {
			replies[i].Resp = &answer
		}
	}
	return replies, Success
}

// SetCred is used to establish, maintain and delete the credentials of a
// user.
//
// Valid flags: EstablishCred, DeleteCred, ReinitializeCred, RefreshCred
func (t *Transaction) SetCred(f Flags) error {
	return t.setStatus(t.defaultCall(msg.RequestSetCred, int32(f)))
}

// AcctMgmt is used to determine if the user's account is valid.
//
// Valid flags: Silent, DisallowNullAuthtok
func (t *Transaction) AcctMgmt(f Flags) error {
	return t.setStatus(t.defaultCall(msg.RequestAcctMgmt, int32(f)))
}

// ChangeAuthTok is used to change the authentication token.
//
// Valid flags: Silent, ChangeExpiredAuthtok
func (t *Transaction) ChangeAuthTok(f Flags) error {
	return t.setStatus(t.defaultCall(msg.RequestChauthtok, int32(f)))
}

// OpenSession sets up a user session for an authenticated user.
//
// Valid flags: Silent
func (t *Transaction) OpenSession(f Flags) error {
	return t.setStatus(t.defaultCall(msg.RequestOpenSession, int32(f)))
}

// CloseSession closes a previously opened session.
//
// Valid flags: Silent
func (t *Transaction) CloseSession(f Flags) error {
	return t.setStatus(t.defaultCall(msg.RequestCloseSession, int32(f)))
}

// FailDelay registers the least delay the authentication stack should
// impose on failure, mirroring the native fail-delay call.
func (t *Transaction) FailDelay(delay time.Duration) error {
	return t.setStatus(t.defaultCall(msg.RequestFailDelay, int32(delay.Microseconds())))
}

// SetItem sets a PAM information item. The Conv and FailDelay items hold
// callbacks, not strings; set those through SetConversationHandler and
// SetFailDelayHandler instead. XauthData is set through SetXAuthData.
func (t *Transaction) SetItem(i Item, item string) error {
	if !msg.Transmittable(int32(i)) || i == XauthData {
		return t.setStatus(BadItem)
	}
	if t.ended {
		return t.setStatus(SystemErr)
	}
	if err := t.remote.send(&msg.SetItemRequest{
		Handle:   t.handle,
		ItemType: int32(i),
		Item:     msg.ItemValue{Text: &item},
	}); err != nil {
		return t.setStatus(SystemErr)
	}
	resp, err := t.remote.receive()
	if err != nil {
		return t.setStatus(SystemErr)
	}
	result, ok := resp.(*msg.ResultResponse)
	if !ok {
		return t.setStatus(unexpectedResponse())
	}
	return t.setStatus(ReturnType(result.Status))
}

// GetItem retrieves a PAM information item. See SetItem for the items that
// are not plain strings.
func (t *Transaction) GetItem(i Item) (string, error) {
	if !msg.Transmittable(int32(i)) || i == XauthData {
		return "", t.setStatus(BadItem)
	}
	item, status := t.getItem(i)
	if err := t.setStatus(status); err != nil {
		return "", err
	}
	if item.Text == nil {
		return "", nil
	}
	return *item.Text, nil
}

// SetXAuthData sets the structured X authentication item.
func (t *Transaction) SetXAuthData(name string, data []byte) error {
	if t.ended {
		return t.setStatus(SystemErr)
	}
	value := string(data)
	if err := t.remote.send(&msg.SetItemRequest{
		Handle:   t.handle,
		ItemType: int32(XauthData),
		Item: msg.ItemValue{XAuth: &msg.XAuthData{
			NameLen: int32(len(name)),
			Name:    &name,
			DataLen: int32(len(data)),
			Data:    &value,
		}},
	}); err != nil {
		return t.setStatus(SystemErr)
	}
	resp, err := t.remote.receive()
	if err != nil {
		return t.setStatus(SystemErr)
	}
	result, ok := resp.(*msg.ResultResponse)
	if !ok {
		return t.setStatus(unexpectedResponse())
	}
	return t.setStatus(ReturnType(result.Status))
}

// GetXAuthData retrieves the structured X authentication item.
func (t *Transaction) GetXAuthData() (name string, data []byte, err error) {
	item, status := t.getItem(XauthData)
	if err := t.setStatus(status); err != nil {
		return "", nil, err
	}
	if item.XAuth == nil {
		return "", nil, nil
	}
	if item.XAuth.Name != nil {
		name = *item.XAuth.Name
	}
	if item.XAuth.Data != nil {
		data = []byte(*item.XAuth.Data)
	}
	return name, data, nil
}

func (t *Transaction) getItem(i Item) (msg.ItemValue, ReturnType) {
	if t.ended {
		return msg.ItemValue{}, SystemErr
	}
	if err := t.remote.send(&msg.GetItemRequest{Handle: t.handle, ItemType: int32(i)}); err != nil {
		return msg.ItemValue{}, SystemErr
	}
	resp, err := t.remote.receive()
	if err != nil {
		return msg.ItemValue{}, SystemErr
	}
	item, ok := resp.(*msg.ItemResponse)
	if !ok {
		return msg.ItemValue{}, unexpectedResponse()
	}
	return item.Item, ReturnType(item.Status)
}

// SetConversationHandler replaces the conversation callback. This is the
// Conv item of the native API; it lives on this side of the boundary and
// generates no wire traffic.
func (t *Transaction) SetConversationHandler(handler ConversationHandler) {
	t.handler = handler
}

// ConversationHandler returns the installed conversation callback.
func (t *Transaction) ConversationHandler() ConversationHandler {
	return t.handler
}

// SetFailDelayHandler installs the application's fail-delay callback. This
// is the FailDelay item of the native API; it lives on this side of the
// boundary and generates no wire traffic.
func (t *Transaction) SetFailDelayHandler(handler FailDelayHandler) {
	t.failDelay = handler
}

// FailDelayHandler returns the installed fail-delay callback.
func (t *Transaction) FailDelayHandler() FailDelayHandler {
	return t.failDelay
}

// PutEnv adds or changes the value of PAM environment variables.
//
// NAME=value will set a variable to a value.
// NAME= will set a variable to an empty value.
// NAME (without an "=") will delete a variable.
func (t *Transaction) PutEnv(nameval string) error {
	if t.ended {
		return t.setStatus(SystemErr)
	}
	if err := t.remote.send(&msg.EnvRequest{Kind: msg.RequestPutenv, Handle: t.handle, Name: &nameval}); err != nil {
		return t.setStatus(SystemErr)
	}
	resp, err := t.remote.receive()
	if err != nil {
		return t.setStatus(SystemErr)
	}
	result, ok := resp.(*msg.ResultResponse)
	if !ok {
		return t.setStatus(unexpectedResponse())
	}
	return t.setStatus(ReturnType(result.Status))
}

// GetEnv is used to retrieve a PAM environment variable. An unset variable
// yields the empty string.
func (t *Transaction) GetEnv(name string) string {
	if t.ended {
		return ""
	}
	if err := t.remote.send(&msg.EnvRequest{Kind: msg.RequestGetenv, Handle: t.handle, Name: &name}); err != nil {
		return ""
	}
	resp, err := t.remote.receive()
	if err != nil {
		return ""
	}
	str, ok := resp.(*msg.StringResponse)
	if !ok || str.Value == nil {
		return ""
	}
	return *str.Value
}

// GetEnvList returns a copy of the PAM environment as a map. The map and
// its contents are owned by the caller.
func (t *Transaction) GetEnvList() (map[string]string, error) {
	if t.ended {
		return nil, t.setStatus(SystemErr)
	}
	if err := t.remote.send(&msg.DefaultRequest{Kind: msg.RequestGetenvlist, Handle: t.handle}); err != nil {
		return nil, t.setStatus(SystemErr)
	}
	resp, err := t.remote.receive()
	if err != nil {
		return nil, t.setStatus(SystemErr)
	}
	list, ok := resp.(*msg.StringListResponse)
	if !ok {
		return nil, t.setStatus(unexpectedResponse())
	}
	env := make(map[string]string, len(list.Values))
	for _, entry := range list.Values {
		chunks := strings.SplitN(entry, "=", 2)
		if len(chunks) == 2 {
			env[chunks[0]] = chunks[1]
		}
	}
	return env, nil
}

// Strerror asks the server-side library for the text of a status code. On
// any shim failure the local status table is used instead, so the result is
// always printable.
func (t *Transaction) Strerror(status ReturnType) string {
	if !t.ended {
		if err := t.remote.send(&msg.DefaultRequest{
			Kind:   msg.RequestStrerror,
			Handle: t.handle,
			Flags:  int32(status),
		}); err == nil {
			if resp, err := t.remote.receive(); err == nil {
				if str, ok := resp.(*msg.StringResponse); ok && str.Value != nil {
					return *str.Value
				}
			}
		}
	}
	if text, ok := returnText[status]; ok {
		return text
	}
	return "Unknown PAM error"
}

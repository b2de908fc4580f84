// Package server implements the child-side loop of the shim: it reads
// requests from the parent, dispatches them to a Backend wrapping the real
// authentication library, and writes responses back, including the nested
// conversation exchange that runs inside an authentication call.
package server

import (
	"github.com/marmos91/pamshim/internal/protocol/msg"
	"github.com/marmos91/pamshim/pkg/pam"
)

// Conversation is the server-side conversation callback: it carries one
// round of prompts to the parent and blocks for the replies. The backend
// invokes it from inside Authenticate whenever the real library needs user
// input. A non-Success status means the round failed and no replies exist.
type Conversation func(prompts []msg.Prompt) ([]msg.Reply, pam.ReturnType)

// AuthResult is the outcome of one authentication call: the final status
// plus the deferred-delay metadata the library registered during the call,
// if any.
type AuthResult struct {
	Status      pam.ReturnType
	DelayRetval pam.ReturnType
	DelayUsec   uint32
}

// Backend is the server's window onto the real authentication library. The
// handle values it mints are opaque cookies: the loop threads them between
// requests and responses without interpretation, exactly as the client
// does.
type Backend interface {
	// Start opens a session. The conversation callback is retained for the
	// session's lifetime; the backend also installs its own fail-delay
	// hook here so that deferred-delay semantics are uniform regardless of
	// how the application started the session.
	Start(service, user string, confdir *string, conv Conversation) (handle uint64, status pam.ReturnType)

	// End closes the session identified by handle with the given final
	// status and releases the backend's resources for it.
	End(handle uint64, status pam.ReturnType) pam.ReturnType

	// Authenticate runs the authentication stack. Conversation rounds
	// happen through the callback given to Start.
	Authenticate(handle uint64, flags pam.Flags) AuthResult

	SetCred(handle uint64, flags pam.Flags) pam.ReturnType
	AcctMgmt(handle uint64, flags pam.Flags) pam.ReturnType
	OpenSession(handle uint64, flags pam.Flags) pam.ReturnType
	CloseSession(handle uint64, flags pam.Flags) pam.ReturnType
	ChangeAuthTok(handle uint64, flags pam.Flags) pam.ReturnType

	// FailDelay registers the least failure delay, in microseconds.
	FailDelay(handle uint64, usec uint32) pam.ReturnType

	SetItem(handle uint64, itemType int32, item msg.ItemValue) pam.ReturnType
	GetItem(handle uint64, itemType int32) (msg.ItemValue, pam.ReturnType)

	PutEnv(handle uint64, nameval string) pam.ReturnType
	// GetEnv returns nil for an unset variable.
	GetEnv(handle uint64, name string) *string
	// GetEnvList returns the session environment as NAME=value entries.
	GetEnvList(handle uint64) []string
	// Strerror returns the library's text for a status code.
	Strerror(handle uint64, errnum int32) *string
}

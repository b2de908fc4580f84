// Package pam is a drop-in client for the platform authentication API that
// runs the real authentication stack in a disposable child process.
//
// Applications use it like any PAM application binding: Start a transaction
// with a conversation handler, call Authenticate and the related operations,
// End when done. Behind the scenes every call is forwarded over a private
// pipe pair to a server child (see cmd/pam_shim_server) which invokes the
// native library, so module crashes, resource usage and privilege surface
// stay out of the calling process.
package pam

import (
	"fmt"

	"github.com/marmos91/pamshim/internal/protocol/msg"
)

// ReturnType is a PAM status code.
type ReturnType int

// PAM return types, by the values the Linux implementation assigns them.
// The two the shim itself originates are SystemErr (wire, framing or tag
// failure) and BufErr (allocation failure); everything else is propagated
// verbatim from the server.
const (
	// Success reports a successful function return.
	Success ReturnType = 0
	// OpenErr reports a dlopen() failure when loading a service module.
	OpenErr ReturnType = 1
	// SymbolErr reports a symbol not found.
	SymbolErr ReturnType = 2
	// ServiceErr reports an error in a service module.
	ServiceErr ReturnType = 3
	// SystemErr reports a system error.
	SystemErr ReturnType = 4
	// BufErr reports a memory buffer error.
	BufErr ReturnType = 5
	// PermDenied reports permission denied.
	PermDenied ReturnType = 6
	// AuthErr reports an authentication failure.
	AuthErr ReturnType = 7
	// CredInsufficient reports insufficient credentials to access
	// authentication data.
	CredInsufficient ReturnType = 8
	// AuthinfoUnavail reports that the authentication service cannot
	// retrieve authentication information.
	AuthinfoUnavail ReturnType = 9
	// UserUnknown reports a user not known to the authentication module.
	UserUnknown ReturnType = 10
	// Maxtries reports an exhausted retry count; no further attempts should
	// be made.
	Maxtries ReturnType = 11
	// NewAuthtokReqd reports that a new authentication token is required.
	NewAuthtokReqd ReturnType = 12
	// AcctExpired reports an expired user account.
	AcctExpired ReturnType = 13
	// SessionErr reports a failure making or removing a session entry.
	SessionErr ReturnType = 14
	// CredUnavail reports that user credentials cannot be retrieved.
	CredUnavail ReturnType = 15
	// CredExpired reports expired user credentials.
	CredExpired ReturnType = 16
	// CredErr reports a failure setting user credentials.
	CredErr ReturnType = 17
	// NoModuleData reports absent module-specific data.
	NoModuleData ReturnType = 18
	// ConvErr reports a conversation error.
	ConvErr ReturnType = 19
	// AuthtokErr reports an authentication token manipulation error.
	AuthtokErr ReturnType = 20
	// AuthtokRecoveryErr reports unrecoverable authentication information.
	AuthtokRecoveryErr ReturnType = 21
	// AuthtokLockBusy reports a busy authentication token lock.
	AuthtokLockBusy ReturnType = 22
	// AuthtokDisableAging reports disabled authentication token aging.
	AuthtokDisableAging ReturnType = 23
	// TryAgain reports a failed preliminary check by the password service.
	TryAgain ReturnType = 24
	// Ignore tells the dispatcher to ignore the module's return value.
	Ignore ReturnType = 25
	// Abort reports a critical error requiring immediate abort.
	Abort ReturnType = 26
	// AuthtokExpired reports an expired authentication token.
	AuthtokExpired ReturnType = 27
	// ModuleUnknown reports an unknown module.
	ModuleUnknown ReturnType = 28
	// BadItem reports a bad item passed to SetItem/GetItem.
	BadItem ReturnType = 29
	// ConvAgain reports an event-driven conversation with no data yet.
	ConvAgain ReturnType = 30
	// Incomplete asks the application to call again to complete the stack.
	Incomplete ReturnType = 31
)

// returnText carries the canonical status messages. The client cannot reach
// the native strerror without a live session, so errors stringify from this
// table; Transaction.Strerror asks the real library over the wire.
var returnText = map[ReturnType]string{
	Success:             "Success",
	OpenErr:             "Failed to load module",
	SymbolErr:           "Symbol not found",
	ServiceErr:          "Error in service module",
	SystemErr:           "System error",
	BufErr:              "Memory buffer error",
	PermDenied:          "Permission denied",
	AuthErr:             "Authentication failure",
	CredInsufficient:    "Insufficient credentials to access authentication data",
	AuthinfoUnavail:     "Authentication service cannot retrieve authentication info",
	UserUnknown:         "User not known to the underlying authentication module",
	Maxtries:            "Have exhausted maximum number of retries for service",
	NewAuthtokReqd:      "Authentication token is no longer valid; new one required",
	AcctExpired:         "User account has expired",
	SessionErr:          "Cannot make/remove an entry for the specified session",
	CredUnavail:         "Authentication service cannot retrieve user credentials",
	CredExpired:         "User credentials expired",
	CredErr:             "Failure setting user credentials",
	NoModuleData:        "No module specific data is present",
	ConvErr:             "Conversation error",
	AuthtokErr:          "Authentication token manipulation error",
	AuthtokRecoveryErr:  "Authentication information cannot be recovered",
	AuthtokLockBusy:     "Authentication token lock busy",
	AuthtokDisableAging: "Authentication token aging disabled",
	TryAgain:            "Failed preliminary check by password service",
	Ignore:              "The return value should be ignored by PAM dispatch",
	Abort:               "Critical error - immediate abort",
	AuthtokExpired:      "Authentication token expired",
	ModuleUnknown:       "Module is unknown",
	BadItem:             "Bad item passed to pam_*_item()",
	ConvAgain:           "Conversation is waiting for event",
	Incomplete:          "Application needs to call libpam again",
}

// Error makes a non-success ReturnType usable as an error value.
func (rt ReturnType) Error() string {
	text, ok := returnText[rt]
	if !ok {
		text = "Unknown PAM error"
	}
	return fmt.Sprintf("%d: %s", int(rt), text)
}

// Style is the type of message that the conversation handler should display.
type Style int

// Conversation message styles.
const (
	// PromptEchoOff indicates the conversation handler should obtain a
	// string without echoing any text.
	PromptEchoOff Style = 1
	// PromptEchoOn indicates the conversation handler should obtain a
	// string while echoing text.
	PromptEchoOn Style = 2
	// ErrorMsg indicates the conversation handler should display an error
	// message.
	ErrorMsg Style = 3
	// TextInfo indicates the conversation handler should display some text.
	TextInfo Style = 4
)

// Item is a PAM information type.
type Item int

// PAM item types. Conv and FailDelay are held on the client side of the
// shim and never generate wire traffic; the rest are forwarded to the
// server-side session.
const (
	// Service is the name which identifies the PAM stack.
	Service = Item(msg.ItemService)
	// User identifies the username identity used by a service.
	User = Item(msg.ItemUser)
	// Tty is the terminal name.
	Tty = Item(msg.ItemTTY)
	// Rhost is the requesting host name.
	Rhost = Item(msg.ItemRHost)
	// Conv is the conversation callback; local to the client.
	Conv = Item(msg.ItemConv)
	// Authtok is the currently active authentication token.
	Authtok = Item(msg.ItemAuthTok)
	// Oldauthtok is the old authentication token.
	Oldauthtok = Item(msg.ItemOldAuthTok)
	// Ruser is the requesting user name.
	Ruser = Item(msg.ItemRUser)
	// UserPrompt is the string used to prompt for a username.
	UserPrompt = Item(msg.ItemUserPrompt)
	// FailDelay is the fail-delay callback; local to the client.
	FailDelay = Item(msg.ItemFailDelay)
	// Xdisplay is the X display name.
	Xdisplay = Item(msg.ItemXDisplay)
	// XauthData is the structured X authentication datum.
	XauthData = Item(msg.ItemXAuthData)
	// AuthtokType is the prompt prefix for authentication token changes.
	AuthtokType = Item(msg.ItemAuthTokType)
)

// Flags are inputs to various PAM functions that can be combined with a
// bitwise or. Refer to the official PAM documentation for which flags are
// accepted by which functions.
type Flags int

// PAM flag types.
const (
	// Silent indicates that no messages should be emitted.
	Silent Flags = 0x8000
	// DisallowNullAuthtok indicates that authorization should fail if the
	// user does not have a registered authentication token.
	DisallowNullAuthtok Flags = 0x1
	// EstablishCred indicates that credentials should be established for
	// the user.
	EstablishCred Flags = 0x2
	// DeleteCred indicates that credentials should be deleted.
	DeleteCred Flags = 0x4
	// ReinitializeCred indicates that credentials should be fully
	// reinitialized.
	ReinitializeCred Flags = 0x8
	// RefreshCred indicates that the lifetime of existing credentials
	// should be extended.
	RefreshCred Flags = 0x10
	// ChangeExpiredAuthtok indicates that the authentication token should
	// be changed if it has expired.
	ChangeExpiredAuthtok Flags = 0x20
)

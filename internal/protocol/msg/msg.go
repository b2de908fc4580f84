// Package msg implements the typed request/response codec of the shim
// protocol.
//
// Every record on the wire is a fixed-width tag followed by a variant body.
// Integers are native-endian and fixed width: the parent and the child run on
// the same machine from the same build, so the host layout is shared by
// construction, and spelling it out as explicit little/big-endian-of-the-host
// encodings keeps the layout reviewable. Text is transmitted as
// (uint64 length, length bytes including the terminating NUL); length 0
// encodes the absent (nil) text, which is distinct from the empty string.
// Arrays are (uint64 count, count elements).
//
// Encoders never mutate the record they write and finish every top-level
// record with a flush, so each message is kernel-visible as a unit. Decoders
// allocate; a decode failure surfaces as an error wrapping ErrProtocol (bad
// tag or layout) or the underlying I/O error.
package msg

import "errors"

// ErrProtocol reports a record that does not follow the wire layout:
// an unknown tag, an unsupported item type, or an oversized field.
var ErrProtocol = errors.New("protocol error")

// RequestType tags a client-to-server record.
type RequestType int32

const (
	RequestNone RequestType = iota
	RequestStart
	RequestEnd
	RequestAuthenticate
	RequestSetCred
	RequestAcctMgmt
	RequestOpenSession
	RequestCloseSession
	RequestChauthtok
	RequestAuthenticateResponse
	RequestSetItem
	RequestGetItem
	RequestPutenv
	RequestGetenv
	RequestGetenvlist
	RequestStrerror
	RequestFailDelay
)

// ResponseType tags a server-to-client record.
type ResponseType int32

const (
	ResponseNone ResponseType = iota
	ResponseHandle
	ResponseResult
	ResponseConversation
	ResponseAuthenticate
	ResponseItem
	ResponseString
	ResponseStringList
)

// Item types, by the values the platform authentication API assigns them.
// Conv and FailDelay are listed for classification only: they hold local
// callbacks and are never transmitted.
const (
	ItemService     int32 = 1
	ItemUser        int32 = 2
	ItemTTY         int32 = 3
	ItemRHost       int32 = 4
	ItemConv        int32 = 5
	ItemAuthTok     int32 = 6
	ItemOldAuthTok  int32 = 7
	ItemRUser       int32 = 8
	ItemUserPrompt  int32 = 9
	ItemFailDelay   int32 = 10
	ItemXDisplay    int32 = 11
	ItemXAuthData   int32 = 12
	ItemAuthTokType int32 = 13
)

// Prompt is one conversation message shown to the user during
// authentication.
type Prompt struct {
	Style int32
	Msg   *string
}

// Reply is the user's answer to one conversation prompt.
type Reply struct {
	Resp    *string
	Retcode int32
}

// XAuthData is the structured X authentication item. The length fields are
// carried on the wire alongside the texts, mirroring the item's native
// layout.
type XAuthData struct {
	NameLen int32
	Name    *string
	DataLen int32
	Data    *string
}

// ItemValue holds the payload of a SET_ITEM request or ITEM response. For
// the text item class only Text is set; for XAuthData only XAuth is set.
// Both nil encodes an absent item.
type ItemValue struct {
	Text  *string
	XAuth *XAuthData
}

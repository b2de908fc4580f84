// Package libpam is the server's backend onto the native PAM library. It
// owes its shape to the application-API contract: one session per start
// call, conversation callbacks bridged through cgo, and item/environment
// accessors that copy native memory into Go values immediately so no
// native pointer outlives the call that produced it.
package libpam

/*
#cgo CFLAGS: -Wall -std=c99
#cgo LDFLAGS: -lpam

#include <security/pam_appl.h>
#include <stdint.h>
#include <stdlib.h>

int shimConvGo(int num_msg, struct pam_message **msg, struct pam_response **resp, uintptr_t handle);
void shimFailDelayGo(int retval, unsigned usec, uintptr_t handle);

int pam_start_confdir(const char *service_name, const char *user,
                      const struct pam_conv *pam_conversation,
                      const char *confdir, pam_handle_t **pamh) __attribute__((weak));

static int shim_conv_cb(int num_msg, const struct pam_message **msg,
                        struct pam_response **resp, void *appdata_ptr) {
	return shimConvGo(num_msg, (struct pam_message **)msg, resp, (uintptr_t)appdata_ptr);
}

static void shim_fail_delay_cb(int retval, unsigned usec_delay, void *appdata_ptr) {
	shimFailDelayGo(retval, usec_delay, (uintptr_t)appdata_ptr);
}

static struct pam_conv *shim_new_conv(uintptr_t handle) {
	struct pam_conv *conv = calloc(1, sizeof(struct pam_conv));
	if (conv) {
		conv->conv = shim_conv_cb;
		conv->appdata_ptr = (void *)handle;
	}
	return conv;
}

static int shim_install_fail_delay(pam_handle_t *pamh) {
	return pam_set_item(pamh, PAM_FAIL_DELAY, (const void *)shim_fail_delay_cb);
}

static int shim_has_start_confdir(void) {
	return pam_start_confdir != NULL;
}

static const struct pam_message *shim_msg_at(struct pam_message **msg, int i) {
	return msg[i];
}

static struct pam_response *shim_alloc_responses(int n) {
	return calloc(n, sizeof(struct pam_response));
}

static void shim_set_response(struct pam_response *resp, int i, char *text, int retcode) {
	resp[i].resp = text;
	resp[i].resp_retcode = retcode;
}
*/
import "C"

import (
	"runtime/cgo"
	"unsafe"

	"github.com/marmos91/pamshim/internal/protocol/msg"
	"github.com/marmos91/pamshim/internal/server"
	"github.com/marmos91/pamshim/pkg/pam"
)

// session is one native transaction plus the bridging state the callbacks
// need. Its cgo.Handle doubles as the opaque handle on the wire.
type session struct {
	pamh *C.pam_handle_t
	conv server.Conversation
	cc   *C.struct_pam_conv
	self cgo.Handle

	delayRetval int32
	delayUsec   uint32
}

// Backend implements server.Backend on the native library.
type Backend struct{}

// New returns the native backend.
func New() *Backend {
	return &Backend{}
}

func lookup(handle uint64) *session {
	return cgo.Handle(uintptr(handle)).Value().(*session)
}

// shimConvGo bridges the native conversation callback into the session's
// Conversation. Ownership of the response array transfers to the library.
//
//export shimConvGo
func shimConvGo(numMsg C.int, cmsgs **C.struct_pam_message, resp **C.struct_pam_response, handle C.uintptr_t) C.int {
	s := cgo.Handle(handle).Value().(*session)

	n := int(numMsg)
	prompts := make([]msg.Prompt, n)
	for i := 0; i < n; i++ {
		m := C.shim_msg_at(cmsgs, C.int(i))
		prompts[i].Style = int32(m.msg_style)
		if m.msg != nil {
			text := C.GoString(m.msg)
			prompts[i].Msg = &text
		}
	}

	replies, status := s.conv(prompts)
	if status != pam.Success {
		return C.int(status)
	}
	if len(replies) != n {
		return C.int(pam.ConvErr)
	}

	arr := C.shim_alloc_responses(numMsg)
	if arr == nil {
		return C.int(pam.BufErr)
	}
	for i := range replies {
		var text *C.char
		if replies[i].Resp != nil {
			text = C.CString(*replies[i].Resp)
		}
		C.shim_set_response(arr, C.int(i), text, C.int(replies[i].Retcode))
	}
	*resp = arr
	return C.int(pam.Success)
}

// shimFailDelayGo stashes the deferred-delay metadata registered by the
// library during an authentication; Authenticate copies and clears it.
//
//export shimFailDelayGo
func shimFailDelayGo(retval C.int, usec C.uint, handle C.uintptr_t) {
	s := cgo.Handle(handle).Value().(*session)
	s.delayRetval = int32(retval)
	s.delayUsec = uint32(usec)
}

// Start opens a native transaction and installs both hooks: the
// conversation bridge and the fail-delay stash.
func (b *Backend) Start(service, user string, confdir *string, conv server.Conversation) (uint64, pam.ReturnType) {
	if confdir != nil && C.shim_has_start_confdir() == 0 {
		return 0, pam.SystemErr
	}

	s := &session{conv: conv}
	s.self = cgo.NewHandle(s)
	s.cc = C.shim_new_conv(C.uintptr_t(s.self))
	if s.cc == nil {
		s.self.Delete()
		return 0, pam.BufErr
	}

	cs := C.CString(service)
	defer C.free(unsafe.Pointer(cs))
	var cu *C.char
	if user != "" {
		cu = C.CString(user)
		defer C.free(unsafe.Pointer(cu))
	}

	var pamh *C.pam_handle_t
	var status C.int
	if confdir == nil {
		status = C.pam_start(cs, cu, s.cc, &pamh)
	} else {
		cconf := C.CString(*confdir)
		defer C.free(unsafe.Pointer(cconf))
		status = C.pam_start_confdir(cs, cu, s.cc, cconf, &pamh)
	}
	if status != C.PAM_SUCCESS {
		C.free(unsafe.Pointer(s.cc))
		s.self.Delete()
		return 0, pam.ReturnType(status)
	}
	s.pamh = pamh

	C.shim_install_fail_delay(s.pamh)
	return uint64(s.self), pam.Success
}

// End closes the native transaction and releases the bridging state.
func (b *Backend) End(handle uint64, status pam.ReturnType) pam.ReturnType {
	s := lookup(handle)
	result := C.pam_end(s.pamh, C.int(status))
	C.free(unsafe.Pointer(s.cc))
	s.self.Delete()
	return pam.ReturnType(result)
}

// Authenticate runs the stack; conversation rounds re-enter through
// shimConvGo while this call is blocked inside the library.
func (b *Backend) Authenticate(handle uint64, flags pam.Flags) server.AuthResult {
	s := lookup(handle)
	s.delayRetval, s.delayUsec = 0, 0
	status := C.pam_authenticate(s.pamh, C.int(flags))
	res := server.AuthResult{
		Status:      pam.ReturnType(status),
		DelayRetval: pam.ReturnType(s.delayRetval),
		DelayUsec:   s.delayUsec,
	}
	s.delayRetval, s.delayUsec = 0, 0
	return res
}

func (b *Backend) SetCred(handle uint64, flags pam.Flags) pam.ReturnType {
	return pam.ReturnType(C.pam_setcred(lookup(handle).pamh, C.int(flags)))
}

func (b *Backend) AcctMgmt(handle uint64, flags pam.Flags) pam.ReturnType {
	return pam.ReturnType(C.pam_acct_mgmt(lookup(handle).pamh, C.int(flags)))
}

func (b *Backend) OpenSession(handle uint64, flags pam.Flags) pam.ReturnType {
	return pam.ReturnType(C.pam_open_session(lookup(handle).pamh, C.int(flags)))
}

func (b *Backend) CloseSession(handle uint64, flags pam.Flags) pam.ReturnType {
	return pam.ReturnType(C.pam_close_session(lookup(handle).pamh, C.int(flags)))
}

func (b *Backend) ChangeAuthTok(handle uint64, flags pam.Flags) pam.ReturnType {
	return pam.ReturnType(C.pam_chauthtok(lookup(handle).pamh, C.int(flags)))
}

func (b *Backend) FailDelay(handle uint64, usec uint32) pam.ReturnType {
	return pam.ReturnType(C.pam_fail_delay(lookup(handle).pamh, C.uint(usec)))
}

// SetItem forwards a transmitted item to the native session. The local-only
// items never reach the server, so only the text class and XAuthData occur.
func (b *Backend) SetItem(handle uint64, itemType int32, item msg.ItemValue) pam.ReturnType {
	s := lookup(handle)
	switch {
	case item.XAuth != nil:
		var x C.struct_pam_xauth_data
		x.namelen = C.int(item.XAuth.NameLen)
		x.datalen = C.int(item.XAuth.DataLen)
		if item.XAuth.Name != nil {
			x.name = C.CString(*item.XAuth.Name)
			defer C.free(unsafe.Pointer(x.name))
		}
		if item.XAuth.Data != nil {
			x.data = C.CString(*item.XAuth.Data)
			defer C.free(unsafe.Pointer(x.data))
		}
		return pam.ReturnType(C.pam_set_item(s.pamh, C.int(itemType), unsafe.Pointer(&x)))
	case item.Text != nil:
		text := C.CString(*item.Text)
		defer C.free(unsafe.Pointer(text))
		return pam.ReturnType(C.pam_set_item(s.pamh, C.int(itemType), unsafe.Pointer(text)))
	default:
		return pam.ReturnType(C.pam_set_item(s.pamh, C.int(itemType), nil))
	}
}

// GetItem copies the native item value into Go memory before returning, so
// the library's "valid until end" pointers never escape this package.
func (b *Backend) GetItem(handle uint64, itemType int32) (msg.ItemValue, pam.ReturnType) {
	s := lookup(handle)
	var p unsafe.Pointer
	status := C.pam_get_item(s.pamh, C.int(itemType), &p)
	if status != C.PAM_SUCCESS || p == nil {
		return msg.ItemValue{}, pam.ReturnType(status)
	}

	if itemType == msg.ItemXAuthData {
		x := (*C.struct_pam_xauth_data)(p)
		value := msg.XAuthData{NameLen: int32(x.namelen), DataLen: int32(x.datalen)}
		if x.name != nil {
			name := C.GoStringN(x.name, x.namelen)
			value.Name = &name
		}
		if x.data != nil {
			data := C.GoStringN(x.data, x.datalen)
			value.Data = &data
		}
		return msg.ItemValue{XAuth: &value}, pam.Success
	}

	text := C.GoString((*C.char)(p))
	return msg.ItemValue{Text: &text}, pam.Success
}

func (b *Backend) PutEnv(handle uint64, nameval string) pam.ReturnType {
	cs := C.CString(nameval)
	defer C.free(unsafe.Pointer(cs))
	return pam.ReturnType(C.pam_putenv(lookup(handle).pamh, cs))
}

func (b *Backend) GetEnv(handle uint64, name string) *string {
	cs := C.CString(name)
	defer C.free(unsafe.Pointer(cs))
	value := C.pam_getenv(lookup(handle).pamh, cs)
	if value == nil {
		return nil
	}
	text := C.GoString(value)
	return &text
}

func next(p **C.char) **C.char {
	return (**C.char)(unsafe.Pointer(uintptr(unsafe.Pointer(p)) + unsafe.Sizeof(p)))
}

// GetEnvList copies the environment and frees the native array: the caller
// owns the result, the library's allocation does not outlive this call.
func (b *Backend) GetEnvList(handle uint64) []string {
	p := C.pam_getenvlist(lookup(handle).pamh)
	if p == nil {
		return nil
	}
	var env []string
	for q := p; *q != nil; q = next(q) {
		env = append(env, C.GoString(*q))
		C.free(unsafe.Pointer(*q))
	}
	C.free(unsafe.Pointer(p))
	return env
}

func (b *Backend) Strerror(handle uint64, errnum int32) *string {
	text := C.GoString(C.pam_strerror(lookup(handle).pamh, C.int(errnum)))
	return &text
}

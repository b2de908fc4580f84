package server

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/marmos91/pamshim/internal/protocol/wire"
)

// Stdio prepares the binary's descriptors for protocol traffic: the
// inherited stdout is duplicated onto a private descriptor for responses,
// then stdout itself is re-pointed at stderr. Anything the wrapped library
// prints afterwards lands in the parent's stderr instead of corrupting the
// protocol stream. Stdin stays the inbound channel.
//
// Must run before any dispatch, and before anything else writes to stdout.
func Stdio() (in, out *wire.Stream, err error) {
	ipcOut, err := unix.Dup(int(os.Stdout.Fd()))
	if err != nil {
		return nil, nil, fmt.Errorf("dup stdout: %w", err)
	}
	if err := unix.Dup3(int(os.Stderr.Fd()), int(os.Stdout.Fd()), 0); err != nil {
		unix.Close(ipcOut)
		return nil, nil, fmt.Errorf("redirect stdout to stderr: %w", err)
	}
	in = wire.NewStream(os.Stdin)
	out = wire.NewStream(os.NewFile(uintptr(ipcOut), "ipc"))
	return in, out, nil
}

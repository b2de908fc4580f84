package logger

import "golang.org/x/sys/unix"

// isTerminal reports whether the descriptor is a terminal, gating color
// output. The shim is Unix-only, like the API it fronts.
func isTerminal(fd uintptr) bool {
	_, err := unix.IoctlGetTermios(int(fd), unix.TCGETS)
	return err == nil
}

package pam

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/marmos91/pamshim/internal/protocol/msg"
	"github.com/marmos91/pamshim/internal/protocol/wire"
)

// ServerEnv names the environment variable holding the path (or a
// PATH-resolvable name) of the server binary.
const ServerEnv = "PAM_SHIM_SERVER"

// defaultServer is the binary looked up on PATH when ServerEnv is unset.
const defaultServer = "pam_shim_server"

// remote is one server child and the pipe pair connecting it to the
// session. The child reads requests on its stdin and writes responses on
// (an inherited duplicate of) its stdout; its stderr is shared with the
// parent for diagnostics.
type remote struct {
	cmd *exec.Cmd
	in  *wire.Stream // parent write end, child stdin
	out *wire.Stream // parent read end, child stdout
}

// spawn starts the server child and wires the two pipes over its stdio.
// The child-side ends are closed in the parent once the child is running.
func (r *remote) spawn() error {
	serverPath := os.Getenv(ServerEnv)
	if serverPath == "" {
		serverPath = defaultServer
	}

	inR, inW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("pam: stdin pipe: %w", err)
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		inR.Close()
		inW.Close()
		return fmt.Errorf("pam: stdout pipe: %w", err)
	}

	cmd := exec.Command(serverPath)
	cmd.Stdin = inR
	cmd.Stdout = outW
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		inR.Close()
		inW.Close()
		outR.Close()
		outW.Close()
		return fmt.Errorf("pam: spawn %s: %w", serverPath, err)
	}
	inR.Close()
	outW.Close()

	r.cmd = cmd
	r.in = wire.NewStream(inW)
	r.out = wire.NewStream(outR)
	return nil
}

// send writes one request and flushes it.
func (r *remote) send(req msg.Request) error {
	return msg.WriteRequest(r.in, req)
}

// receive blocks for one response.
func (r *remote) receive() (msg.Response, error) {
	return msg.ReadResponse(r.out)
}

// close tears the remote down: both pipe ends are closed, which makes the
// child's next read fail and its loop exit, then the child is reaped. The
// returned error reports a child that did not exit cleanly; teardown itself
// always completes.
func (r *remote) close() error {
	if r.in != nil {
		r.in.Close()
		r.in = nil
	}
	if r.out != nil {
		r.out.Close()
		r.out = nil
	}
	if r.cmd == nil {
		return fmt.Errorf("pam: remote already closed")
	}
	err := r.cmd.Wait()
	r.cmd = nil
	if err != nil {
		return fmt.Errorf("pam: server exit: %w", err)
	}
	return nil
}

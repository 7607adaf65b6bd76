//go:build !windows

// Package pty wraps a child process running under a Unix pseudo-terminal.
// The child is started as a session leader with the pty slave as its
// controlling terminal, so signals and window-size changes reach the whole
// process group.
package pty

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// ReadChunkSize is the maximum number of bytes returned by a single ReadChunk.
const ReadChunkSize = 32 * 1024

// eofChar is the VEOF control character (Ctrl-D) understood by the line
// discipline in canonical mode.
const eofChar = 0x04

// CommandSpec describes the child process to start.
type CommandSpec struct {
	Path string   // executable name or path, resolved via $PATH
	Args []string // arguments, not including Path
	Dir  string   // working directory; empty inherits the parent's
	Env  []string // full environment; nil inherits the parent's
}

// Process is a running child attached to a pty master.
// All methods are safe for concurrent use.
type Process struct {
	cmd  *exec.Cmd
	ptmx *os.File

	mu       sync.Mutex
	closed   bool
	exitCode *int

	waitDone chan struct{} // closed when cmd.Wait has returned
}

// Start launches the command under a new pty with the given dimensions.
func Start(spec CommandSpec, cols, rows uint16) (*Process, error) {
	if spec.Path == "" {
		return nil, fmt.Errorf("pty: command path is required")
	}
	if cols == 0 {
		cols = 120
	}
	if rows == 0 {
		rows = 40
	}

	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env

	// pty.StartWithSize sets Setsid and Setctty, making the child a session
	// leader with the slave as controlling terminal (pgid == pid).
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return nil, fmt.Errorf("pty: failed to start %s: %w", spec.Path, err)
	}

	p := &Process{
		cmd:      cmd,
		ptmx:     ptmx,
		waitDone: make(chan struct{}),
	}
	go p.wait()
	return p, nil
}

// wait reaps the child and records its exit code. cmd.Wait is intentionally
// unbounded: reaping must happen to avoid zombies, and stuck processes are
// handled by Close escalating to SIGKILL.
func (p *Process) wait() {
	defer close(p.waitDone)

	code := 0
	err := p.cmd.Wait()
	if err != nil {
		code = 1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
				if ws.Signaled() {
					code = 128 + int(ws.Signal())
				} else {
					code = ws.ExitStatus()
				}
			}
		}
	}

	p.mu.Lock()
	p.exitCode = &code
	p.mu.Unlock()
}

// Pid returns the child's process id.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Write sends data to the child's stdin through the pty master.
func (p *Process) Write(data []byte) (int, error) {
	master := p.master()
	if master == nil {
		return 0, fmt.Errorf("pty: process closed")
	}
	return master.Write(data)
}

// WriteEOF writes the VEOF character so the line discipline delivers
// end-of-file to the child's next read.
func (p *Process) WriteEOF() error {
	_, err := p.Write([]byte{eofChar})
	return err
}

// ReadChunk reads the next chunk of output from the pty master, at most
// ReadChunkSize bytes. The returned slice is freshly allocated and owned by
// the caller. After the child exits the master read fails with EIO, which is
// reported as io.EOF.
func (p *Process) ReadChunk() ([]byte, error) {
	master := p.master()
	if master == nil {
		return nil, io.EOF
	}

	buf := make([]byte, ReadChunkSize)
	n, err := master.Read(buf)
	if n > 0 {
		chunk := make([]byte, n)
		copy(chunk, buf[:n])
		return chunk, nil
	}
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, fs.ErrClosed) || errors.Is(err, syscall.EIO) {
			return nil, io.EOF
		}
		return nil, err
	}
	return nil, nil
}

// Resize updates the pty window size and notifies the foreground process
// group with SIGWINCH.
func (p *Process) Resize(rows, cols uint16) error {
	master := p.master()
	if master == nil {
		return fmt.Errorf("pty: process closed")
	}
	if err := pty.Setsize(master, &pty.Winsize{Rows: rows, Cols: cols}); err != nil {
		return fmt.Errorf("pty: resize failed: %w", err)
	}
	// Negative pid targets the whole process group.
	_ = syscall.Kill(-p.Pid(), syscall.SIGWINCH)
	return nil
}

// Signal delivers sig to the child's process group.
func (p *Process) Signal(sig syscall.Signal) error {
	select {
	case <-p.waitDone:
		return fmt.Errorf("pty: process already exited")
	default:
	}
	return syscall.Kill(-p.Pid(), sig)
}

// Done returns a channel closed once the child has been reaped.
func (p *Process) Done() <-chan struct{} {
	return p.waitDone
}

// ExitCode returns the child's exit code, or nil while it is still running.
// Children killed by a signal report 128+signal.
func (p *Process) ExitCode() *int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

// Close shuts the child down: SIGTERM to the process group, a bounded grace
// period, then SIGKILL. The pty master is closed afterwards. Returns the exit
// code, or nil if the child had to be force-killed and still did not get
// reaped within a second.
func (p *Process) Close(grace time.Duration) (*int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.waitDone
		return p.ExitCode(), nil
	}
	p.closed = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		master := p.ptmx
		p.ptmx = nil
		p.mu.Unlock()
		if master != nil {
			_ = master.Close()
		}
	}()

	select {
	case <-p.waitDone:
		return p.ExitCode(), nil
	default:
	}

	_ = syscall.Kill(-p.Pid(), syscall.SIGTERM)

	select {
	case <-p.waitDone:
		return p.ExitCode(), nil
	case <-time.After(grace):
	}

	_ = syscall.Kill(-p.Pid(), syscall.SIGKILL)

	select {
	case <-p.waitDone:
		return p.ExitCode(), nil
	case <-time.After(time.Second):
		return nil, fmt.Errorf("pty: process %d did not exit after SIGKILL", p.Pid())
	}
}

func (p *Process) master() *os.File {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ptmx
}

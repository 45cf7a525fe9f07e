package session

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// DirectPTYBackend runs a child directly inside Tower, attached to a PTY
// held by this process. It is the graceful-degradation path used when a
// sidecar fails to spawn and the session's role allows degraded mode,
// adapted directly from terminal/terminal.go (which always worked this way).
type DirectPTYBackend struct {
	ptmx *os.File
	cmd  *exec.Cmd

	mu     sync.Mutex
	closed bool

	exitCh   chan ExitEvent
	exitOnce sync.Once
}

// NewDirectPTYBackend starts cmd attached to a freshly opened PTY.
func NewDirectPTYBackend(command string, args []string, cwd string, env map[string]string, cols, rows int) (*DirectPTYBackend, error) {
	if command == "" {
		command = os.Getenv("SHELL")
		if command == "" {
			command = "/bin/sh"
		}
	}
	cmd := exec.Command(command, args...)
	if cwd != "" {
		cmd.Dir = cwd
	}
	cmd.Env = buildEnv(env)

	usePgrp := runtime.GOOS == "linux"
	if usePgrp {
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	if err != nil {
		return nil, fmt.Errorf("session: start direct-pty backend: %w", err)
	}

	b := &DirectPTYBackend{ptmx: ptmx, cmd: cmd, exitCh: make(chan ExitEvent, 1)}
	go b.watch()
	return b, nil
}

func (b *DirectPTYBackend) watch() {
	err := b.cmd.Wait()
	var code *int
	var sig *string
	if exitErr, ok := err.(*exec.ExitError); ok {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			name := ws.Signal().String()
			sig = &name
		} else {
			ec := exitErr.ExitCode()
			code = &ec
		}
	} else if err == nil {
		zero := 0
		code = &zero
	}
	b.exitOnce.Do(func() {
		b.exitCh <- ExitEvent{Code: code, Signal: sig}
	})
}

func (b *DirectPTYBackend) Read(p []byte) (int, error) {
	return b.ptmx.Read(p)
}

func (b *DirectPTYBackend) Write(p []byte) (int, error) {
	return b.ptmx.Write(p)
}

func (b *DirectPTYBackend) Resize(cols, rows int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("session: direct-pty backend closed")
	}
	return pty.Setsize(b.ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

// Signal supports only "interrupt" for a direct-PTY backend; anything else
// (terminate/kill/hangup/window-change) goes through Kill or Resize instead
// and is rejected here as unsupported.
func (b *DirectPTYBackend) Signal(name string) error {
	if name != "interrupt" {
		return ErrUnsupported
	}
	if b.cmd.Process == nil {
		return fmt.Errorf("session: no running process")
	}
	pid := b.cmd.Process.Pid
	if runtime.GOOS == "linux" {
		return syscall.Kill(-pid, syscall.SIGINT)
	}
	return b.cmd.Process.Signal(syscall.SIGINT)
}

// Spawn is never supported for a direct-PTY backend: there is no sidecar to
// replace a child inside of, so a dead direct-PTY session is simply dead.
func (b *DirectPTYBackend) Spawn(SpawnSpec) error {
	return ErrUnsupported
}

func (b *DirectPTYBackend) Kill(grace time.Duration) error {
	if b.cmd.Process == nil {
		return nil
	}
	pid := b.cmd.Process.Pid
	killGroup := runtime.GOOS == "linux"

	if killGroup {
		syscall.Kill(-pid, syscall.SIGTERM)
	} else {
		b.cmd.Process.Signal(syscall.SIGTERM)
	}
	select {
	case <-b.exitCh:
		return nil
	case <-time.After(grace):
	}
	if killGroup {
		return syscall.Kill(-pid, syscall.SIGKILL)
	}
	return b.cmd.Process.Kill()
}

func (b *DirectPTYBackend) Exit() <-chan ExitEvent { return b.exitCh }

// ShutdownPreserve is always false: a direct-PTY child is owned by this
// Tower process and does not survive its exit.
func (b *DirectPTYBackend) ShutdownPreserve() bool { return false }

func (b *DirectPTYBackend) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return b.ptmx.Close()
}

func buildEnv(overrides map[string]string) []string {
	systemEnv := os.Environ()
	overridden := make(map[string]bool, len(overrides))
	for k := range overrides {
		overridden[k] = true
	}
	final := make([]string, 0, len(systemEnv)+len(overrides)+1)
	for _, kv := range systemEnv {
		idx := -1
		for i, r := range kv {
			if r == '=' {
				idx = i
				break
			}
		}
		if idx > 0 && !overridden[kv[:idx]] {
			final = append(final, kv)
		}
	}
	for k, v := range overrides {
		final = append(final, k+"="+v)
	}
	if _, ok := overrides["TERM"]; !ok {
		final = append(final, "TERM=xterm-256color")
	}
	return final
}

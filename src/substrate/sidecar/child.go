package sidecar

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"syscall"

	"github.com/creack/pty"

	"github.com/towerterm/tower/src/substrate/procinfo"
)

// SpawnParams are the parameters needed to (re)launch a child process inside
// a sidecar, carried in both the initial exec and any later SPAWN frame.
type SpawnParams struct {
	Cmd  string
	Args []string
	Cwd  string
	Env  map[string]string
}

// child owns the PTY master/slave pair and the currently running process
// attached to it. The PTY pair is opened once with pty.Open and outlives any
// single child process, which is what makes SPAWN possible without losing
// the PTY (and therefore the socket's effective identity) the way
// pty.StartWithSize would if a new child needed a new pair each time.
type child struct {
	mu sync.Mutex

	master *os.File
	slave  *os.File

	cmd       *exec.Cmd
	pid       int
	startTime string
	exited    bool

	cols, rows int

	exitCh chan exitResult
	// genCh is closed each time spawn() starts a new generation, waking any
	// goroutine blocked waiting to observe the next spawn (see watchExit in
	// server.go, which must re-arm on the new exitCh after an EXIT).
	genCh chan struct{}
}

// exitResult is delivered once when the running child terminates.
type exitResult struct {
	code   *int
	signal *string
}

func newChild(cols, rows int) (*child, error) {
	master, slave, err := pty.Open()
	if err != nil {
		return nil, fmt.Errorf("sidecar: open pty: %w", err)
	}
	if err := pty.Setsize(master, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)}); err != nil {
		master.Close()
		slave.Close()
		return nil, fmt.Errorf("sidecar: set initial size: %w", err)
	}
	return &child{master: master, slave: slave, cols: cols, rows: rows, genCh: make(chan struct{})}, nil
}

// spawn launches params attached to the existing PTY slave. It must only be
// called when no process is currently running (initial launch, or after an
// EXIT has been observed and a SPAWN frame arrives).
func (c *child) spawn(params SpawnParams) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cmd != nil && !c.exited {
		return fmt.Errorf("sidecar: spawn requested while child is still running")
	}

	shell := params.Cmd
	if shell == "" {
		shell = os.Getenv("SHELL")
		if shell == "" {
			shell = "/bin/sh"
		}
	}

	cmd := exec.Command(shell, params.Args...)
	if params.Cwd != "" {
		cmd.Dir = params.Cwd
	}
	cmd.Env = buildEnv(params.Env)
	cmd.Stdin = c.slave
	cmd.Stdout = c.slave
	cmd.Stderr = c.slave

	usePgrp := runtime.GOOS == "linux"
	if usePgrp {
		cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true, Setctty: true}
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("sidecar: start child: %w", err)
	}

	startTime, err := procinfo.StartTime(cmd.Process.Pid)
	if err != nil {
		// Non-Linux or /proc unavailable: identity defense degrades but the
		// child still runs; record an empty start time rather than failing.
		startTime = ""
	}

	c.cmd = cmd
	c.pid = cmd.Process.Pid
	c.startTime = startTime
	c.exited = false
	c.exitCh = make(chan exitResult, 1)

	oldGen := c.genCh
	c.genCh = make(chan struct{})
	close(oldGen)

	go c.wait()
	return nil
}

// waitNextGeneration returns a channel closed the next time spawn() starts a
// new generation (i.e. the next SPAWN after an exit). Used by watchExit to
// re-arm itself on the replacement child's exitCh.
func (c *child) waitNextGeneration() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.genCh
}

func (c *child) wait() {
	cmd := c.cmd
	err := cmd.Wait()

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
	} else {
		unknown := -1
		code = &unknown
	}

	c.mu.Lock()
	c.exited = true
	ch := c.exitCh
	c.mu.Unlock()

	ch <- exitResult{code: code, signal: sig}
}

// done returns the channel that receives exactly one exitResult when the
// current child terminates. Call only while holding a reference taken under
// the same spawn generation (snapshot exitCh right after spawn/resize/etc).
func (c *child) done() <-chan exitResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exitCh
}

func (c *child) isRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cmd != nil && !c.exited
}

func (c *child) identity() (pid int, startTime string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pid, c.startTime
}

func (c *child) resize(cols, rows int) error {
	c.mu.Lock()
	c.cols, c.rows = cols, rows
	c.mu.Unlock()
	return pty.Setsize(c.master, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

func (c *child) dimensions() (cols, rows int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cols, c.rows
}

func (c *child) write(p []byte) (int, error) {
	return c.master.Write(p)
}

func (c *child) read(p []byte) (int, error) {
	return c.master.Read(p)
}

// signal delivers a named signal (already validated against the allow-list
// by the caller) to the child's process group.
func (c *child) signal(name string) error {
	c.mu.Lock()
	cmd := c.cmd
	exited := c.exited
	c.mu.Unlock()
	if cmd == nil || cmd.Process == nil || exited {
		return fmt.Errorf("sidecar: no running child to signal")
	}

	sig, ok := signalFor(name)
	if !ok {
		return fmt.Errorf("sidecar: unsupported signal %q", name)
	}

	pid := cmd.Process.Pid
	if runtime.GOOS == "linux" {
		return syscall.Kill(-pid, sig)
	}
	return cmd.Process.Signal(sig)
}

func signalFor(name string) (syscall.Signal, bool) {
	switch name {
	case "interrupt":
		return syscall.SIGINT, true
	case "terminate":
		return syscall.SIGTERM, true
	case "kill":
		return syscall.SIGKILL, true
	case "hangup":
		return syscall.SIGHUP, true
	case "window-change":
		return syscall.SIGWINCH, true
	default:
		return 0, false
	}
}

// close tears down the PTY pair and, if a child is still running, kills it.
func (c *child) close() {
	c.mu.Lock()
	cmd := c.cmd
	exited := c.exited
	c.mu.Unlock()

	if cmd != nil && cmd.Process != nil && !exited {
		pid := cmd.Process.Pid
		if runtime.GOOS == "linux" {
			syscall.Kill(-pid, syscall.SIGKILL)
		} else {
			cmd.Process.Kill()
		}
		cmd.Wait()
	}

	c.master.Close()
	c.slave.Close()
}

func buildEnv(overrides map[string]string) []string {
	systemEnv := os.Environ()
	overridden := make(map[string]bool, len(overrides))
	for k := range overrides {
		overridden[k] = true
	}

	final := make([]string, 0, len(systemEnv)+len(overrides)+2)
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

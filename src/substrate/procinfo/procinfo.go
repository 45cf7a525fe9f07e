// Package procinfo reads process liveness and identity facts from /proc, the
// way process/state.go does for its own adopt/verify flow.
// The substrate uses the process start time (not just the pid) to defend
// against pid reuse across reconnects: a pid alone is reused by the OS
// quickly enough that "pid is alive" is not sufficient evidence that it is
// the same process the registry remembers.
package procinfo

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// IsAlive reports whether pid identifies a running, non-zombie process.
// Mirrors isProcessRunning: a kill(pid, 0) existence check
// plus a zombie-state check via /proc/<pid>/stat, since a zombie "exists"
// but is not meaningfully running.
func IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if err := syscall.Kill(pid, 0); err != nil {
		return false
	}
	state, err := statState(pid)
	if err != nil {
		return false
	}
	return state != 'Z' && state != 'X'
}

// StartTime returns the process start-time field (field 22) from
// /proc/<pid>/stat, formatted as a decimal string. This value is stable for
// the lifetime of a pid and changes whenever the kernel reuses the pid for a
// new process, which makes it a cheap identity token: a reconnect that finds
// a live pid but a different start time has met a reused pid, not the
// process it expected.
func StartTime(pid int) (string, error) {
	if pid <= 0 {
		return "", fmt.Errorf("procinfo: invalid pid %d", pid)
	}
	fields, err := statFields(pid)
	if err != nil {
		return "", err
	}
	const startTimeField = 22 // 1-indexed per proc(5): fields after comm start at 3
	if len(fields) < startTimeField {
		return "", fmt.Errorf("procinfo: /proc/%d/stat has too few fields", pid)
	}
	return fields[startTimeField-1], nil
}

// SameProcess reports whether pid is currently alive and its start time
// matches wantStartTime. Use this, not IsAlive alone, whenever a descriptor
// persisted across a Tower restart is being adopted back.
func SameProcess(pid int, wantStartTime string) bool {
	if !IsAlive(pid) {
		return false
	}
	got, err := StartTime(pid)
	if err != nil {
		return false
	}
	return got == wantStartTime
}

// statState returns the single-character process state field (the third
// whitespace-delimited field, found after the closing paren of the comm
// field since comm itself may contain spaces or parens).
func statState(pid int) (byte, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0, err
	}
	s := string(data)
	closeParen := strings.LastIndex(s, ")")
	if closeParen == -1 || closeParen+2 >= len(s) {
		return 0, fmt.Errorf("procinfo: malformed stat for pid %d", pid)
	}
	return s[closeParen+2], nil
}

// statFields splits /proc/<pid>/stat into its whitespace-delimited fields,
// treating everything up to and including the comm field's closing paren as
// fields 1-2 (comm may itself contain spaces, so it cannot be split naively).
func statFields(pid int) ([]string, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return nil, fmt.Errorf("procinfo: read stat: %w", err)
	}
	s := string(data)
	closeParen := strings.LastIndex(s, ")")
	if closeParen == -1 || closeParen+2 > len(s) {
		return nil, fmt.Errorf("procinfo: malformed stat for pid %d", pid)
	}
	rest := strings.Fields(s[closeParen+1:])
	// Field 1 (pid) and field 2 (comm) collapse to two placeholder entries so
	// that rest[i] lines up with proc(5)'s 1-indexed field numbers via
	// fields[field-1].
	fields := append([]string{"", ""}, rest...)
	return fields, nil
}

// VerifyCommand checks that the running process's cmdline plausibly matches
// expectedCommand, mirroring verifyProcessCommand. Used only
// as a secondary sanity check during adoption; SameProcess (pid + start
// time) is the primary defense.
func VerifyCommand(pid int, expectedCommand string) bool {
	if pid <= 0 || expectedCommand == "" {
		return false
	}
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err != nil {
		return true
	}
	actual := strings.TrimSpace(strings.ReplaceAll(string(data), "\x00", " "))
	return strings.Contains(actual, expectedCommand)
}

// ReapIfZombie attempts a non-blocking wait on pid to collect its exit
// status if it is our child and has exited. Returns the exit code and true
// if a zombie was reaped, otherwise (0, false).
func ReapIfZombie(pid int) (int, bool) {
	if pid <= 0 {
		return 0, false
	}
	var ws syscall.WaitStatus
	wpid, err := syscall.Wait4(pid, &ws, syscall.WNOHANG, nil)
	if err != nil || wpid != pid {
		return 0, false
	}
	switch {
	case ws.Exited():
		return ws.ExitStatus(), true
	case ws.Signaled():
		return 128 + int(ws.Signal()), true
	default:
		return 0, true
	}
}

// ParsePid parses a decimal pid string, returning an error for anything
// non-positive or malformed. Surrounding whitespace is ignored.
func ParsePid(s string) (int, error) {
	pid, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("procinfo: invalid pid %q: %w", s, err)
	}
	if pid <= 0 {
		return 0, fmt.Errorf("procinfo: non-positive pid %q", s)
	}
	return pid, nil
}

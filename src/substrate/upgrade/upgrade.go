// Package upgrade implements zero-downtime Tower binary upgrades: trigger,
// download, validate, then hand off the listening socket to the new binary
// with cloudflare/tableflip instead of execing into it. The trigger →
// validate → swap shape is grounded in process/state.go's
// TriggerUpgrade/upgradeWithNewBinary; sidecars are unaffected either way
// since they are already detached from Tower's process lifetime.
package upgrade

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cloudflare/tableflip"
	"github.com/sirupsen/logrus"
)

// State mirrors the original UpgradeState enum.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Status mirrors the original UpgradeStatus, trimmed to what a
// tableflip-based upgrade still needs to report.
type Status struct {
	State       State
	Step        string
	Version     string
	LastAttempt time.Time
	Error       string
	BinaryPath  string
}

// Upgrader owns the tableflip.Upgrader for one listening socket and the
// most recent upgrade attempt's status.
type Upgrader struct {
	upg *tableflip.Upgrader
	log *logrus.Entry

	statusMu sync.RWMutex
	status   Status
}

// New wraps tableflip.New with Tower's PID-file convention (next to the
// socket directory so an operator can signal the right process).
func New(pidFile string) (*Upgrader, error) {
	upg, err := tableflip.New(tableflip.Options{PIDFile: pidFile})
	if err != nil {
		return nil, fmt.Errorf("upgrade: tableflip.New: %w", err)
	}
	return &Upgrader{
		upg:    upg,
		log:    logrus.WithField("component", "upgrade"),
		status: Status{State: StateIdle, Step: "none"},
	}, nil
}

// Listen must be called before Ready, per tableflip's contract; it either
// opens a fresh listener (first start) or inherits the fd handed off by
// the previous generation (post-upgrade).
func (u *Upgrader) Listen(network, addr string) (net.Listener, error) {
	return u.upg.Listen(network, addr)
}

// Ready signals that this generation has finished setting up and the
// previous generation may now stop accepting new connections.
func (u *Upgrader) Ready() error {
	return u.upg.Ready()
}

// Exit returns a channel closed when this generation should wind down
// (either superseded by a newer one, or on upgrade-process termination).
func (u *Upgrader) Exit() <-chan struct{} {
	return u.upg.Exit()
}

// Stop releases tableflip's resources; call via defer after New.
func (u *Upgrader) Stop() {
	u.upg.Stop()
}

func (u *Upgrader) setStatus(s Status) {
	s.LastAttempt = time.Now()
	u.statusMu.Lock()
	u.status = s
	u.statusMu.Unlock()
}

// Status returns the most recent upgrade attempt's status.
func (u *Upgrader) Status() Status {
	u.statusMu.RLock()
	defer u.statusMu.RUnlock()
	return u.status
}

// Trigger downloads binaryURL, validates it, replaces the on-disk binary,
// and calls tableflip.Upgrade to hand off the listening socket. It never
// execs directly: tableflip's parent/child handshake over the inherited
// fd replaces a raw syscall.Exec.
func (u *Upgrader) Trigger(version, binaryURL string) {
	status := Status{State: StateRunning, Step: "starting", Version: version}
	u.setStatus(status)

	status.Step = "download"
	u.setStatus(status)
	newPath, err := downloadBinary(binaryURL)
	if err != nil {
		status.State, status.Step, status.Error = StateFailed, "download", err.Error()
		u.setStatus(status)
		u.log.WithError(err).Error("upgrade: download failed")
		return
	}
	status.BinaryPath = newPath

	status.Step = "validate"
	u.setStatus(status)
	if err := validateBinary(newPath); err != nil {
		status.State, status.Step, status.Error = StateFailed, "validate", err.Error()
		u.setStatus(status)
		u.log.WithError(err).Error("upgrade: validation failed, aborting")
		os.Remove(newPath)
		return
	}

	status.Step = "replace"
	u.setStatus(status)
	if err := replaceBinary(newPath); err != nil {
		status.State, status.Step, status.Error = StateFailed, "replace", err.Error()
		u.setStatus(status)
		u.log.WithError(err).Error("upgrade: replace failed")
		return
	}

	status.State, status.Step = StateCompleted, "completed"
	u.setStatus(status)

	if err := u.upg.Upgrade(); err != nil {
		status.State, status.Error = StateFailed, err.Error()
		u.setStatus(status)
		u.log.WithError(err).Error("upgrade: tableflip Upgrade failed")
	}
}

// downloadBinary fetches url to a temp file, returning its path.
func downloadBinary(url string) (string, error) {
	resp, err := http.Get(url)
	if err != nil {
		return "", fmt.Errorf("upgrade: download %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("upgrade: download %s: status %d", url, resp.StatusCode)
	}

	f, err := os.CreateTemp("", "tower-upgrade-*")
	if err != nil {
		return "", fmt.Errorf("upgrade: create temp file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, resp.Body); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("upgrade: write downloaded binary: %w", err)
	}
	if err := os.Chmod(f.Name(), 0o755); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("upgrade: chmod downloaded binary: %w", err)
	}
	return f.Name(), nil
}

// elfMagic is the four leading bytes of a Linux ELF executable.
var elfMagic = []byte{0x7f, 'E', 'L', 'F'}

// validateBinary confirms the downloaded file at least looks like an
// executable for this platform before any attempt to run it, the same
// sanity check validateBinaryFormat performs.
func validateBinary(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("upgrade: stat %s: %w", path, err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("upgrade: %s is empty", path)
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("upgrade: open %s: %w", path, err)
	}
	defer f.Close()

	header := make([]byte, 4)
	if _, err := io.ReadFull(f, header); err != nil {
		return fmt.Errorf("upgrade: read header of %s: %w", path, err)
	}
	for i, b := range elfMagic {
		if header[i] != b {
			return fmt.Errorf("upgrade: %s does not look like an ELF executable", path)
		}
	}
	return nil
}

// replaceBinary moves newPath onto the currently running executable's
// path. Overwriting a running binary is safe on Linux (the kernel keeps
// serving the old inode to already-mapped processes); the new file is
// what the next `Upgrade`-spawned child execs.
func replaceBinary(newPath string) error {
	currentExe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("upgrade: resolve current executable: %w", err)
	}
	currentExe, err = filepath.EvalSymlinks(currentExe)
	if err != nil {
		return fmt.Errorf("upgrade: resolve symlinks for %s: %w", currentExe, err)
	}

	if err := os.Rename(newPath, currentExe); err != nil {
		if copyErr := copyFile(newPath, currentExe); copyErr != nil {
			os.Remove(newPath)
			return fmt.Errorf("upgrade: replace %s: rename failed (%v), copy failed: %w", currentExe, err, copyErr)
		}
		os.Remove(newPath)
	}
	return os.Chmod(currentExe, 0o755)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

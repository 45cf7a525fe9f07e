// Package manager implements the SessionManager/Reconciler: session
// lifecycle, bounded-concurrency reconnection at startup, periodic
// stale-socket sweeping, and supervised auto-restart. It is the component
// that turns sidecar durability into restart survival, grounded in
// session_manager.go's ManagedSession tracking (which was in-memory only)
// generalized to a registry-backed world where the Tower process itself
// may restart.
package manager

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/towerterm/tower/src/lib"
	"github.com/towerterm/tower/src/substrate/errs"
	"github.com/towerterm/tower/src/substrate/procinfo"
	"github.com/towerterm/tower/src/substrate/registry"
	"github.com/towerterm/tower/src/substrate/session"
	"github.com/towerterm/tower/src/substrate/sidecar"
)

// Config holds everything the manager needs that is not discovered at
// runtime.
type Config struct {
	SocketDir        string
	SessionRingLines int
	SidecarRingLines int
	// DegradedRoles lists roles allowed to fall back to a direct-PTY
	// session when sidecar spawn fails.
	DegradedRoles map[registry.Role]bool
	// SweepInterval must be >= 1s; typical value is 60s.
	SweepInterval time.Duration
	// SpawnTimeout bounds how long create_session waits for the
	// sidecar's startup line.
	SpawnTimeout time.Duration
	// ConnectTimeout bounds HELLO/WELCOME during dial.
	ConnectTimeout time.Duration
	// KillGrace bounds terminate-then-kill waits.
	KillGrace time.Duration

	// Supervision defaults.
	MaxRestarts    int
	RestartBackoff time.Duration
	ResetWindow    time.Duration

	// ReconcileConcurrency bounds parallel reconnect_session calls.
	ReconcileConcurrency int

	SidecarBinary string
}

// DefaultConfig returns the documented defaults for every tunable.
func DefaultConfig(socketDir string) Config {
	return Config{
		SocketDir:            socketDir,
		SessionRingLines:     200,
		SidecarRingLines:     2000,
		DegradedRoles:        map[registry.Role]bool{registry.RoleShell: true, registry.RoleUtility: true},
		SweepInterval:        60 * time.Second,
		SpawnTimeout:         5 * time.Second,
		ConnectTimeout:       3 * time.Second,
		KillGrace:            5 * time.Second,
		MaxRestarts:          50,
		RestartBackoff:       2 * time.Second,
		ResetWindow:          5 * time.Minute,
		ReconcileConcurrency: 5,
		SidecarBinary:        "tower-sidecar",
	}
}

// restartState tracks supervised auto-restart bookkeeping for one session.
type restartState struct {
	mu          sync.Mutex
	count       int
	lastRestart time.Time
	stableSince time.Time
}

// entry is everything the manager tracks in memory for one session,
// beyond what Session itself holds.
type entry struct {
	sess       *session.Session
	descriptor registry.Descriptor
	restart    *restartState
}

// Manager owns session lifecycle for the whole Tower process.
type Manager struct {
	cfg Config
	reg *registry.Registry
	log *logrus.Entry

	mu       sync.RWMutex
	sessions map[string]*entry

	// reconciling gates opportunistic reconnection from request handlers
	// during startup reconciliation.
	reconcilingMu sync.RWMutex
	reconciling   bool

	stopSweep chan struct{}
	sweepOnce sync.Once
}

// New constructs a Manager bound to reg. Callers must call Reconcile
// before enabling any request-handler path that can list or reconnect
// sessions, per the startup-ordering invariant.
func New(cfg Config, reg *registry.Registry) *Manager {
	return &Manager{
		cfg:       cfg,
		reg:       reg,
		log:       logrus.WithField("component", "session_manager"),
		sessions:  make(map[string]*entry),
		stopSweep: make(chan struct{}),
	}
}

// IsReconciling reports whether startup reconciliation is still in
// progress; request handlers must refuse opportunistic reconnects while
// true.
func (m *Manager) IsReconciling() bool {
	m.reconcilingMu.RLock()
	defer m.reconcilingMu.RUnlock()
	return m.reconciling
}

// CreateParams describes a new session to spawn.
type CreateParams struct {
	Role         registry.Role
	Cmd          string
	Args         []string
	Cwd          string
	Env          map[string]string
	Cols, Rows   int
	Supervised   bool
	WorkspaceKey string
}

// CreateSession spawns a sidecar (or, if spawn fails and degraded mode is
// allowed for Role, a direct-PTY fallback), registers the descriptor, and
// returns the attached Session.
func (m *Manager) CreateSession(ctx context.Context, id string, p CreateParams) (*session.Session, error) {
	if p.Cols <= 0 || p.Rows <= 0 {
		return nil, errs.Wrap(errs.ConfigInvalid, "create_session: cols/rows must be positive", nil)
	}
	if cwd, err := lib.FormatPath(p.Cwd); err == nil {
		p.Cwd = cwd
	}

	socketPath := filepath.Join(m.cfg.SocketDir, id+".sock")
	logPath := socketPath + ".log"

	proc, pid, startTime, err := spawnSidecarProcess(m.cfg.SidecarBinary, socketPath, logPath, p, m.cfg.SidecarRingLines, m.cfg.SpawnTimeout)
	if err != nil {
		if m.cfg.DegradedRoles[p.Role] {
			return m.createDirectPTYSession(id, p)
		}
		return nil, errs.Wrap(errs.SidecarSpawnFailed, fmt.Sprintf("create_session %s", id), err)
	}

	client, err := sidecar.Dial(socketPath, m.cfg.ConnectTimeout)
	if err != nil {
		killProcess(proc)
		if m.cfg.DegradedRoles[p.Role] {
			return m.createDirectPTYSession(id, p)
		}
		return nil, errs.Wrap(errs.SidecarUnreachable, fmt.Sprintf("create_session %s dial", id), err)
	}

	backend := session.NewSidecarBackend(client)
	sess := session.New(id, backend, m.cfg.SessionRingLines)

	d := registry.Descriptor{
		SessionID:        id,
		WorkspaceKey:     p.WorkspaceKey,
		Role:             p.Role,
		SocketPath:       socketPath,
		SidecarPid:       pid,
		SidecarStartTime: startTime,
		Cmd:              p.Cmd,
		Args:             p.Args,
		Cwd:              p.Cwd,
		Env:              p.Env,
		Cols:             p.Cols,
		Rows:             p.Rows,
		CreatedAt:        time.Now(),
		Supervised:       p.Supervised,
		Persistent:       true,
	}
	if err := m.reg.Insert(d); err != nil {
		sess.CloseLocal()
		return nil, errs.Wrap(errs.ConfigInvalid, fmt.Sprintf("create_session %s: registry insert", id), err)
	}

	m.register(id, sess, d)
	return sess, nil
}

func (m *Manager) createDirectPTYSession(id string, p CreateParams) (*session.Session, error) {
	backend, err := session.NewDirectPTYBackend(p.Cmd, p.Args, p.Cwd, p.Env, p.Cols, p.Rows)
	if err != nil {
		return nil, errs.Wrap(errs.SidecarSpawnFailed, fmt.Sprintf("create_session %s: degraded direct-pty", id), err)
	}
	sess := session.New(id, backend, m.cfg.SessionRingLines)
	d := registry.Descriptor{
		SessionID:    id,
		WorkspaceKey: p.WorkspaceKey,
		Role:         p.Role,
		Cmd:          p.Cmd,
		Args:         p.Args,
		Cwd:          p.Cwd,
		Env:          p.Env,
		Cols:         p.Cols,
		Rows:         p.Rows,
		CreatedAt:    time.Now(),
		Supervised:   false,
		Persistent:   false,
	}
	if err := m.reg.Insert(d); err != nil {
		sess.CloseLocal()
		return nil, errs.Wrap(errs.ConfigInvalid, fmt.Sprintf("create_session %s: registry insert (degraded)", id), err)
	}
	m.register(id, sess, d)
	return sess, nil
}

func (m *Manager) register(id string, sess *session.Session, d registry.Descriptor) {
	e := &entry{sess: sess, descriptor: d, restart: &restartState{}}
	if d.Supervised {
		sess.ExitUpward = func(ev session.ExitEvent) { m.handleExit(id, ev) }
	}
	m.mu.Lock()
	m.sessions[id] = e
	m.mu.Unlock()
}

// Get returns the live Session for id, if any is currently attached.
func (m *Manager) Get(id string) (*session.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	return e.sess, true
}

// List returns every currently attached session's descriptor.
func (m *Manager) List() []registry.Descriptor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]registry.Descriptor, 0, len(m.sessions))
	for _, e := range m.sessions {
		out = append(out, e.descriptor)
	}
	return out
}

// Descriptor returns the in-memory descriptor for an attached session.
func (m *Manager) Descriptor(id string) (registry.Descriptor, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[id]
	if !ok {
		return registry.Descriptor{}, false
	}
	return e.descriptor, true
}

// ResizeSession forwards new dimensions to id's backend and persists them
// to the registry so a future reconnect restores the right size.
func (m *Manager) ResizeSession(id string, cols, rows int) error {
	m.mu.Lock()
	e, ok := m.sessions[id]
	if ok {
		e.descriptor.Cols = cols
		e.descriptor.Rows = rows
	}
	m.mu.Unlock()
	if !ok {
		return errs.Wrap(errs.ConfigInvalid, fmt.Sprintf("resize_session %s: not attached", id), nil)
	}
	if err := e.sess.Resize(cols, rows); err != nil {
		return fmt.Errorf("manager: resize %s: %w", id, err)
	}
	if err := m.reg.UpdateDimensions(id, cols, rows); err != nil {
		m.log.WithError(err).WithField("session_id", id).Warn("resize_session: failed to persist dimensions")
	}
	return nil
}

// ReconnectSession loads id's descriptor, validates sidecar liveness via
// pid + start-time, and attaches a fresh Session over a new client
// connection reconnect_session).
func (m *Manager) ReconnectSession(id string) (*session.Session, error) {
	d, ok, err := m.reg.Get(id)
	if err != nil {
		return nil, errs.Wrap(errs.ConfigInvalid, fmt.Sprintf("reconnect_session %s: registry lookup", id), err)
	}
	if !ok {
		return nil, errs.Wrap(errs.ConfigInvalid, fmt.Sprintf("reconnect_session %s: no descriptor", id), nil)
	}
	if d.SocketPath == "" {
		return nil, errs.Wrap(errs.SidecarUnreachable, fmt.Sprintf("reconnect_session %s: no socket (direct-pty, cannot survive restart)", id), nil)
	}
	if !procinfo.SameProcess(d.SidecarPid, d.SidecarStartTime) {
		return nil, errs.Wrap(errs.SidecarUnreachable, fmt.Sprintf("reconnect_session %s: pid/start-time mismatch, treating as dead", id), nil)
	}

	client, err := sidecar.Dial(d.SocketPath, m.cfg.ConnectTimeout)
	if err != nil {
		return nil, errs.Wrap(errs.SidecarUnreachable, fmt.Sprintf("reconnect_session %s: dial", id), err)
	}

	backend := session.NewSidecarBackend(client)
	sess := session.New(id, backend, m.cfg.SessionRingLines)
	m.register(id, sess, d)
	return sess, nil
}

// KillSession terminates id permanently (sidecar-backed or direct-PTY),
// removes its descriptor, and best-effort unlinks its socket file.
func (m *Manager) KillSession(id string) error {
	m.mu.Lock()
	e, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return errs.Wrap(errs.ConfigInvalid, fmt.Sprintf("kill_session %s: not attached", id), nil)
	}

	if err := e.sess.Kill(m.cfg.KillGrace); err != nil {
		m.log.WithError(err).WithField("session_id", id).Warn("kill_session: backend kill returned error")
	}
	if e.descriptor.SocketPath != "" {
		os.Remove(e.descriptor.SocketPath)
	}
	if err := m.reg.Delete(id); err != nil {
		return errs.Wrap(errs.ConfigInvalid, fmt.Sprintf("kill_session %s: registry delete", id), err)
	}
	return nil
}

// DetachForShutdown implements the shutdown_preserve=true path: release
// Tower's local handle on id's sidecar client without signaling the
// child, so the sidecar survives process exit.
func (m *Manager) DetachForShutdown(id string) error {
	m.mu.Lock()
	e, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return e.sess.CloseLocal()
}

// Reconcile runs the startup reconciliation pass
// "Reconciliation algorithm") with bounded concurrency, then clears the
// reconciling flag. Callers must not enable session-listing handlers
// until this returns.
func (m *Manager) Reconcile(ctx context.Context) error {
	m.reconcilingMu.Lock()
	m.reconciling = true
	m.reconcilingMu.Unlock()
	defer func() {
		m.reconcilingMu.Lock()
		m.reconciling = false
		m.reconcilingMu.Unlock()
	}()

	rows, err := m.reg.ListWithSocket()
	if err != nil {
		return fmt.Errorf("manager: reconcile: list descriptors: %w", err)
	}

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.ReconcileConcurrency)
	for _, d := range rows {
		d := d
		g.Go(func() error {
			if _, err := m.ReconnectSession(d.SessionID); err != nil {
				m.log.WithError(err).WithField("session_id", d.SessionID).Info("reconcile: leaving orphan descriptor for sweep")
			}
			return nil
		})
	}
	return g.Wait()
}

// SweepStaleSockets scans the socket directory once: skips live sessions
// and symlinks, probes the rest, and unlinks sockets that refuse
// connections. It also deletes registry rows with no live sidecar.
func (m *Manager) SweepStaleSockets() error {
	entries, err := os.ReadDir(m.cfg.SocketDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("manager: sweep: read socket dir: %w", err)
	}

	m.mu.RLock()
	active := make(map[string]bool, len(m.sessions))
	for _, e := range m.sessions {
		if e.descriptor.SocketPath != "" {
			active[e.descriptor.SocketPath] = true
		}
	}
	m.mu.RUnlock()

	for _, ent := range entries {
		if filepath.Ext(ent.Name()) != ".sock" {
			continue
		}
		path := filepath.Join(m.cfg.SocketDir, ent.Name())

		info, err := os.Lstat(path)
		if err != nil {
			continue
		}
		if info.Mode()&os.ModeSymlink != 0 {
			m.log.WithField("path", path).Warn("sweep: refusing to follow symlink in socket directory")
			continue
		}
		if active[path] {
			continue
		}
		if probeSocket(path) {
			continue
		}
		os.Remove(path)
		m.log.WithField("path", path).Info("sweep: removed stale socket")
	}

	rows, err := m.reg.ListWithSocket()
	if err != nil {
		return fmt.Errorf("manager: sweep: list descriptors: %w", err)
	}
	for _, d := range rows {
		m.mu.RLock()
		_, attached := m.sessions[d.SessionID]
		m.mu.RUnlock()
		if attached {
			continue
		}
		if !procinfo.SameProcess(d.SidecarPid, d.SidecarStartTime) {
			if err := m.reg.Delete(d.SessionID); err != nil {
				m.log.WithError(err).WithField("session_id", d.SessionID).Warn("sweep: failed to delete orphan descriptor")
			}
		}
	}
	return nil
}

// StartPeriodicSweep runs SweepStaleSockets on cfg.SweepInterval until
// StopPeriodicSweep is called.
func (m *Manager) StartPeriodicSweep() {
	interval := m.cfg.SweepInterval
	if interval < time.Second {
		interval = time.Second
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				if err := m.SweepStaleSockets(); err != nil {
					m.log.WithError(err).Warn("periodic sweep failed")
				}
			case <-m.stopSweep:
				return
			}
		}
	}()
}

// StopPeriodicSweep stops the background sweep loop. Safe to call once.
func (m *Manager) StopPeriodicSweep() {
	m.sweepOnce.Do(func() { close(m.stopSweep) })
}

// handleExit applies supervised auto-restart policy
// "Supervised auto-restart") when a sidecar's child exits.
func (m *Manager) handleExit(id string, _ session.ExitEvent) {
	m.mu.RLock()
	e, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok || !e.descriptor.Supervised {
		return
	}

	rs := e.restart
	rs.mu.Lock()
	now := time.Now()
	if !rs.stableSince.IsZero() && now.Sub(rs.lastRestart) >= m.cfg.ResetWindow {
		rs.count = 0
	}
	rs.count++
	count := rs.count
	rs.lastRestart = now
	rs.mu.Unlock()

	if count > m.cfg.MaxRestarts {
		m.log.WithField("session_id", id).Warn("supervision exhausted, giving up")
		e.sess.ExitUpward = nil
		return
	}

	delay := backoffDelay(m.cfg.RestartBackoff, count)
	time.AfterFunc(delay, func() {
		spec := session.SpawnSpec{Cmd: e.descriptor.Cmd, Args: e.descriptor.Args, Cwd: e.descriptor.Cwd, Env: e.descriptor.Env}
		if err := e.sess.Spawn(spec); err != nil {
			m.log.WithError(err).WithField("session_id", id).Warn("supervised restart: spawn failed")
			return
		}
		rs.mu.Lock()
		rs.stableSince = time.Now()
		rs.mu.Unlock()
	})
}

// backoffDelay uses an exponential backoff capped at a sane ceiling so
// repeated crash loops don't wait arbitrarily long between attempts.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = base
	eb.MaxInterval = 30 * time.Second
	eb.MaxElapsedTime = 0
	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = eb.NextBackOff()
	}
	if d <= 0 {
		d = base
	}
	return d
}

// Shutdown implements: preserve sidecar-backed
// sessions, terminate direct-PTY ones, and stop periodic tasks.
func (m *Manager) Shutdown() {
	m.StopPeriodicSweep()

	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.mu.RLock()
		e, ok := m.sessions[id]
		m.mu.RUnlock()
		if !ok {
			continue
		}
		if e.sess.ShutdownPreserve() {
			e.sess.CloseLocal()
		} else {
			e.sess.Kill(m.cfg.KillGrace)
		}
	}
}

// wireConnectTimeout is used by probeSocket; kept separate from
// cfg.ConnectTimeout because a stale-socket probe should fail fast.
const wireConnectTimeout = 300 * time.Millisecond

func probeSocket(path string) bool {
	client, err := sidecar.Dial(path, wireConnectTimeout)
	if err != nil {
		return false
	}
	client.Close()
	return true
}

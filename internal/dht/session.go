// Package dht implements the mutable-record coordination layer over a
// Kademlia-style overlay engine: session lifecycle, the put cooldown
// discipline, header+chunk record splitting and reassembly, and the
// synchronous and pipelined batch fetch strategies.
package dht

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

// State is the session lifecycle state.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateBootstrapping
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateBootstrapping:
		return "bootstrapping"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	}
	return "unknown"
}

// ReadinessGate reports whether the node may join the overlay:
// connected peers, a synced chain, and the feature activation flag.
// Nil probes are treated as satisfied so embedded deployments can opt
// out of individual checks.
type ReadinessGate struct {
	PeerCount     func() int
	ChainSynced   func() bool
	FeatureActive func() bool
}

// Ready reports whether every configured probe passes.
func (g ReadinessGate) Ready() bool {
	if g.PeerCount != nil && g.PeerCount() == 0 {
		return false
	}
	if g.ChainSynced != nil && !g.ChainSynced() {
		return false
	}
	if g.FeatureActive != nil && !g.FeatureActive() {
		return false
	}
	return true
}

// Defaults for the coordination timing policy.
const (
	DefaultCooldownWindow   = 60 * time.Second
	DefaultFetchTimeout     = 2 * time.Second
	DefaultHeaderAttempts   = 3
	DefaultBootstrapTimeout = 30 * time.Second

	defaultReadinessPoll    = time.Second
	defaultHeaderSettle     = 300 * time.Millisecond
	defaultChunkSettle      = 350 * time.Millisecond
	defaultHeaderIssueDelay = 10 * time.Millisecond
	defaultChunkIssueDelay  = 20 * time.Millisecond

	lockSweepEvery = 32
)

// Config wires a Session: engine construction, the data directory for
// persisted state, and the coordination timing policy. Zero durations
// take the defaults above.
type Config struct {
	DataDir   string
	Settings  Settings
	NewEngine EngineFactory
	Gate      ReadinessGate
	Clock     clock.Clock    // nil takes the wall clock
	Log       *logrus.Logger // nil takes logrus.StandardLogger

	CooldownWindow   time.Duration
	FetchTimeout     time.Duration
	HeaderAttempts   int
	BootstrapTimeout time.Duration
	ReadinessPoll    time.Duration
	HeaderSettle     time.Duration
	ChunkSettle      time.Duration
	HeaderIssueDelay time.Duration
	ChunkIssueDelay  time.Duration
}

func (c *Config) applyDefaults() {
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Log == nil {
		c.Log = logrus.StandardLogger()
	}
	if c.CooldownWindow == 0 {
		c.CooldownWindow = DefaultCooldownWindow
	}
	if c.FetchTimeout == 0 {
		c.FetchTimeout = DefaultFetchTimeout
	}
	if c.HeaderAttempts == 0 {
		c.HeaderAttempts = DefaultHeaderAttempts
	}
	if c.BootstrapTimeout == 0 {
		c.BootstrapTimeout = DefaultBootstrapTimeout
	}
	if c.ReadinessPoll == 0 {
		c.ReadinessPoll = defaultReadinessPoll
	}
	if c.HeaderSettle == 0 {
		c.HeaderSettle = defaultHeaderSettle
	}
	if c.ChunkSettle == 0 {
		c.ChunkSettle = defaultChunkSettle
	}
	if c.HeaderIssueDelay == 0 {
		c.HeaderIssueDelay = defaultHeaderIssueDelay
	}
	if c.ChunkIssueDelay == 0 {
		c.ChunkIssueDelay = defaultChunkIssueDelay
	}
}

// Session is the context object for one overlay session. It owns the
// engine handle, the put-lock map and the correlation map, and carries
// the coordinator operations as methods. There is no process-wide
// state; every caller holds a *Session.
type Session struct {
	cfg   Config
	clock clock.Clock
	log   *logrus.Entry

	mu      sync.Mutex
	state   State
	engine  Engine
	corr    *Correlator
	quit    chan struct{}
	done    chan struct{}
	lastErr error

	locks  putLocks
	subLog submissionLog
}

// NewSession builds a stopped session from cfg.
func NewSession(cfg Config) *Session {
	cfg.applyDefaults()
	s := &Session{
		cfg:   cfg,
		clock: cfg.Clock,
		log:   cfg.Log.WithField("module", "dht"),
	}
	s.locks.last = make(map[RecordKey]time.Time)
	return s
}

// Start spawns the background startup task: wait for readiness, build
// the engine, restore persisted state, bootstrap, then run. It returns
// immediately; failures surface through State and Err.
func (s *Session) Start() error {
	s.mu.Lock()
	if s.state != StateStopped {
		s.mu.Unlock()
		return fmt.Errorf("dht: session already started (%s)", s.state)
	}
	s.state = StateStarting
	s.lastErr = nil
	s.quit = make(chan struct{})
	s.done = make(chan struct{})
	quit, done := s.quit, s.done
	s.mu.Unlock()

	go s.run(quit, done)
	return nil
}

func (s *Session) run(quit, done chan struct{}) {
	defer close(done)

	// Busy-wait for the node to come online so the overlay sees a full
	// peer set.
	for !s.cfg.Gate.Ready() {
		select {
		case <-quit:
			return
		case <-s.clock.After(s.cfg.ReadinessPoll):
		}
	}

	eng, err := s.cfg.NewEngine(s.cfg.Settings)
	if err == nil && eng == nil {
		err = fmt.Errorf("factory returned no engine")
	}
	if err != nil {
		s.mu.Lock()
		s.lastErr = fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
		s.state = StateStopped
		s.mu.Unlock()
		s.log.WithError(err).Error("engine construction failed")
		return
	}

	corr := NewCorrelator(s.clock, s.log.WithField("module", "dht.events"))
	corr.Start(eng.Alerts())

	// Stop may have raced engine construction. It serializes on the
	// mutex: either it already captured nil handles and we must tear the
	// fresh engine down ourselves, or we publish the handles here and
	// Stop sees them.
	s.mu.Lock()
	select {
	case <-quit:
		s.mu.Unlock()
		eng.Abort()
		corr.Stop()
		s.log.Debug("engine discarded, stop raced startup")
		return
	default:
	}
	s.engine = eng
	s.corr = corr
	s.state = StateBootstrapping
	s.mu.Unlock()

	// Missing or corrupt persisted state is not fatal; bootstrap runs
	// either way.
	if blob, err := os.ReadFile(s.statePath()); err == nil {
		if err := eng.LoadState(blob); err != nil {
			s.log.WithError(err).Warn("persisted session state did not load")
		} else {
			s.log.Debug("session state loaded from disk")
		}
	} else if !os.IsNotExist(err) {
		s.log.WithError(err).Warn("could not read persisted session state")
	}

	if !s.Bootstrap() {
		s.log.Warnf("bootstrap did not complete within %s; continuing best effort", s.cfg.BootstrapTimeout)
	}
	if err := s.SaveState(); err != nil {
		s.log.WithError(err).Warn("session state not persisted after bootstrap")
	}

	s.mu.Lock()
	if s.state == StateBootstrapping {
		s.state = StateRunning
	}
	s.mu.Unlock()
	s.log.Info("session running")
}

// Bootstrap waits for the overlay's bootstrap-completion event, up to
// the configured timeout. Callers may proceed in a degraded state when
// it reports failure.
func (s *Session) Bootstrap() bool {
	c := s.correlator()
	if c == nil {
		return false
	}
	return c.AwaitBootstrap(s.cfg.BootstrapTimeout)
}

// Stop shuts the session down: disable the DHT feature and mute alerts
// on the engine, persist state, abort the engine, stop the correlator
// and join the background task. Idempotent and safe to call on a
// session that never started. Shutdown latency is bounded by the
// largest in-flight fetch timeout: blocking gets observe only their own
// deadlines, never the shutdown flag.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.quit == nil {
		s.state = StateStopped
		s.mu.Unlock()
		return
	}
	s.state = StateStopping
	select {
	case <-s.quit:
	default:
		close(s.quit)
	}
	eng, corr, done := s.engine, s.corr, s.done
	s.mu.Unlock()

	if eng != nil {
		muted := s.cfg.Settings
		muted.EnableDHT = false
		muted.AlertMask = 0
		eng.ApplySettings(muted)
		if err := s.SaveState(); err != nil {
			s.log.WithError(err).Warn("session state not persisted on shutdown")
		}
		eng.Abort()
	}
	if corr != nil {
		corr.Stop()
	}
	<-done

	s.mu.Lock()
	s.engine = nil
	s.corr = nil
	s.quit = nil
	s.state = StateStopped
	s.mu.Unlock()
	s.log.Info("session stopped")
}

// SaveState persists the engine's opaque state blob to the fixed path.
// Failures are for the log, not fatal.
func (s *Session) SaveState() error {
	eng := s.engineHandle()
	if eng == nil {
		return ErrEngineUnavailable
	}
	blob, err := eng.SaveState()
	if err != nil {
		return fmt.Errorf("dht: save state: %w", err)
	}
	return os.WriteFile(s.statePath(), blob, 0600)
}

// LoadState restores the engine's state blob from the fixed path.
func (s *Session) LoadState() error {
	eng := s.engineHandle()
	if eng == nil {
		return ErrEngineUnavailable
	}
	blob, err := os.ReadFile(s.statePath())
	if err != nil {
		return fmt.Errorf("dht: load state: %w", err)
	}
	return eng.LoadState(blob)
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the fatal startup error, if the background task failed.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Session) statePath() string {
	return filepath.Join(s.cfg.DataDir, "dht-state.dat")
}

func (s *Session) engineHandle() Engine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine
}

func (s *Session) correlator() *Correlator {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.corr
}

// ensureRunning applies the liveness recovery policy: when the engine
// is not running, first try to reload persisted state; if that fails,
// re-run bootstrap. Only one recovery attempt is made per call.
func (s *Session) ensureRunning() error {
	eng := s.engineHandle()
	if eng == nil {
		return ErrEngineUnavailable
	}
	if eng.IsRunning() {
		return nil
	}
	s.log.Warn("engine not running, attempting recovery")
	if err := s.LoadState(); err != nil {
		s.log.WithError(err).Warn("state reload failed, bootstrapping again")
		if !s.Bootstrap() {
			return fmt.Errorf("%w: recovery bootstrap failed", ErrEngineUnavailable)
		}
	} else {
		s.log.Debug("engine state reloaded from disk")
	}
	return nil
}

// sleep waits on the session clock so tests can compress the fixed
// coordination waits.
func (s *Session) sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	<-s.clock.After(d)
}

// Package supervisor owns the fleet: it reconciles declared agent specs
// against live instances and drives each instance through its lifecycle.
package supervisor

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/superagenthq/superagent/internal/config"
	"github.com/superagenthq/superagent/internal/containerd"
	"github.com/superagenthq/superagent/internal/fault"
	"github.com/superagenthq/superagent/internal/metrics"
)

const (
	restartBaseBackoff = time.Second
	restartMaxBackoff  = 30 * time.Second

	// Probe cadence while an instance is still starting.
	startupProbeInterval = time.Second
)

type Params struct {
	Specs     map[string]config.AgentSpec
	Global    config.GlobalConfig
	NewRunner RunnerFactory
	// Runtime serves container log reads and boot-time re-observation.
	// Nil when the deployment has no container agents.
	Runtime *containerd.Runtime
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

type Supervisor struct {
	specs     map[string]config.AgentSpec
	global    config.GlobalConfig
	newRunner RunnerFactory
	runtime   *containerd.Runtime
	metrics   *metrics.Metrics
	logger    *slog.Logger

	// Test seams.
	now         func() time.Time
	startupPoll time.Duration
	baseBackoff time.Duration

	mu        sync.Mutex
	instances map[string]*instance
	closed    bool

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(p Params) *Supervisor {
	log := p.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{
		specs:       p.Specs,
		global:      p.Global,
		newRunner:   p.NewRunner,
		runtime:     p.Runtime,
		metrics:     p.Metrics,
		logger:      log.With(slog.String("component", "supervisor")),
		now:         time.Now,
		startupPoll: startupProbeInterval,
		baseBackoff: restartBaseBackoff,
		instances:   make(map[string]*instance),
	}
}

// Start reconciles once (deploying auto-deploy specs and stopping orphaned
// managed containers) and keeps the fleet running until Shutdown.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.runCtx != nil {
		s.mu.Unlock()
		return nil
	}
	s.runCtx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Unlock()

	s.adoptOrphans(ctx)
	return s.Reconcile(ctx)
}

// adoptOrphans stops managed containers left behind by a previous daemon
// whose specs no longer exist.
func (s *Supervisor) adoptOrphans(ctx context.Context) {
	if s.runtime == nil {
		return
	}
	statuses, err := s.runtime.List(ctx)
	if err != nil {
		s.logger.Warn("listing managed containers", slog.Any("error", err))
		return
	}
	for _, st := range statuses {
		if _, declared := s.specs[st.AgentID]; declared {
			// Reconcile redeploys declared specs; stop the stale
			// container first so the new launch starts clean.
			s.logger.Info("stopping stale container before redeploy", slog.String("agent", st.AgentID))
		} else {
			s.logger.Info("stopping orphaned container", slog.String("agent", st.AgentID))
		}
		if err := s.runtime.Stop(ctx, st.AgentID, s.global.StopGrace()); err != nil {
			s.logger.Warn("orphan stop failed", slog.String("agent", st.AgentID), slog.Any("error", err))
		}
	}
}

func (s *Supervisor) ListSpecs() []config.AgentSpec {
	out := make([]config.AgentSpec, 0, len(s.specs))
	for _, spec := range s.specs {
		out = append(out, spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Supervisor) ListInstances() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	out := make([]Status, 0, len(s.instances))
	for _, inst := range s.instances {
		out = append(out, inst.status(now))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SpecID < out[j].SpecID })
	return out
}

// Deploy creates an instance for a declared spec. A live instance for the
// same spec is a conflict.
func (s *Supervisor) Deploy(ctx context.Context, specID string) error {
	spec, ok := s.specs[specID]
	if !ok {
		return fault.New(fault.KindNotFound, "unknown agent "+specID)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fault.New(fault.KindHandleLost, "supervisor is shut down")
	}
	if existing, ok := s.instances[specID]; ok && existing.getState().live() {
		s.mu.Unlock()
		return fault.New(fault.KindHandleLost, "agent "+specID+" already has a live instance")
	}
	inst := &instance{
		specID: specID,
		kind:   spec.Kind,
		state:  StateStarting,
		done:   make(chan struct{}),
	}
	parent := s.runCtx
	if parent == nil {
		parent = context.Background()
	}
	runCtx, cancel := context.WithCancel(parent)
	inst.cancel = cancel
	s.instances[specID] = inst
	s.mu.Unlock()

	s.wg.Add(1)
	go s.runLoop(runCtx, inst, spec)
	return nil
}

// runLoop drives one instance through starting/running and the restart
// budget until it stops, fails, or the supervisor shuts down.
func (s *Supervisor) runLoop(ctx context.Context, inst *instance, spec config.AgentSpec) {
	defer s.wg.Done()
	defer close(inst.done)

	backoff := s.baseBackoff
	for {
		err := s.runOnce(ctx, inst, spec)
		if ctx.Err() != nil {
			if inst.getState() != StateFailed {
				inst.setState(StateStopped)
			}
			return
		}
		inst.setError(err)
		s.logger.Warn("instance exited unexpectedly",
			slog.String("agent", inst.specID), slog.Any("error", err))

		if !inst.recordRestart(s.now(), s.global.RestartBudget, s.global.RestartWindow()) {
			inst.setState(StateCrashLoop)
			s.logger.Error("restart budget exhausted",
				slog.String("agent", inst.specID),
				slog.Int("budget", s.global.RestartBudget))
			inst.setState(StateFailed)
			return
		}
		inst.setState(StateCrashLoop)
		if s.metrics != nil {
			s.metrics.AgentRestarts.WithLabelValues(inst.specID).Inc()
		}

		select {
		case <-ctx.Done():
			inst.setState(StateStopped)
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, restartMaxBackoff)
	}
}

// runOnce runs the workload until it exits or a health probe fails. A nil
// return means the workload exited cleanly on its own, which is still
// unexpected for a long-running agent.
func (s *Supervisor) runOnce(ctx context.Context, inst *instance, spec config.AgentSpec) error {
	runner, err := s.newRunner(spec)
	if err != nil {
		return err
	}

	inst.setState(StateStarting)
	inst.mu.Lock()
	inst.startedAt = s.now()
	inst.mu.Unlock()

	// Each attempt gets its own context so a failed probe or startup
	// timeout tears down only this workload, not the instance.
	attemptCtx, cancelAttempt := context.WithCancel(ctx)
	runErr := make(chan error, 1)
	go func() { runErr <- runner.Run(attemptCtx) }()
	consumed := false
	defer func() {
		cancelAttempt()
		if !consumed {
			<-runErr
		}
	}()

	// starting -> running requires a successful probe within the startup
	// timeout.
	startupDeadline := s.now().Add(s.global.StartupTimeout())
	for {
		select {
		case err := <-runErr:
			consumed = true
			if err == nil {
				err = fault.New(fault.KindTransport, "workload exited during startup")
			}
			return err
		case <-ctx.Done():
			cancelAttempt()
			consumed = true
			return <-runErr
		case <-time.After(s.startupPoll):
		}
		if err := runner.Probe(ctx); err == nil {
			break
		}
		if s.now().After(startupDeadline) {
			return fault.New(fault.KindTransport, "no successful health probe within startup timeout")
		}
	}

	inst.setState(StateRunning)
	inst.markHealthy(s.now())
	s.logger.Info("instance running", slog.String("agent", inst.specID))

	probeEvery := s.global.ProbeInterval()
	if probeEvery <= 0 {
		probeEvery = time.Minute
	}
	ticker := time.NewTicker(probeEvery)
	defer ticker.Stop()
	for {
		select {
		case err := <-runErr:
			consumed = true
			if err == nil {
				err = fault.New(fault.KindTransport, "workload exited")
			}
			return err
		case <-ctx.Done():
			cancelAttempt()
			consumed = true
			return <-runErr
		case <-ticker.C:
			if err := runner.Probe(ctx); err != nil {
				s.logger.Warn("health probe failed",
					slog.String("agent", inst.specID), slog.Any("error", err))
				return err
			}
			inst.markHealthy(s.now())
		}
	}
}

// Stop gracefully shuts one instance down. Stopping an already stopped
// agent is a no-op.
func (s *Supervisor) Stop(ctx context.Context, specID string, grace time.Duration) error {
	s.mu.Lock()
	inst, ok := s.instances[specID]
	s.mu.Unlock()
	if !ok {
		if _, declared := s.specs[specID]; !declared {
			return fault.New(fault.KindNotFound, "unknown agent "+specID)
		}
		return nil
	}
	if !inst.getState().live() {
		return nil
	}
	if grace <= 0 {
		grace = s.global.StopGrace()
	}

	inst.setState(StateStopping)
	inst.cancel()

	select {
	case <-inst.done:
		inst.setState(StateStopped)
		return nil
	case <-time.After(grace):
		inst.setState(StateStopped)
		return fault.New(fault.KindTransport, "instance did not confirm exit within grace period")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Restart is stop followed by deploy with the same spec.
func (s *Supervisor) Restart(ctx context.Context, specID string) error {
	if _, ok := s.specs[specID]; !ok {
		return fault.New(fault.KindNotFound, "unknown agent "+specID)
	}
	if err := s.Stop(ctx, specID, 0); err != nil {
		return err
	}
	return s.Deploy(ctx, specID)
}

// StatusOf reports one instance; specs that were never deployed report
// stopped.
func (s *Supervisor) StatusOf(specID string) (Status, error) {
	if _, ok := s.specs[specID]; !ok {
		return Status{}, fault.New(fault.KindNotFound, "unknown agent "+specID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if inst, ok := s.instances[specID]; ok {
		return inst.status(s.now()), nil
	}
	return Status{SpecID: specID, Kind: s.specs[specID].Kind, State: StateStopped}, nil
}

// Logs tails the agent's log file.
func (s *Supervisor) Logs(ctx context.Context, specID string, tail int64) (string, error) {
	spec, ok := s.specs[specID]
	if !ok {
		return "", fault.New(fault.KindNotFound, "unknown agent "+specID)
	}
	if spec.Kind == "container" && s.runtime != nil {
		return s.runtime.Logs(ctx, specID, tail)
	}
	return tailFile(s.LogPath(specID), tail)
}

// AgentLogPath is where an agent's stdout/stderr lands under logRoot.
func AgentLogPath(logRoot, specID string) string {
	return filepath.Join(logRoot, specID+".log")
}

// LogPath is where an agent's stdout/stderr lands.
func (s *Supervisor) LogPath(specID string) string {
	return AgentLogPath(s.global.LogRoot, specID)
}

// maxLogBytes caps one agent's log file. One previous generation is kept
// as <id>.log.1.
const maxLogBytes = 10 << 20

// OpenLogFile creates the agent's log file for appending, making the log
// root on first use and rotating the file once it exceeds maxLogBytes.
func (s *Supervisor) OpenLogFile(specID string) (*os.File, error) {
	if err := os.MkdirAll(s.global.LogRoot, 0o755); err != nil {
		return nil, err
	}
	path := s.LogPath(specID)
	if st, err := os.Stat(path); err == nil && st.Size() >= maxLogBytes {
		if err := os.Rename(path, path+".1"); err != nil {
			return nil, err
		}
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

// Reconcile converges instances toward declared specs: deploy auto-deploy
// specs without live instances, stop live instances without specs.
// Idempotent.
func (s *Supervisor) Reconcile(ctx context.Context) error {
	s.mu.Lock()
	var toStop []string
	for id, inst := range s.instances {
		if _, declared := s.specs[id]; !declared && inst.getState().live() {
			toStop = append(toStop, id)
		}
	}
	s.mu.Unlock()

	for _, id := range toStop {
		if err := s.Stop(ctx, id, 0); err != nil {
			s.logger.Warn("reconcile stop failed", slog.String("agent", id), slog.Any("error", err))
		}
	}

	for id, spec := range s.specs {
		if !spec.AutoDeployEnabled() {
			continue
		}
		s.mu.Lock()
		inst, ok := s.instances[id]
		live := ok && inst.getState().live()
		s.mu.Unlock()
		if live {
			continue
		}
		if err := s.Deploy(ctx, id); err != nil {
			s.logger.Warn("reconcile deploy failed", slog.String("agent", id), slog.Any("error", err))
		}
	}
	return nil
}

// Shutdown stops every live instance and waits for their loops to drain.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ids := make([]string, 0, len(s.instances))
	for id, inst := range s.instances {
		if inst.getState().live() {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	for _, id := range ids {
		if err := s.Stop(ctx, id, s.global.StopGrace()); err != nil {
			s.logger.Warn("shutdown stop failed", slog.String("agent", id), slog.Any("error", err))
		}
	}
	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.logger.Info("supervisor stopped")
	return nil
}

func tailFile(path string, tail int64) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fault.Wrap(fault.KindNotFound, "open log file", err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return "", fault.Wrap(fault.KindTransport, "stat log file", err)
	}
	size := st.Size()
	if tail <= 0 || tail > size {
		tail = size
	}
	if _, err := f.Seek(size-tail, 0); err != nil {
		return "", fault.Wrap(fault.KindTransport, "seek log file", err)
	}
	buf := make([]byte, tail)
	n, err := f.Read(buf)
	if err != nil && n == 0 {
		return "", fault.Wrap(fault.KindTransport, "read log file", err)
	}
	return string(buf[:n]), nil
}

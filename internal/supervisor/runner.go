package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/opencontainers/runtime-spec/specs-go"

	"github.com/superagenthq/superagent/internal/config"
	"github.com/superagenthq/superagent/internal/containerd"
	"github.com/superagenthq/superagent/internal/engine"
	"github.com/superagenthq/superagent/internal/fault"
)

// Runner is one deployed agent workload. Run blocks until the workload
// exits or the context is cancelled; Probe checks liveness between runs of
// the probe ticker.
type Runner interface {
	Run(ctx context.Context) error
	Probe(ctx context.Context) error
}

// RunnerFactory builds the workload for a spec. The daemon wires process
// specs to in-process engines and container specs to the containerd
// runtime.
type RunnerFactory func(spec config.AgentSpec) (Runner, error)

// processRunner hosts a conversation engine inside the daemon.
type processRunner struct {
	eng   *engine.Engine
	alive atomic.Bool
}

func NewProcessRunner(eng *engine.Engine) Runner {
	return &processRunner{eng: eng}
}

func (r *processRunner) Run(ctx context.Context) error {
	r.alive.Store(true)
	defer r.alive.Store(false)
	err := r.eng.Run(ctx)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (r *processRunner) Probe(ctx context.Context) error {
	if !r.alive.Load() {
		return fault.New(fault.KindTransport, "engine loop is not running")
	}
	if !r.eng.Subscribed() {
		return fault.New(fault.KindTransport, "engine has no live event subscription")
	}
	return nil
}

// containerRunner drives one agent container through the runtime adapter.
type containerRunner struct {
	runtime     *containerd.Runtime
	spec        config.AgentSpec
	cfg         config.ContainerdConfig
	logPath     string
	env         []string
	stopGrace   time.Duration
	execTimeout time.Duration
	logger      *slog.Logger
}

type ContainerRunnerParams struct {
	Runtime     *containerd.Runtime
	Spec        config.AgentSpec
	Containerd  config.ContainerdConfig
	LogPath     string
	Env         []string
	StopGrace   time.Duration
	ExecTimeout time.Duration
	Logger      *slog.Logger
}

func NewContainerRunner(p ContainerRunnerParams) Runner {
	log := p.Logger
	if log == nil {
		log = slog.Default()
	}
	return &containerRunner{
		runtime:     p.Runtime,
		spec:        p.Spec,
		cfg:         p.Containerd,
		logPath:     p.LogPath,
		env:         p.Env,
		stopGrace:   p.StopGrace,
		execTimeout: p.ExecTimeout,
		logger:      log.With(slog.String("component", "container_runner"), slog.String("agent", p.Spec.ID)),
	}
}

// containerMounts assembles the bind mounts for one agent container. The
// DNS source, when present, shadows /etc/resolv.conf read-only.
func containerMounts(res *config.Resources, dnsSource string) []specs.Mount {
	mounts := make([]specs.Mount, 0, len(res.ExtraMounts)+2)
	if res.WorkspaceHostPath != "" {
		mountPath := res.WorkspaceMountPath
		if mountPath == "" {
			mountPath = "/workspace"
		}
		mounts = append(mounts, specs.Mount{
			Destination: mountPath,
			Type:        "bind",
			Source:      res.WorkspaceHostPath,
			Options:     []string{"rbind", "rw"},
		})
	}
	for src, dst := range res.ExtraMounts {
		mounts = append(mounts, specs.Mount{
			Destination: dst,
			Type:        "bind",
			Source:      src,
			Options:     []string{"rbind", "rw"},
		})
	}
	if dnsSource != "" {
		mounts = append(mounts, specs.Mount{
			Destination: "/etc/resolv.conf",
			Type:        "bind",
			Source:      dnsSource,
			Options:     []string{"rbind", "ro"},
		})
	}
	return mounts
}

func (r *containerRunner) Run(ctx context.Context) error {
	res := r.spec.Resources
	if res == nil {
		return fault.New(fault.KindConfig, "container spec has no resources")
	}

	dnsSource, err := containerd.DNSConfigSource(r.cfg.DataDir)
	if err != nil {
		r.logger.Warn("dns config unavailable, container keeps image defaults", slog.Any("error", err))
		dnsSource = ""
	}
	mounts := containerMounts(res, dnsSource)

	env := append([]string(nil), r.env...)
	for k, v := range res.EnvOverrides {
		env = append(env, k+"="+v)
	}

	if _, err := r.runtime.Launch(ctx, containerd.LaunchRequest{
		AgentID:     r.spec.ID,
		Image:       res.Image,
		Env:         env,
		Mounts:      mounts,
		ExtraLabels: res.Labels,
		LogPath:     r.logPath,
		PullPolicy:  r.cfg.PullPolicy,
		Snapshotter: r.cfg.Snapshotter,
		AttachCNI:   true,
		CNIDirs: containerd.CNIDirs{
			BinDir:  r.cfg.CNIBinaryDir,
			ConfDir: r.cfg.CNIConfigDir,
		},
	}); err != nil {
		return err
	}

	// Block while the container lives; the poll doubles as exit detection.
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.stopGrace+10*time.Second)
			err := r.runtime.Stop(stopCtx, r.spec.ID, r.stopGrace)
			cancel()
			return err
		case <-ticker.C:
			status, err := r.runtime.Inspect(ctx, r.spec.ID)
			if err != nil {
				return fault.Wrap(fault.KindTransport, "container lost", err)
			}
			if !status.Running {
				return fault.New(fault.KindTransport,
					fmt.Sprintf("container exited with status %d", status.ExitStatus))
			}
		}
	}
}

func (r *containerRunner) Probe(ctx context.Context) error {
	status, err := r.runtime.Inspect(ctx, r.spec.ID)
	if err != nil {
		return err
	}
	if !status.Running {
		return fault.New(fault.KindTransport, "container is not running")
	}
	if res := r.spec.Resources; res != nil && len(res.ProbeCommand) > 0 {
		out, code, err := r.runtime.Exec(ctx, r.spec.ID, res.ProbeCommand, r.execTimeout)
		if err != nil {
			return err
		}
		if code != 0 {
			return fault.New(fault.KindTransport,
				fmt.Sprintf("probe command exited %d: %s", code, out))
		}
	}
	return nil
}

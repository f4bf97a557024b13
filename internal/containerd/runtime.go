package containerd

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"strings"
	"syscall"
	"time"

	tasktypes "github.com/containerd/containerd/api/types/task"
	"github.com/containerd/containerd/v2/pkg/oci"
	"github.com/containerd/errdefs"
	"github.com/opencontainers/go-digest"
	"github.com/opencontainers/runtime-spec/specs-go"

	"github.com/superagenthq/superagent/internal/fault"
)

// Labels stamped on every container the supervisor launches. Reconcile
// finds managed containers by these and never touches anything else.
const (
	LabelManaged = "superagent.managed"
	LabelAgent   = "superagent.agent"
	LabelLogPath = "superagent.log_path"
)

const containerIDPrefix = "superagent-"

type LaunchRequest struct {
	AgentID     string
	Image       string
	Env         []string
	Mounts      []specs.Mount
	ExtraLabels map[string]string
	LogPath     string
	// always, missing, or never.
	PullPolicy  string
	Snapshotter string
	AttachCNI   bool
	CNIDirs     CNIDirs
}

type InstanceStatus struct {
	AgentID     string
	ContainerID string
	Image       string
	ImageDigest digest.Digest
	Running     bool
	Status      string
	PID         uint32
	ExitStatus  uint32
	LogPath     string
}

// Runtime is the agent-level adapter over the raw containerd service.
type Runtime struct {
	svc    Service
	logger *slog.Logger
}

func NewRuntime(log *slog.Logger, svc Service) *Runtime {
	return &Runtime{
		svc:    svc,
		logger: log.With(slog.String("component", "runtime")),
	}
}

func ContainerID(agentID string) string { return containerIDPrefix + agentID }

// Launch creates and starts a container for one agent. The container id is
// derived from the agent id, so at most one managed container exists per
// agent.
func (r *Runtime) Launch(ctx context.Context, req LaunchRequest) (InstanceStatus, error) {
	if req.AgentID == "" || req.Image == "" {
		return InstanceStatus{}, fault.New(fault.KindConfig, "agent id and image are required")
	}

	if err := r.ensureImage(ctx, req); err != nil {
		return InstanceStatus{}, err
	}

	labels := map[string]string{
		LabelManaged: "true",
		LabelAgent:   req.AgentID,
	}
	if req.LogPath != "" {
		labels[LabelLogPath] = req.LogPath
	}
	for k, v := range req.ExtraLabels {
		labels[k] = v
	}

	specOpts := []oci.SpecOpts{oci.WithHostname(req.AgentID)}
	if len(req.Env) > 0 {
		specOpts = append(specOpts, oci.WithEnv(req.Env))
	}
	if len(req.Mounts) > 0 {
		specOpts = append(specOpts, oci.WithMounts(req.Mounts))
	}

	id := ContainerID(req.AgentID)
	if _, err := r.svc.CreateContainer(ctx, CreateContainerRequest{
		ID:          id,
		ImageRef:    req.Image,
		Snapshotter: req.Snapshotter,
		Labels:      labels,
		SpecOpts:    specOpts,
	}); err != nil {
		return InstanceStatus{}, fault.Wrap(fault.KindTransport, "create container "+id, err)
	}

	task, err := r.svc.StartTask(ctx, id, &StartTaskOptions{LogPath: req.LogPath})
	if err != nil {
		// Roll back the half-created container so a retry starts clean.
		if delErr := r.svc.DeleteContainer(ctx, id, nil); delErr != nil {
			r.logger.Warn("rollback after failed start", slog.String("container", id), slog.Any("error", delErr))
		}
		return InstanceStatus{}, fault.Wrap(fault.KindTransport, "start task "+id, err)
	}

	if req.AttachCNI {
		if err := SetupNetwork(ctx, task, id, req.CNIDirs); err != nil {
			r.logger.Warn("cni attach failed, container has no network",
				slog.String("container", id), slog.Any("error", err))
		}
	}

	return InstanceStatus{
		AgentID:     req.AgentID,
		ContainerID: id,
		Image:       req.Image,
		Running:     true,
		Status:      "running",
		PID:         task.Pid(),
		LogPath:     req.LogPath,
	}, nil
}

func (r *Runtime) ensureImage(ctx context.Context, req LaunchRequest) error {
	switch req.PullPolicy {
	case "always":
		if _, err := r.svc.PullImage(ctx, req.Image, &PullImageOptions{Unpack: true, Snapshotter: req.Snapshotter}); err != nil {
			return fault.Wrap(fault.KindTransport, "pull image "+req.Image, err)
		}
	case "never":
		if _, err := r.svc.GetImage(ctx, req.Image); err != nil {
			return fault.Wrap(fault.KindConfig, "image "+req.Image+" not present and pulls are disabled", err)
		}
	default:
		// missing: CreateContainer pulls on demand.
	}
	return nil
}

// Stop tears the agent's container down: graceful task stop, task delete,
// then container delete. Missing pieces are tolerated so Stop is
// idempotent.
func (r *Runtime) Stop(ctx context.Context, agentID string, grace time.Duration) error {
	if agentID == "" {
		return fault.New(fault.KindConfig, "agent id is required")
	}
	id := ContainerID(agentID)

	if task, err := r.svc.GetTask(ctx, id); err == nil {
		if err := RemoveNetwork(ctx, task, id, CNIDirs{}); err != nil {
			r.logger.Debug("cni detach failed", slog.String("container", id), slog.Any("error", err))
		}
		if err := r.svc.StopTask(ctx, id, &StopTaskOptions{
			Signal:  syscall.SIGTERM,
			Timeout: grace,
			Force:   true,
		}); err != nil {
			r.logger.Warn("task stop failed", slog.String("container", id), slog.Any("error", err))
		}
		if err := r.svc.DeleteTask(ctx, id, &DeleteTaskOptions{Force: true}); err != nil {
			r.logger.Warn("task delete failed", slog.String("container", id), slog.Any("error", err))
		}
	}

	if err := r.svc.DeleteContainer(ctx, id, nil); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fault.Wrap(fault.KindTransport, "delete container "+id, err)
	}
	return nil
}

// Inspect reports the current runtime state of one agent's container.
func (r *Runtime) Inspect(ctx context.Context, agentID string) (InstanceStatus, error) {
	if agentID == "" {
		return InstanceStatus{}, fault.New(fault.KindConfig, "agent id is required")
	}
	id := ContainerID(agentID)

	container, err := r.svc.GetContainer(ctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return InstanceStatus{}, fault.Wrap(fault.KindNotFound, "container "+id, err)
		}
		return InstanceStatus{}, fault.Wrap(fault.KindTransport, "load container "+id, err)
	}
	info, err := container.Info(ctx)
	if err != nil {
		return InstanceStatus{}, fault.Wrap(fault.KindTransport, "inspect "+id, err)
	}

	status := InstanceStatus{
		AgentID:     agentID,
		ContainerID: id,
		Image:       info.Image,
		Status:      "stopped",
		LogPath:     info.Labels[LabelLogPath],
	}
	if img, imgErr := container.Image(ctx); imgErr == nil {
		status.ImageDigest = img.Target().Digest
	}
	tasks, err := r.svc.ListTasks(ctx, &ListTasksOptions{})
	if err != nil {
		return status, nil
	}
	for _, t := range tasks {
		if t.ContainerID != id {
			continue
		}
		status.PID = t.PID
		status.ExitStatus = t.ExitStatus
		status.Status = strings.ToLower(t.Status.String())
		status.Running = t.Status == tasktypes.Status_RUNNING
	}
	return status, nil
}

// List returns every managed agent container, running or not.
func (r *Runtime) List(ctx context.Context) ([]InstanceStatus, error) {
	containers, err := r.svc.ListContainersByLabel(ctx, LabelManaged, "true")
	if err != nil {
		return nil, fault.Wrap(fault.KindTransport, "list managed containers", err)
	}

	out := make([]InstanceStatus, 0, len(containers))
	for _, container := range containers {
		info, err := container.Info(ctx)
		if err != nil {
			continue
		}
		agentID := info.Labels[LabelAgent]
		if agentID == "" {
			continue
		}
		status, err := r.Inspect(ctx, agentID)
		if err != nil {
			continue
		}
		out = append(out, status)
	}
	return out, nil
}

// Exec runs a command inside the agent's container and returns its
// combined output. Used for liveness probes and operator diagnostics.
func (r *Runtime) Exec(ctx context.Context, agentID string, args []string, timeout time.Duration) (string, uint32, error) {
	if agentID == "" || len(args) == 0 {
		return "", 0, fault.New(fault.KindConfig, "agent id and command are required")
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var out bytes.Buffer
	result, err := r.svc.ExecTask(ctx, ContainerID(agentID), ExecTaskRequest{
		Args:   args,
		Stdout: &out,
		Stderr: &out,
	})
	if err != nil {
		return out.String(), 0, fault.Wrap(fault.KindTransport, "exec in "+agentID, err)
	}
	return out.String(), result.ExitCode, nil
}

// Logs returns up to tail trailing bytes of the container's log file.
func (r *Runtime) Logs(ctx context.Context, agentID string, tail int64) (string, error) {
	status, err := r.Inspect(ctx, agentID)
	if err != nil {
		return "", err
	}
	if status.LogPath == "" {
		return "", fault.New(fault.KindNotFound, "no log file recorded for "+agentID)
	}
	return tailFile(status.LogPath, tail)
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

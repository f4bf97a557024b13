package containerd

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/containerd/containerd/v2/client"
	gocni "github.com/containerd/go-cni"
)

// CNIDirs points the network helpers at the plugin install. Zero values
// fall back to the conventional host paths.
type CNIDirs struct {
	BinDir  string
	ConfDir string
}

func (d CNIDirs) withDefaults() CNIDirs {
	if d.BinDir == "" {
		d.BinDir = "/opt/cni/bin"
	}
	if d.ConfDir == "" {
		d.ConfDir = "/etc/cni/net.d"
	}
	return d
}

// SetupNetwork attaches CNI networking to a running task.
func SetupNetwork(ctx context.Context, task client.Task, containerID string, dirs CNIDirs) error {
	if task == nil {
		return ErrInvalidArgument
	}
	if containerID == "" {
		containerID = task.ID()
	}
	if containerID == "" {
		return ErrInvalidArgument
	}
	dirs = dirs.withDefaults()

	pid := task.Pid()
	if pid == 0 {
		return fmt.Errorf("task pid not available for %s", containerID)
	}
	if runtime.GOOS == "darwin" {
		return cniWithCLI(ctx, "cni-setup", containerID, pid, dirs)
	}

	netnsPath, cni, err := loadCNI(containerID, pid, dirs)
	if err != nil {
		return err
	}
	_, err = cni.Setup(ctx, containerID, netnsPath)
	return err
}

// RemoveNetwork detaches CNI networking for a running task.
func RemoveNetwork(ctx context.Context, task client.Task, containerID string, dirs CNIDirs) error {
	if task == nil {
		return ErrInvalidArgument
	}
	if containerID == "" {
		containerID = task.ID()
	}
	if containerID == "" {
		return ErrInvalidArgument
	}
	dirs = dirs.withDefaults()

	pid := task.Pid()
	if pid == 0 {
		return fmt.Errorf("task pid not available for %s", containerID)
	}
	if runtime.GOOS == "darwin" {
		return cniWithCLI(ctx, "cni-remove", containerID, pid, dirs)
	}

	netnsPath, cni, err := loadCNI(containerID, pid, dirs)
	if err != nil {
		return err
	}
	return cni.Remove(ctx, containerID, netnsPath)
}

func loadCNI(containerID string, pid uint32, dirs CNIDirs) (string, gocni.CNI, error) {
	if _, err := os.Stat(dirs.ConfDir); err != nil {
		return "", nil, fmt.Errorf("cni config dir missing: %s: %w", dirs.ConfDir, err)
	}
	if _, err := os.Stat(dirs.BinDir); err != nil {
		return "", nil, fmt.Errorf("cni bin dir missing: %s: %w", dirs.BinDir, err)
	}
	netnsPath := filepath.Join("/proc", fmt.Sprint(pid), "ns", "net")
	if _, err := os.Stat(netnsPath); err != nil {
		return "", nil, fmt.Errorf("netns not found: %s: %w", netnsPath, err)
	}

	cni, err := gocni.New(
		gocni.WithPluginDir([]string{dirs.BinDir}),
		gocni.WithPluginConfDir(dirs.ConfDir),
	)
	if err != nil {
		return "", nil, err
	}
	if err := cni.Load(gocni.WithLoNetwork, gocni.WithDefaultConf); err != nil {
		return "", nil, err
	}
	return netnsPath, cni, nil
}

// cniWithCLI shells through lima on macOS development hosts, where the CNI
// plugins live inside the VM.
func cniWithCLI(ctx context.Context, subcommand, containerID string, pid uint32, dirs CNIDirs) error {
	args := []string{
		"shell",
		"--tty=false",
		"default",
		"--",
		"sudo",
		"-n",
		"superagent-cli",
		subcommand,
		"--id", containerID,
		"--pid", fmt.Sprint(pid),
		"--conf-dir", dirs.ConfDir,
		"--bin-dir", dirs.BinDir,
	}
	cmd := exec.CommandContext(ctx, "limactl", args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if stderr.Len() > 0 {
			return fmt.Errorf("cni cli failed: %s", strings.TrimSpace(stderr.String()))
		}
		return err
	}
	return nil
}

package containerd

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

const fallbackNameservers = "nameserver 1.1.1.1\nnameserver 8.8.8.8\n"

// systemdResolvPath is a var so tests can point it at a fixture.
var systemdResolvPath = "/run/systemd/resolve/resolv.conf"

// DNSConfigSource picks the host file to bind-mount as a container's
// /etc/resolv.conf. systemd-resolved's upstream file is preferred; the
// glibc stub at 127.0.0.53 is unreachable from a container netns. Without
// it a static fallback is written once under dataDir and reused.
func DNSConfigSource(dataDir string) (string, error) {
	if strings.TrimSpace(dataDir) == "" {
		return "", ErrInvalidArgument
	}
	if hostFileExists(systemdResolvPath) {
		return systemdResolvPath, nil
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dataDir, "resolv.conf")
	if _, err := os.Stat(path); err == nil {
		return path, nil
	} else if !os.IsNotExist(err) {
		return "", err
	}
	if err := os.WriteFile(path, []byte(fallbackNameservers), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// hostFileExists checks where containers actually run: through lima on
// macOS development hosts, directly elsewhere.
func hostFileExists(path string) bool {
	if runtime.GOOS == "darwin" {
		cmd := exec.Command("limactl", "shell", "--tty=false", "default", "--", "test", "-f", path)
		return cmd.Run() == nil
	}
	_, err := os.Stat(path)
	return err == nil
}

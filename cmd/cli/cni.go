package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	gocni "github.com/containerd/go-cni"
	"github.com/spf13/cobra"
)

// cniCmd builds one of the cni-* helper commands. They run inside the VM
// (or as root on the host) where the CNI plugins live, invoked by the
// daemon's network layer rather than by operators.
func cniCmd(name string) *cobra.Command {
	var (
		id       string
		netns    string
		pid      int
		confDir  string
		binDir   string
		ifPrefix string
	)

	cmd := &cobra.Command{
		Use:    name,
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cni, err := newCNI(binDir, confDir, ifPrefix)
			if err != nil {
				return err
			}
			if err := cni.Load(gocni.WithLoNetwork, gocni.WithDefaultConf); err != nil {
				return err
			}
			if name == "cni-status" {
				return cni.Status()
			}

			if id == "" {
				return fmt.Errorf("missing --id")
			}
			if netns == "" && pid == 0 {
				return fmt.Errorf("missing --netns or --pid")
			}
			if netns == "" {
				netns = filepath.Join("/proc", strconv.Itoa(pid), "ns", "net")
			}

			switch name {
			case "cni-setup":
				result, err := cni.Setup(context.Background(), id, netns)
				if err != nil {
					return err
				}
				if result != nil {
					return json.NewEncoder(os.Stdout).Encode(result)
				}
				return nil
			case "cni-remove":
				return cni.Remove(context.Background(), id, netns)
			case "cni-check":
				return cni.Check(context.Background(), id, netns)
			}
			return fmt.Errorf("unknown cni command %s", name)
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "container id")
	cmd.Flags().StringVar(&netns, "netns", "", "network namespace path")
	cmd.Flags().IntVar(&pid, "pid", 0, "task pid, used when --netns is absent")
	cmd.Flags().StringVar(&confDir, "conf-dir", "", "CNI config directory")
	cmd.Flags().StringVar(&binDir, "bin-dir", "", "CNI plugin directory")
	cmd.Flags().StringVar(&ifPrefix, "if-prefix", "", "interface name prefix")
	return cmd
}

func newCNI(binDir, confDir, ifPrefix string) (gocni.CNI, error) {
	opts := []gocni.Opt{}
	if strings.TrimSpace(binDir) != "" {
		opts = append(opts, gocni.WithPluginDir([]string{binDir}))
	}
	if strings.TrimSpace(confDir) != "" {
		opts = append(opts, gocni.WithPluginConfDir(confDir))
	}
	if strings.TrimSpace(ifPrefix) != "" {
		opts = append(opts, gocni.WithInterfacePrefix(ifPrefix))
	}
	return gocni.New(opts...)
}

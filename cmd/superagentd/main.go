package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "superagentd",
		Short: "Discord multi-agent supervisor daemon",
	}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon: gateway, memory, supervisor, and control API",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
	root.AddCommand(serve)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

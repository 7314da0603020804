// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/tombee/foreman/internal/daemon"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "foremand",
		Short:         "CI orchestration daemon",
		Long:          "foremand accepts forge webhooks, compiles workflow files into job graphs and dispatches jobs to registered agents.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCommand())
	root.AddCommand(newVersionCommand())
	return root
}

func newServeCommand() *cobra.Command {
	opts := daemon.RunOptions{Version: version}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon",
		Long:  "Start the daemon and serve until interrupted.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return daemon.Run(opts)
		},
	}

	addServeFlags(cmd.Flags(), &opts)
	return cmd
}

func addServeFlags(flags *pflag.FlagSet, opts *daemon.RunOptions) {
	flags.StringVarP(&opts.ConfigPath, "config", "c", "", "Path to the config file")
	flags.StringVar(&opts.ListenAddr, "listen", "", "TCP address to listen on (overrides config)")
	flags.StringVar(&opts.WorkflowsDir, "workflows-dir", "", "Directory scanned for scheduled workflows")
	flags.StringVar(&opts.DataDir, "data-dir", "", "Directory for the agent roster database")
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("foremand %s (commit: %s, built: %s)\n", version, commit, buildDate)
		},
	}
}

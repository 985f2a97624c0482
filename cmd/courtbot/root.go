package main

import (
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	CommitSHA = "none"
	BuildDate = "unknown"
)

type rootOpts struct {
	cfgPath string
	logLvl  string
}

func newRootCmd() *cobra.Command {
	opts := &rootOpts{}
	root := &cobra.Command{
		Use:           "courtbot",
		Short:         "Books CourtReserve courts at release time and fills cancellations",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.cfgPath, "config", "c", "./config.yaml", "path to config (yaml or json)")
	root.PersistentFlags().StringVar(&opts.logLvl, "log-level", "info", "log level for one-shot commands")

	root.AddCommand(
		newRunCmd(opts),
		newTriggerCmd(),
		newStateCmd(),
		newMigrateCmd(opts),
		newJobsCmd(opts),
		newReservationsCmd(opts),
		newKeysCmd(),
		newEncryptCmd(opts),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version info",
		Run: func(cmd *cobra.Command, _ []string) {
			mod := ""
			if bi, ok := debug.ReadBuildInfo(); ok {
				mod = bi.Main.Path + " " + bi.Main.Version
			}
			fmt.Fprintf(cmd.OutOrStdout(), "courtbot %s (commit=%s, built=%s, %s, %s)\n",
				Version, CommitSHA, BuildDate, runtime.Version(), mod)
		},
	}
}

package cmd

import (
	"fmt"
	"os"

	"github.com/ValentinKolb/docDB/cmd/info"
	"github.com/ValentinKolb/docDB/cmd/maintain"
	"github.com/ValentinKolb/docDB/cmd/perf"
	"github.com/ValentinKolb/docDB/cmd/util"
	"github.com/ValentinKolb/docDB/lib/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	Version = "0.3.1"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "docdb",
		Short: "transactional document database",
		Long: fmt.Sprintf(`docDB (v%s)

An embedded transactional document database written in Go,
with crash-consistent compaction, schema versioning and a
snapshot-isolated document cache.`, Version),
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logging.InitLoggers(viper.GetString("log-level"))
		},
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of docDB",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("docDB v%s\n", Version)
		},
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(util.InitConfig)

	// Add Commands
	RootCmd.AddCommand(maintain.MaintainCmd)
	RootCmd.AddCommand(info.InfoCmd)
	RootCmd.AddCommand(perf.PerfCmd)
	RootCmd.AddCommand(versionCmd)

	// Add Flags
	key := "log-level"
	RootCmd.PersistentFlags().String(key, "info", util.WrapString("log level to use (debug, info, warn, error)"))
	_ = viper.BindPFlag(key, RootCmd.PersistentFlags().Lookup(key))
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

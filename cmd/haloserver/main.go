package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	halConfig  string
	halVerbose bool
	version    = "dev" // Will be set by build flags
)

var rootCmd = &cobra.Command{
	Use:   "haloserver",
	Short: "Online, profile-guided recompilation server",
	Long: `Halo watches perf samples streamed from enrolled client processes,
incrementally tries alternative compiler configurations for each
process's hottest functions, and hot-patches in whichever version
measurably wins an A/B bakeoff against what's currently deployed.`,
	Version: version,
	RunE:    runServer,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&halConfig, "halo-config", "", "path to the server-settings/knob JSON file (required)")
	rootCmd.PersistentFlags().BoolVarP(&halVerbose, "halo-verbose", "v", false, "verbose (debug-level) logging")

	rootCmd.Flags().Int("halo-port", 29000, "TCP port to accept client enrollments on")
	rootCmd.Flags().Int("halo-threads", 4, "compilation worker pool size")
	rootCmd.Flags().Bool("halo-no-persist", false, "exit once every connected client has disconnected")
	rootCmd.Flags().String("halo-strategy", "adapt", "tuning strategy: adapt (bakeoff-gated search) or jit (bakeoffs time out on their first sample; a new compile is merged into the current best without being deployed)")
	rootCmd.Flags().String("halo-metric", "ipc", "quality metric compared during a bakeoff: ipc or calls")
	rootCmd.Flags().Bool("halo-forcemerge", false, "on bakeoff timeout, force-merge the challenger into the current best version and remove it (otherwise both are kept)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

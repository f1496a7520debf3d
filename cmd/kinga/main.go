// Kinga runs untrusted code in a resource-bounded child process under
// capability-based authorization.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "kinga",
	Short: "Kinga: capability-enforcing sandbox runtime.",
	Long: `Kinga executes generated code in an isolated child process with memory,
CPU and file size limits. Every sensitive operation the code attempts is
checked against capability tokens and security policies before it runs.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default ~/.kinga/config.yaml, or KINGA_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")
	rootCmd.AddCommand(runCmd, execCmd, checkCmd, guardCmd, violationsCmd, cacheCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		var exit *exitError
		if errors.As(err, &exit) {
			if exit.msg != "" {
				fmt.Fprintln(os.Stderr, exit.msg)
			}
			os.Exit(exit.code)
		}
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(ExitFailure)
	}
}

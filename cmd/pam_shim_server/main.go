// pam_shim_server is the child end of the shim: it reads the request
// protocol on standard input, answers on an inherited duplicate of standard
// output, and forwards every call to the native PAM library. The client
// library spawns one of these per transaction; the binary is not meant to
// be run by hand.
//
// Configuration comes from the environment:
//
//	PAMSHIM_LOG_LEVEL   DEBUG, INFO, WARN, ERROR (default INFO)
//	PAMSHIM_LOG_FORMAT  text or json (default text)
//
// All logging goes to standard error, which the parent shares.
package main

import (
	"errors"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/marmos91/pamshim/internal/logger"
	"github.com/marmos91/pamshim/internal/server"
	"github.com/marmos91/pamshim/internal/server/libpam"
)

var rootCmd = &cobra.Command{
	Use:           "pam_shim_server",
	Short:         "PAM shim protocol endpoint",
	Long:          "Serves one shim session over stdio, dispatching to the native PAM library.",
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	rootCmd.Flags().String("log-level", "", "log level (DEBUG, INFO, WARN, ERROR)")
	rootCmd.Flags().String("log-format", "", "log format (text, json)")
}

func run(cmd *cobra.Command, args []string) error {
	v := viper.New()
	v.SetEnvPrefix("PAMSHIM")
	v.AutomaticEnv()
	_ = v.BindPFlag("log_level", cmd.Flags().Lookup("log-level"))
	_ = v.BindPFlag("log_format", cmd.Flags().Lookup("log-format"))

	logger.Init(logger.Config{
		Level:  v.GetString("log_level"),
		Format: v.GetString("log_format"),
	})

	// From here on stdout belongs to the protocol; the dup must happen
	// before anything can print.
	in, out, err := server.Stdio()
	if err != nil {
		logger.Error("failed to set up IPC pipes", "error", err)
		os.Exit(1)
	}

	return server.New(libpam.New(), in, out).Run()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logger.Error("session failed", "error", err)
		if errors.Is(err, server.ErrReadRequest) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

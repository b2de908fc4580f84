// pamshim is an interactive exercise of the client library: it runs a full
// authentication round against the configured service with prompts answered
// at the terminal. Point PAM_SHIM_SERVER at a pam_shim_server binary (or
// have one on PATH) before running it.
//
// Examples:
//
//	# Authenticate the current user against the "login" stack
//	pamshim --user $USER
//
//	# Use a custom service directory, as in tests
//	pamshim --service dummy --user alice --confdir ./testdata
package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/marmos91/pamshim/internal/cli/prompt"
	"github.com/marmos91/pamshim/pkg/pam"
)

var (
	flagService     string
	flagUser        string
	flagConfdir     string
	flagOpenSession bool
)

var rootCmd = &cobra.Command{
	Use:           "pamshim",
	Short:         "Authenticate through the PAM shim",
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	rootCmd.Flags().StringVar(&flagService, "service", "login", "PAM service name")
	rootCmd.Flags().StringVarP(&flagUser, "user", "u", "", "user to authenticate")
	rootCmd.Flags().StringVar(&flagConfdir, "confdir", "", "directory holding the service definitions")
	rootCmd.Flags().BoolVar(&flagOpenSession, "open-session", false, "also open and close a session")
}

// respond answers one conversation prompt at the terminal.
func respond(style pam.Style, text string) (string, error) {
	switch style {
	case pam.PromptEchoOff:
		return prompt.Secret(text)
	case pam.PromptEchoOn:
		return prompt.Input(text)
	case pam.ErrorMsg:
		fmt.Fprintln(os.Stderr, text)
		return "", nil
	default:
		fmt.Println(text)
		return "", nil
	}
}

func run(cmd *cobra.Command, args []string) error {
	var tx *pam.Transaction
	var err error
	if flagConfdir != "" {
		tx, err = pam.StartConfDir(flagService, flagUser, pam.ConversationFunc(respond), flagConfdir)
	} else {
		tx, err = pam.StartFunc(flagService, flagUser, respond)
	}
	if err != nil {
		return fmt.Errorf("start: %w", err)
	}
	defer tx.End()

	if err := tx.Authenticate(0); err != nil {
		return fmt.Errorf("authenticate: %s", tx.Strerror(tx.Status()))
	}
	fmt.Println("authentication succeeded")

	if err := tx.AcctMgmt(0); err != nil {
		return fmt.Errorf("account management: %s", tx.Strerror(tx.Status()))
	}

	if flagOpenSession {
		if err := tx.OpenSession(0); err != nil {
			return fmt.Errorf("open session: %s", tx.Strerror(tx.Status()))
		}
		defer tx.CloseSession(0)
	}

	if user, err := tx.GetItem(pam.User); err == nil && user != "" {
		fmt.Printf("user: %s\n", user)
	}

	env, err := tx.GetEnvList()
	if err != nil {
		return fmt.Errorf("environment: %w", err)
	}
	names := make([]string, 0, len(env))
	for name := range env {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("%s=%s\n", name, env[name])
	}

	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if prompt.IsAborted(err) {
			os.Exit(130)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jholhewres/wabridge/pkg/wabridge/config"
)

// newTokenCmd creates `wabridge token` for managing the gateway token in
// the OS keyring.
func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage the gateway auth token in the OS keyring",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "set [token]",
			Short: "Store the gateway token (prompts when omitted)",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				token := ""
				if len(args) == 1 {
					token = args[0]
				} else {
					t, err := readSecret("Gateway token: ")
					if err != nil {
						return err
					}
					token = t
				}
				token = strings.TrimSpace(token)
				if token == "" {
					return fmt.Errorf("token is empty")
				}
				if err := config.StoreGatewayToken(token); err != nil {
					return fmt.Errorf("storing token in keyring: %w", err)
				}
				fmt.Println("Gateway token stored in the OS keyring.")
				return nil
			},
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Remove the gateway token from the keyring",
			RunE: func(_ *cobra.Command, _ []string) error {
				if err := config.DeleteGatewayToken(); err != nil {
					return fmt.Errorf("removing token from keyring: %w", err)
				}
				fmt.Println("Gateway token removed.")
				return nil
			},
		},
	)
	return cmd
}

// readSecret reads a line without echo when stdin is a terminal.
func readSecret(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("stdin is not a terminal; pass the token as an argument or set %s", config.GatewayTokenEnv)
	}
	fmt.Print(prompt)
	b, err := term.ReadPassword(fd)
	fmt.Println()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

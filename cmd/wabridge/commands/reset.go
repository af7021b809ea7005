package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
)

// newResetCmd creates the `wabridge reset` command that wipes the stored
// session offline, forcing a new QR scan on the next start.
func newResetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete the stored WhatsApp session and contact cache",
		Long: `Delete the WhatsApp auth material and the contact cache. The next
start asks for a new QR scan. Stop any running wabridge first; use
POST /api/reset-auth to reset a running instance.

Examples:
  wabridge reset
  wabridge reset --yes`,
		RunE: runReset,
	}
	cmd.Flags().BoolP("yes", "y", false, "skip the confirmation prompt")
	return cmd
}

func runReset(cmd *cobra.Command, _ []string) error {
	cfg, _, err := resolveConfig(cmd)
	if err != nil {
		return err
	}

	paths := cfg.WhatsApp.AuthPaths()
	if cfg.Contacts.CachePath != "" {
		paths = append(paths, cfg.Contacts.CachePath)
	}

	yes, _ := cmd.Flags().GetBool("yes")
	if !yes {
		confirmed := false
		err := huh.NewConfirm().
			Title("Delete the WhatsApp session?").
			Description(fmt.Sprintf("This removes %d path(s) and requires a new QR scan.", len(paths))).
			Affirmative("Delete").
			Negative("Cancel").
			Value(&confirmed).
			Run()
		if err != nil {
			return err
		}
		if !confirmed {
			fmt.Println("Cancelled.")
			return nil
		}
	}

	removed := 0
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := os.RemoveAll(p); err != nil {
			return fmt.Errorf("removing %s: %w", p, err)
		}
		fmt.Printf("  removed %s\n", p)
		removed++
	}
	if removed == 0 {
		fmt.Println("Nothing to remove.")
		return nil
	}
	fmt.Println("Session reset. Run `wabridge serve` to pair again.")
	return nil
}

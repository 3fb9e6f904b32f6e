package checkpoint

import "github.com/spf13/cobra"

// Actions defines checkpoint inspection operations.
type Actions interface {
	Show(cmd *cobra.Command, args []string) error
	Clear(cmd *cobra.Command, args []string) error
}

// Commands builds the "checkpoint" parent command with all subcommands.
func Commands(h Actions) []*cobra.Command {
	ckptCmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Inspect and manage the build checkpoint",
	}

	ckptCmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Show the stored checkpoint and whether it can resume",
			RunE:  h.Show,
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Delete the stored checkpoint so the next build starts fresh",
			RunE:  h.Clear,
		},
	)
	return []*cobra.Command{ckptCmd}
}

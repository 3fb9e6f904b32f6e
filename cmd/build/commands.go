package build

import "github.com/spf13/cobra"

// Actions defines the build pipeline operations.
type Actions interface {
	Build(cmd *cobra.Command, args []string) error
}

// Commands builds the build command set.
func Commands(h Actions) []*cobra.Command {
	buildCmd := &cobra.Command{
		Use:   "build",
		Short: "Run the FFU build pipeline, resuming from the last checkpoint",
		RunE:  h.Build,
	}
	buildCmd.Flags().Bool("fresh", false, "discard any existing checkpoint and start from scratch")
	return []*cobra.Command{buildCmd}
}

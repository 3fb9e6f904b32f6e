package checkpoint

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/osforge/ffubuilder/checkpoint"
	cmdcore "github.com/osforge/ffubuilder/cmd/core"
)

type Handler struct {
	cmdcore.BaseHandler
}

func (h Handler) Show(cmd *cobra.Command, _ []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}

	store := checkpoint.NewStore(conf.BuildDir)
	ckpt, err := store.Load(ctx)
	if err != nil {
		return err
	}
	if ckpt == nil {
		fmt.Println("No checkpoint found. The next build starts fresh.")
		return nil
	}

	resumable := checkpoint.IsResumableCheckpoint(ctx, ckpt)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Build ID\t%s\n", ckpt.BuildID)
	fmt.Fprintf(w, "Written\t%s\n", ckpt.Timestamp)
	fmt.Fprintf(w, "Last completed phase\t%s\n", ckpt.LastCompletedPhase)
	fmt.Fprintf(w, "Progress\t%d%%\n", ckpt.PercentComplete)
	fmt.Fprintf(w, "Resumable\t%t\n", resumable)
	w.Flush() //nolint:errcheck

	if len(ckpt.Artifacts) > 0 {
		fmt.Println("\nArtifacts:")
		w = tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		flags := make([]string, 0, len(ckpt.Artifacts))
		for flag := range ckpt.Artifacts {
			flags = append(flags, flag)
		}
		sort.Strings(flags)
		for _, flag := range flags {
			fmt.Fprintf(w, "  %s\t%t\n", flag, ckpt.Artifacts[flag])
		}
		w.Flush() //nolint:errcheck
	}
	return nil
}

func (h Handler) Clear(cmd *cobra.Command, _ []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	if err := checkpoint.NewStore(conf.BuildDir).Remove(ctx); err != nil {
		return err
	}
	fmt.Println("Checkpoint cleared.")
	return nil
}

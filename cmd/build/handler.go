package build

import (
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/osforge/ffubuilder/builder"
	"github.com/osforge/ffubuilder/checkpoint"
	cmdcore "github.com/osforge/ffubuilder/cmd/core"
	"github.com/osforge/ffubuilder/progress"
	buildProgress "github.com/osforge/ffubuilder/progress/build"
	downloadProgress "github.com/osforge/ffubuilder/progress/download"
)

type Handler struct {
	cmdcore.BaseHandler
}

func (h Handler) Build(cmd *cobra.Command, _ []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}

	if fresh, _ := cmd.Flags().GetBool("fresh"); fresh {
		if err := checkpoint.NewStore(conf.BuildDir).Remove(ctx); err != nil {
			return fmt.Errorf("discard checkpoint: %w", err)
		}
		fmt.Println("Discarded existing checkpoint.")
	}

	deps, release, err := cmdcore.InitDeps(conf)
	if err != nil {
		return err
	}
	defer release()

	bctx := builder.NewContext(func(msg string) { fmt.Println(msg) })

	sigCh := make(chan os.Signal, 2) //nolint:mnd
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)
	done := make(chan struct{})
	defer close(done)
	go watchInterrupts(bctx, sigCh, done, func() { os.Exit(130) }) //nolint:mnd

	isTTY := term.IsTerminal(int(os.Stdout.Fd()))
	deps.Downloads = downloadTracker(isTTY)

	o := builder.New(conf, bctx, buildTracker(), builder.DefaultSteps(deps))
	switch err := o.Run(ctx); {
	case err == nil:
		fmt.Printf("Build complete. FFU image: %s\n", conf.FFUPath())
		return nil
	case errors.Is(err, builder.ErrCancelled):
		log.WithFunc("cmd.build").Warnf(ctx, "build cancelled, partial state cleaned up")
		return nil
	default:
		return err
	}
}

// watchInterrupts turns the first interrupt into a cooperative cancel and a
// second one into abort. Closing done detaches the watcher so it does not
// outlive a finished build.
func watchInterrupts(bctx *builder.Context, sigCh <-chan os.Signal, done <-chan struct{}, abort func()) {
	select {
	case <-done:
		return
	case <-sigCh:
	}
	fmt.Println("\nCancellation requested, stopping at the next phase boundary...")
	bctx.RequestCancel()
	select {
	case <-done:
	case <-sigCh:
		fmt.Println("\nAborting.")
		abort()
	}
}

func buildTracker() progress.Tracker {
	return progress.NewTracker(func(e buildProgress.Event) {
		switch e.Phase {
		case buildProgress.PhaseStart:
			fmt.Printf("[%3d%%] %s...\n", e.Percent, e.Name)
		case buildProgress.PhaseSkip:
			fmt.Printf("[%3d%%] %s (already done, skipped)\n", e.Percent, e.Name)
		case buildProgress.PhaseFinish:
			fmt.Println("[100%] Completed")
		}
	})
}

// downloadTracker renders per-payload byte progress. On a terminal the
// running line is rewritten in place; otherwise only start/done lines print.
func downloadTracker(isTTY bool) progress.Tracker {
	return progress.NewTracker(func(e downloadProgress.Event) {
		switch e.Phase {
		case downloadProgress.PhaseStart:
			fmt.Printf("  [%d/%d] %s\n", e.Index+1, e.Total, e.Name)
		case downloadProgress.PhaseData:
			if !isTTY {
				return
			}
			if e.BytesTotal > 0 {
				pct := float64(e.BytesDone) / float64(e.BytesTotal) * 100 //nolint:mnd
				fmt.Printf("\r    %s / %s (%.1f%%)", cmdcore.FormatSize(e.BytesDone), cmdcore.FormatSize(e.BytesTotal), pct)
			} else {
				fmt.Printf("\r    %s downloaded", cmdcore.FormatSize(e.BytesDone))
			}
		case downloadProgress.PhaseDone:
			if isTTY {
				fmt.Print("\r")
			}
			fmt.Printf("    %s done\n", e.Name)
		}
	})
}

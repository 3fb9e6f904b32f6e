package builder

import (
	"context"
	"fmt"

	"github.com/projecteru2/core/log"

	"github.com/osforge/ffubuilder/cleanup"
	"github.com/osforge/ffubuilder/phase"
)

// CheckCancellation is the single point where cancellation is observed. The
// orchestrator polls it at phase boundaries; nothing interrupts a phase
// mid-operation.
//
// A nil build context means a non-interactive invocation with no
// cancellation channel: the check returns false with no side effects, even
// when invokeCleanup is requested. When the flag is set the phase is named
// in the log and the user-visible message channel; with invokeCleanup the
// build state moves to Cancelled and the registry drains.
func CheckCancellation(ctx context.Context, bctx *Context, p phase.Phase, invokeCleanup bool) bool {
	return checkCancellation(ctx, bctx, p, invokeCleanup, cleanup.Default)
}

func checkCancellation(ctx context.Context, bctx *Context, p phase.Phase, invokeCleanup bool, registry *cleanup.Registry) bool {
	if bctx == nil {
		return false
	}
	if !bctx.CancelRequested() {
		return false
	}

	log.WithFunc("builder.CheckCancellation").Warnf(ctx, "cancellation requested at phase %s", p)
	bctx.notify(fmt.Sprintf("Build cancelled by user at phase %s", p))

	if invokeCleanup {
		bctx.SetState(StateCancelled)
		registry.Invoke(ctx, fmt.Sprintf("User cancelled build at: %s", p), cleanup.KindAll)
	}
	return true
}

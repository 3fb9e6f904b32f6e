package builder

import (
	"context"
	"strings"
	"testing"

	"github.com/osforge/ffubuilder/cleanup"
	"github.com/osforge/ffubuilder/phase"
)

func TestCheckCancellationNilContext(t *testing.T) {
	registry := cleanup.New()
	invoked := 0
	registry.Register("noop", cleanup.KindTempFile, "x", func(context.Context) error {
		invoked++
		return nil
	})

	if checkCancellation(context.Background(), nil, phase.VMStart, true, registry) {
		t.Fatal("nil build context must report not cancelled")
	}
	if invoked != 0 {
		t.Fatalf("nil build context must not invoke cleanup, got %d invocations", invoked)
	}
	if registry.Len() != 1 {
		t.Fatalf("registry should be untouched, have %d entries", registry.Len())
	}
}

func TestCheckCancellationNotRequested(t *testing.T) {
	bctx := NewContext(nil)
	if checkCancellation(context.Background(), bctx, phase.VMStart, true, cleanup.New()) {
		t.Fatal("unset flag must report not cancelled")
	}
	if got := bctx.State(); got != StateRunning {
		t.Fatalf("state changed to %s without a cancel request", got)
	}
}

func TestCheckCancellationWithoutCleanup(t *testing.T) {
	var msg string
	bctx := NewContext(func(m string) { msg = m })
	bctx.RequestCancel()

	registry := cleanup.New()
	registry.Register("noop", cleanup.KindTempFile, "x", func(context.Context) error { return nil })

	if !checkCancellation(context.Background(), bctx, phase.VHDXCreation, false, registry) {
		t.Fatal("set flag must report cancelled")
	}
	if !strings.Contains(msg, string(phase.VHDXCreation)) {
		t.Fatalf("notification %q does not name the phase", msg)
	}
	if got := bctx.State(); got != StateRunning {
		t.Fatalf("state moved to %s even though cleanup was not requested", got)
	}
	if registry.Len() != 1 {
		t.Fatalf("registry drained without invokeCleanup, %d entries left", registry.Len())
	}
}

func TestCheckCancellationWithCleanup(t *testing.T) {
	bctx := NewContext(nil)
	bctx.RequestCancel()

	registry := cleanup.New()
	invoked := false
	registry.Register("noop", cleanup.KindTempFile, "x", func(context.Context) error {
		invoked = true
		return nil
	})

	if !checkCancellation(context.Background(), bctx, phase.FFUCapture, true, registry) {
		t.Fatal("set flag must report cancelled")
	}
	if got := bctx.State(); got != StateCancelled {
		t.Fatalf("state is %s, want %s", got, StateCancelled)
	}
	if !invoked {
		t.Fatal("registered cleanup action did not run")
	}
	if registry.Len() != 0 {
		t.Fatalf("%d entries left after successful cleanup", registry.Len())
	}
}

package core

import (
	"testing"

	"github.com/osforge/ffubuilder/config"
)

func TestConfGuards(t *testing.T) {
	if _, err := (BaseHandler{}).Conf(); err == nil {
		t.Fatal("nil provider accepted")
	}
	h := BaseHandler{ConfProvider: func() *config.Config { return nil }}
	if _, err := h.Conf(); err == nil {
		t.Fatal("nil config accepted")
	}
}

func TestInitReturnsContextAndConf(t *testing.T) {
	want := config.DefaultConfig()
	h := BaseHandler{ConfProvider: func() *config.Config { return want }}

	ctx, conf, err := h.Init(nil)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if ctx == nil {
		t.Fatal("no fallback context for a nil command")
	}
	if conf != want {
		t.Fatal("Init did not return the provider's config")
	}
}

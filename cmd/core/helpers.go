package core

import (
	"context"
	"fmt"

	units "github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/osforge/ffubuilder/builder"
	"github.com/osforge/ffubuilder/cleanup"
	"github.com/osforge/ffubuilder/config"
	"github.com/osforge/ffubuilder/download"
	"github.com/osforge/ffubuilder/hypervisor"
	"github.com/osforge/ffubuilder/hypervisor/hyperv"
	"github.com/osforge/ffubuilder/servicing"
	"github.com/osforge/ffubuilder/storage"
	jsonstore "github.com/osforge/ffubuilder/storage/json"
)

// BaseHandler provides shared config access for all command handlers.
type BaseHandler struct {
	ConfProvider func() *config.Config
}

// Init returns the command context and validated config in one call.
func (h BaseHandler) Init(cmd *cobra.Command) (context.Context, *config.Config, error) {
	conf, err := h.Conf()
	if err != nil {
		return nil, nil, err
	}
	return CommandContext(cmd), conf, nil
}

// Conf validates and returns the config. All handlers call this first.
func (h BaseHandler) Conf() (*config.Config, error) {
	if h.ConfProvider == nil {
		return nil, fmt.Errorf("config provider is nil")
	}
	conf := h.ConfProvider()
	if conf == nil {
		return nil, fmt.Errorf("config not initialized")
	}
	return conf, nil
}

// CommandContext returns command context, falling back to Background.
func CommandContext(cmd *cobra.Command) context.Context {
	if cmd != nil && cmd.Context() != nil {
		return cmd.Context()
	}
	return context.Background()
}

// VMIndexStore opens the flock-guarded VM index under the state directory.
func VMIndexStore(conf *config.Config) storage.Store[hypervisor.VMIndex] {
	return jsonstore.New[hypervisor.VMIndex](conf.VMIndexLock(), conf.VMIndexFile())
}

// InitDeps builds the full collaborator set for a build run. The returned
// release func must be called once the pipeline finishes.
func InitDeps(conf *config.Config) (builder.Deps, func(), error) {
	dl, err := download.New(conf.PoolSize, conf.TempDir(), cleanup.Default)
	if err != nil {
		return builder.Deps{}, nil, fmt.Errorf("init downloader: %w", err)
	}
	dism := servicing.New(cleanup.Default)
	deps := builder.Deps{
		Hyper:      hyperv.New(),
		Downloader: dl,
		Servicer:   dism,
		Capturer:   dism,
		VMIndex:    VMIndexStore(conf),
	}
	return deps, dl.Release, nil
}

// FormatSize renders byte counts for table output.
func FormatSize(bytes int64) string {
	return units.HumanSize(float64(bytes))
}

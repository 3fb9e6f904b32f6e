package others

import (
	"fmt"
	"os"
	"time"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"

	cmdcore "github.com/osforge/ffubuilder/cmd/core"
	"github.com/osforge/ffubuilder/download"
	"github.com/osforge/ffubuilder/hypervisor"
	"github.com/osforge/ffubuilder/hypervisor/hyperv"
	"github.com/osforge/ffubuilder/utils"
	"github.com/osforge/ffubuilder/version"
)

type Handler struct {
	cmdcore.BaseHandler
}

// Cleanup removes everything an interrupted build can leave behind: build
// VMs recorded in the index, the scratch disk, the apps ISO, and stale
// in-flight downloads. Captured FFU images and deployment media are kept.
func (h Handler) Cleanup(cmd *cobra.Command, _ []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	logger := log.WithFunc("cmd.cleanup")

	index := cmdcore.VMIndexStore(conf)
	vms, err := hypervisor.ListVMs(ctx, index)
	if err != nil {
		return err
	}
	remover := hypervisor.StopAndRemover{
		Hyper:       hyperv.New(),
		StopTimeout: time.Duration(conf.StopTimeoutSeconds) * time.Second,
	}
	for _, vm := range vms {
		if err := remover.StopAndRemove(ctx, vm.Name); err != nil {
			logger.Warnf(ctx, "could not remove VM %s: %v", vm.Name, err)
			continue
		}
		if err := hypervisor.ForgetVM(ctx, index, vm.Name); err != nil {
			return err
		}
		fmt.Printf("Removed VM: %s\n", vm.Name)
	}

	for _, path := range []string{conf.VHDXPath(), conf.AppsISOPath()} {
		if err := os.Remove(path); err != nil {
			if !os.IsNotExist(err) {
				logger.Warnf(ctx, "could not remove %s: %v", path, err)
			}
			continue
		}
		fmt.Printf("Removed: %s\n", path)
	}
	for _, removed := range utils.RemoveStaleTemp(conf.TempDir(), download.TempPrefix) {
		fmt.Printf("Removed stale temp file: %s\n", removed)
	}

	logger.Infof(ctx, "cleanup completed")
	return nil
}

func (h Handler) Version(_ *cobra.Command, _ []string) error {
	fmt.Print(version.String())
	return nil
}

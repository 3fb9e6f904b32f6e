package hypervisor

import (
	"context"
	"time"

	"github.com/osforge/ffubuilder/storage"
)

// VMRecord is the persisted record for a VM this tool created. Kept so a
// resumed or cancelled build can find and remove its VM without asking the
// user.
type VMRecord struct {
	Name      string    `json:"name"`
	BuildID   string    `json:"build_id"`
	VHDXPath  string    `json:"vhdx_path"`
	CreatedAt time.Time `json:"created_at"`
}

// VMIndex is the top-level structure of <stateDir>/vms.json.
type VMIndex struct {
	VMs map[string]*VMRecord `json:"vms"` // name → record
}

// Init implements storage.Initer — initialises nil maps after
// deserialization.
func (idx *VMIndex) Init() {
	if idx.VMs == nil {
		idx.VMs = make(map[string]*VMRecord)
	}
}

// RecordVM adds or replaces the index entry for a created VM.
func RecordVM(ctx context.Context, store storage.Store[VMIndex], rec *VMRecord) error {
	return store.Update(ctx, func(idx *VMIndex) error {
		idx.VMs[rec.Name] = rec
		return nil
	})
}

// ForgetVM drops the index entry for a removed VM. Unknown names are a
// no-op.
func ForgetVM(ctx context.Context, store storage.Store[VMIndex], name string) error {
	return store.Update(ctx, func(idx *VMIndex) error {
		delete(idx.VMs, name)
		return nil
	})
}

// ListVMs returns a detached copy of all recorded VMs.
func ListVMs(ctx context.Context, store storage.Store[VMIndex]) ([]VMRecord, error) {
	var out []VMRecord
	return out, store.With(ctx, func(idx *VMIndex) error {
		for _, rec := range idx.VMs {
			out = append(out, *rec)
		}
		return nil
	})
}

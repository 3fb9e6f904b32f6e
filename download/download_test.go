package download

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/osforge/ffubuilder/cleanup"
	"github.com/osforge/ffubuilder/progress"
	downloadProgress "github.com/osforge/ffubuilder/progress/download"
	"github.com/osforge/ffubuilder/utils"
)

func newTestDownloader(t *testing.T) (*Downloader, *cleanup.Registry) {
	t.Helper()
	registry := cleanup.New()
	d, err := New(4, t.TempDir(), registry)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(d.Release)
	return d, registry
}

func TestFetchAll(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("payload:" + r.URL.Path)) //nolint:errcheck
	}))
	defer srv.Close()

	d, registry := newTestDownloader(t)
	dest := t.TempDir()

	urls := []string{srv.URL + "/intel.cab", srv.URL + "/audio.msu", srv.URL + "/nic.cab"}
	var doneEvents int
	tracker := progress.NewTracker(func(e downloadProgress.Event) {
		if e.Phase == downloadProgress.PhaseDone {
			doneEvents++
		}
	})

	if err := d.FetchAll(context.Background(), urls, dest, tracker); err != nil {
		t.Fatalf("FetchAll: %v", err)
	}

	for _, name := range []string{"intel.cab", "audio.msu", "nic.cab"} {
		data, err := os.ReadFile(filepath.Join(dest, name))
		if err != nil {
			t.Errorf("payload %s missing: %v", name, err)
			continue
		}
		if string(data) != "payload:/"+name {
			t.Errorf("payload %s content = %q", name, data)
		}
	}
	if doneEvents != 3 {
		t.Errorf("saw %d done events, want 3", doneEvents)
	}
	// All temp-file cleanup entries were unregistered after promotion.
	if registry.Len() != 0 {
		t.Errorf("registry still holds %d entries: %v", registry.Len(), registry.Entries())
	}
}

func TestFetchAllSkipsExisting(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits++
		w.Write([]byte("fresh")) //nolint:errcheck
	}))
	defer srv.Close()

	d, _ := newTestDownloader(t)
	dest := t.TempDir()
	if err := os.WriteFile(filepath.Join(dest, "cached.cab"), []byte("cached"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := d.FetchAll(context.Background(), []string{srv.URL + "/cached.cab"}, dest, progress.Nop); err != nil {
		t.Fatalf("FetchAll: %v", err)
	}
	if hits != 0 {
		t.Errorf("server hit %d times for a cached payload", hits)
	}
	data, _ := os.ReadFile(filepath.Join(dest, "cached.cab"))
	if string(data) != "cached" {
		t.Errorf("cached payload overwritten: %q", data)
	}
}

func TestFetchAllReportsFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.cab" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("ok")) //nolint:errcheck
	}))
	defer srv.Close()

	d, _ := newTestDownloader(t)
	dest := t.TempDir()

	err := d.FetchAll(context.Background(), []string{srv.URL + "/good.cab", srv.URL + "/missing.cab"}, dest, progress.Nop)
	if err == nil {
		t.Fatal("expected an error for the 404 payload")
	}
	// The good payload still landed.
	if _, statErr := os.Stat(filepath.Join(dest, "good.cab")); statErr != nil {
		t.Errorf("good payload missing after partial failure: %v", statErr)
	}
	// The failed payload left nothing behind.
	if _, statErr := os.Stat(filepath.Join(dest, "missing.cab")); !os.IsNotExist(statErr) {
		t.Error("failed payload left a destination file")
	}
}

func TestFetchAllEmpty(t *testing.T) {
	d, _ := newTestDownloader(t)
	if err := d.FetchAll(context.Background(), nil, t.TempDir(), progress.Nop); err != nil {
		t.Fatalf("empty batch should succeed: %v", err)
	}
}

func TestStaleTempSweepMatchesPrefix(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, TempPrefix+"intel.cab-123456")
	if err := os.WriteFile(stale, []byte("partial"), 0o644); err != nil {
		t.Fatal(err)
	}
	when := time.Now().Add(-(utils.StaleTempAge + time.Hour))
	if err := os.Chtimes(stale, when, when); err != nil {
		t.Fatal(err)
	}

	removed := utils.RemoveStaleTemp(dir, TempPrefix)
	if len(removed) != 1 || removed[0] != stale {
		t.Fatalf("removed %v, want the orphaned payload temp file", removed)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatal("orphaned payload temp file still on disk")
	}
}

func TestPayloadName(t *testing.T) {
	if _, err := payloadName("http://host/"); err == nil {
		t.Error("URL without a filename should be rejected")
	}
	name, err := payloadName("http://host/a/b/driver.cab?sig=x")
	if err != nil || name != "driver.cab" {
		t.Errorf("payloadName = %q, %v", name, err)
	}
}

package download

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/projecteru2/core/log"

	"github.com/osforge/ffubuilder/cleanup"
	"github.com/osforge/ffubuilder/progress"
	downloadProgress "github.com/osforge/ffubuilder/progress/download"
	"github.com/osforge/ffubuilder/utils"
)

const (
	// payloadTimeout is the overall timeout for a single payload download.
	payloadTimeout = 30 * time.Minute

	// report every 1 MiB
	progressInterval = 1 << 20
)

// TempPrefix names in-flight payload temp files. Stale-file sweeps in the
// cleanup paths match on it.
const TempPrefix = "dl-"

// Downloader fetches driver/update payloads concurrently. Each in-flight
// payload is registered with the cleanup registry before any bytes hit disk,
// so a failed or cancelled build never strands partial files.
type Downloader struct {
	pool     *ants.Pool
	client   *http.Client
	registry *cleanup.Registry
	tempDir  string
}

// New creates a Downloader with a worker pool of the given size.
func New(poolSize int, tempDir string, registry *cleanup.Registry) (*Downloader, error) {
	if err := utils.EnsureDirs(tempDir); err != nil {
		return nil, err
	}
	pool, err := ants.NewPool(poolSize)
	if err != nil {
		return nil, fmt.Errorf("create ants pool: %w", err)
	}
	return &Downloader{
		pool:     pool,
		client:   &http.Client{},
		registry: registry,
		tempDir:  tempDir,
	}, nil
}

// Release shuts the worker pool down.
func (d *Downloader) Release() {
	d.pool.Release()
}

// FetchAll downloads every URL into destDir with bounded parallelism.
// Filenames come from the final URL path segment. Already-present payloads
// are skipped. Any payload failure fails the batch, after all workers have
// finished.
func (d *Downloader) FetchAll(ctx context.Context, urls []string, destDir string, tracker progress.Tracker) error {
	if len(urls) == 0 {
		return nil
	}
	if err := utils.EnsureDirs(destDir); err != nil {
		return err
	}
	logger := log.WithFunc("download.FetchAll")
	logger.Infof(ctx, "fetching %d payload(s) into %s", len(urls), destDir)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for i, rawURL := range urls {
		wg.Add(1)
		index, payloadURL := i, rawURL

		submitErr := d.pool.Submit(func() {
			defer wg.Done()
			if err := d.fetchOne(ctx, payloadURL, destDir, index, len(urls), tracker); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", payloadURL, err))
				mu.Unlock()
			}
		})
		if submitErr != nil {
			wg.Done()
			mu.Lock()
			errs = append(errs, fmt.Errorf("submit %s: %w", payloadURL, submitErr))
			mu.Unlock()
		}
	}
	wg.Wait()

	if len(errs) > 0 {
		return fmt.Errorf("download errors: %v", errs)
	}
	return ctx.Err()
}

// fetchOne downloads a single payload via a registered temp file, then
// promotes it into destDir and unregisters the cleanup entry.
func (d *Downloader) fetchOne(ctx context.Context, rawURL, destDir string, index, total int, tracker progress.Tracker) error {
	name, err := payloadName(rawURL)
	if err != nil {
		return err
	}
	dest := filepath.Join(destDir, name)
	if utils.ValidFile(dest) {
		log.WithFunc("download.fetchOne").Infof(ctx, "payload %s already present, skipping", name)
		tracker.OnEvent(downloadProgress.Event{Phase: downloadProgress.PhaseDone, Name: name, Index: index, Total: total})
		return nil
	}

	tmp, err := os.CreateTemp(d.tempDir, TempPrefix+name+"-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	// Registered before the first byte is written; unregistered only after
	// the payload has been promoted into destDir.
	cleanupID := d.registry.RegisterTempFile(tmpPath)
	defer os.Remove(tmpPath) //nolint:errcheck

	if err := d.download(ctx, rawURL, tmp, name, index, total, tracker); err != nil {
		tmp.Close() //nolint:errcheck,gosec
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return fmt.Errorf("promote payload: %w", err)
	}
	d.registry.Unregister(cleanupID)

	tracker.OnEvent(downloadProgress.Event{Phase: downloadProgress.PhaseDone, Name: name, Index: index, Total: total})
	return nil
}

func (d *Downloader) download(ctx context.Context, rawURL string, w io.Writer, name string, index, total int, tracker progress.Tracker) error {
	reqCtx, cancel := context.WithTimeout(ctx, payloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch: unexpected status %s", resp.Status)
	}

	tracker.OnEvent(downloadProgress.Event{
		Phase: downloadProgress.PhaseStart, Name: name, Index: index, Total: total,
		BytesTotal: resp.ContentLength,
	})

	var done, lastReport int64
	buf := make([]byte, 256<<10)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				return fmt.Errorf("write payload: %w", writeErr)
			}
			done += int64(n)
			if done-lastReport >= progressInterval {
				lastReport = done
				tracker.OnEvent(downloadProgress.Event{
					Phase: downloadProgress.PhaseData, Name: name, Index: index, Total: total,
					BytesDone: done, BytesTotal: resp.ContentLength,
				})
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("read payload: %w", readErr)
		}
	}
}

// payloadName derives the destination filename from the URL path.
func payloadName(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse URL: %w", err)
	}
	name := path.Base(u.Path)
	if name == "" || name == "." || name == "/" {
		return "", fmt.Errorf("URL %s has no usable filename", rawURL)
	}
	return name, nil
}

package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/mixerkit/goxlr-updater/internal/events"
	"github.com/mixerkit/goxlr-updater/internal/firmware"
	"github.com/mixerkit/goxlr-updater/internal/pkg/metrics"
	"github.com/mixerkit/goxlr-updater/pkg/log"
	"github.com/mixerkit/goxlr-updater/pkg/options"
)

var (
	// ErrNoContentLength reports that the catalog did not declare the image
	// size on the probe. Without a length the ranged transfer cannot be
	// planned.
	ErrNoContentLength = errors.New("catalog did not report a content length")

	// ErrEmptyContent reports a zero-length catalog image.
	ErrEmptyContent = errors.New("catalog reports an empty firmware image")
)

// Downloader pulls firmware images from the catalog in byte-range chunks,
// reporting whole-percentage progress on the notification bus.
type Downloader struct {
	client    *http.Client
	catalog   *Catalog
	chunkSize uint64
	bus       events.Publisher
	logger    log.Logger
}

// NewDownloader creates a downloader from the catalog options.
func NewDownloader(opts *options.CatalogOptions, bus events.Publisher) *Downloader {
	return &Downloader{
		client:    &http.Client{Timeout: opts.Timeout},
		catalog:   NewCatalog(opts),
		chunkSize: opts.ChunkSize,
		bus:       bus,
		logger:    log.WithName("download"),
	}
}

// Fetch downloads the family's firmware image into the scratch directory and
// returns the local path. An existing file at that path is overwritten.
func (d *Downloader) Fetch(ctx context.Context, family firmware.Family) (string, error) {
	imageURL, err := d.catalog.ImageURL(family)
	if err != nil {
		return "", err
	}
	path, err := d.catalog.LocalPath(family)
	if err != nil {
		return "", err
	}

	length, err := d.probe(ctx, imageURL)
	if err != nil {
		return "", err
	}

	d.logger.Info("Downloading firmware image",
		"url", imageURL, "bytes", length, "path", path)

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	if err := d.transfer(ctx, imageURL, f, length); err != nil {
		os.Remove(path)
		return "", err
	}

	d.logger.Info("Firmware image downloaded", "path", path)
	return path, nil
}

// probe issues the HEAD request that sizes the transfer.
func (d *Downloader) probe(ctx context.Context, imageURL string) (uint64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, imageURL, nil)
	if err != nil {
		return 0, err
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("catalog unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("catalog probe returned %s", resp.Status)
	}
	if resp.ContentLength < 0 {
		return 0, ErrNoContentLength
	}
	if resp.ContentLength == 0 {
		return 0, ErrEmptyContent
	}
	return uint64(resp.ContentLength), nil
}

// transfer pulls the image in chunkSize byte ranges. Servers answering a
// range request with a plain 200 send the whole image; that is accepted on
// the first request only.
func (d *Downloader) transfer(ctx context.Context, imageURL string, w io.Writer, length uint64) error {
	var written uint64
	var lastPercent uint8

	for written < length {
		end := written + d.chunkSize
		if end > length {
			end = length
		}

		n, full, err := d.fetchRange(ctx, imageURL, w, written, end-1)
		if err != nil {
			return err
		}
		metrics.DownloadBytesTotal.Add(float64(n))

		if full {
			if written > 0 {
				return errors.New("catalog stopped honoring range requests mid-transfer")
			}
			if n != length {
				return fmt.Errorf("catalog sent %d bytes, expected %d", n, length)
			}
			written = length
		} else {
			written += n
		}

		percent := uint8(written * 100 / length)
		if percent > lastPercent {
			lastPercent = percent
			d.bus.Publish(events.DownloadPercent(percent))
		}
	}
	return nil
}

// fetchRange requests the inclusive byte range [start,end] and copies the
// body to w. full reports a 200 response carrying the entire image instead
// of the requested range.
func (d *Downloader) fetchRange(ctx context.Context, imageURL string, w io.Writer, start, end uint64) (uint64, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return 0, false, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, false, fmt.Errorf("fetch bytes %d-%d: %w", start, end, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent, http.StatusOK:
	default:
		return 0, false, fmt.Errorf("fetch bytes %d-%d: catalog returned %s", start, end, resp.Status)
	}

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return 0, false, fmt.Errorf("read bytes %d-%d: %w", start, end, err)
	}
	return uint64(n), resp.StatusCode == http.StatusOK, nil
}

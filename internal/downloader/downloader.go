package downloader

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/drklauncher/launcher_downloads/internal/downloader/progress"
	"github.com/drklauncher/launcher_downloads/internal/logctx"
	"github.com/drklauncher/launcher_downloads/internal/telemetry"
	"github.com/drklauncher/launcher_downloads/internal/transfer"
)

const (
	dirPerm  = 0755
	filePerm = 0644

	partialSuffix = ".part"

	// A body shorter than this share of Content-Length is treated as truncated.
	minCompleteRatio = 0.95
)

// Resolver turns a URL with a custom scheme (putio://123) into a direct HTTP link.
type Resolver interface {
	Scheme() string
	Resolve(ctx context.Context, u *url.URL) (string, error)
}

// Downloader fetches files over HTTP into a single directory. It implements transfer.Fetcher.
type Downloader struct {
	downloadDir    string
	client         *http.Client
	reportInterval int64
	resolvers      map[string]Resolver
	telemetry      *telemetry.Telemetry
}

type Option func(*Downloader)

// WithResolver registers r for its scheme.
func WithResolver(r Resolver) Option {
	return func(d *Downloader) {
		d.resolvers[r.Scheme()] = r
	}
}

// WithTelemetry counts transferred bytes.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(d *Downloader) {
		d.telemetry = tel
	}
}

func NewDownloader(downloadDir string, client *http.Client, reportInterval int64, opts ...Option) *Downloader {
	if client == nil {
		client = http.DefaultClient
	}

	d := &Downloader{
		downloadDir:    downloadDir,
		client:         client,
		reportInterval: reportInterval,
		resolvers:      make(map[string]Resolver),
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Fetch downloads req into the download directory and returns the final path.
// The body is written to a .part file first; on cancellation the partial file is kept
// so a later request with Resume continues from it, on failure it is removed.
func (d *Downloader) Fetch(ctx context.Context, req transfer.Request, onProgress transfer.ProgressFunc) (string, error) {
	logger := logctx.LoggerFromContext(ctx)

	source, err := d.resolve(ctx, req.URL)
	if err != nil {
		return "", err
	}

	if err := d.ensureDir(); err != nil {
		return "", err
	}

	targetPath := filepath.Join(d.downloadDir, SanitizeFilename(req.Filename))
	partialPath := targetPath + partialSuffix

	var offset int64

	if req.Resume {
		if info, err := os.Stat(partialPath); err == nil {
			offset = info.Size()
		}
	}

	resp, err := d.get(ctx, source, offset)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if offset > 0 && resp.StatusCode != http.StatusPartialContent {
		logger.Info("server ignored range request, restarting from zero", "offset", offset, "status", resp.StatusCode)

		offset = 0
	}

	out, hasher, err := d.openPartial(partialPath, offset, req.SHA1 != "")
	if err != nil {
		return "", err
	}

	var total int64
	if resp.ContentLength > 0 {
		total = offset + resp.ContentLength
	}

	logger.Info("downloading file",
		"file_path", targetPath,
		"file_size", humanize.Bytes(uint64(max(total, 0))),
		"resume_from", humanize.Bytes(uint64(offset)))

	pr := progress.NewReader(resp.Body, offset, total, d.reportInterval, func(read, total int64) {
		if total > 0 {
			onProgress(float64(read) / float64(total))
		}
	})

	var w io.Writer = out
	if hasher != nil {
		w = io.MultiWriter(out, hasher)
	}

	_, copyErr := io.Copy(w, pr)
	closeErr := out.Close()

	d.telemetry.RecordDownloadedBytes(pr.BytesRead() - offset)

	if ctx.Err() != nil {
		logger.Info("download interrupted, keeping partial file", "file_path", partialPath, "downloaded", humanize.Bytes(uint64(pr.BytesRead())))

		return "", ctx.Err()
	}

	if err := errors.Join(copyErr, closeErr); err != nil {
		d.discard(ctx, partialPath)

		return "", &transfer.TransportError{Operation: "fetch", Message: err.Error(), Err: err}
	}

	if err := d.verify(req, pr.BytesRead()-offset, resp.ContentLength, hasher); err != nil {
		d.discard(ctx, partialPath)

		return "", err
	}

	if err := os.Rename(partialPath, targetPath); err != nil {
		d.discard(ctx, partialPath)

		return "", &transfer.DirectoryError{DirectoryName: d.downloadDir, Reason: "failed to move finished file", Err: err}
	}

	onProgress(1)

	logger.Info("downloaded and saved file", "target", targetPath, "size", humanize.Bytes(uint64(pr.BytesRead())))

	return targetPath, nil
}

func (d *Downloader) resolve(ctx context.Context, raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", &transfer.TransportError{Operation: "resolve", Message: "invalid url", Err: err}
	}

	switch u.Scheme {
	case "http", "https":
		return raw, nil
	}

	r, ok := d.resolvers[u.Scheme]
	if !ok {
		return "", &transfer.TransportError{Operation: "resolve", Message: fmt.Sprintf("unsupported scheme %q", u.Scheme)}
	}

	resolved, err := r.Resolve(ctx, u)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s url: %w", u.Scheme, err)
	}

	return resolved, nil
}

func (d *Downloader) get(ctx context.Context, source string, offset int64) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, &transfer.TransportError{Operation: "fetch", Message: "invalid request", Err: err}
	}

	if offset > 0 {
		httpReq.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, &transfer.TransportError{Operation: "fetch", Message: err.Error(), Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		resp.Body.Close()

		return nil, &transfer.AuthenticationError{
			Operation: "fetch",
			Err:       &transfer.TransportError{Operation: "fetch", StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)},
		}
	case resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices:
		resp.Body.Close()

		return nil, &transfer.TransportError{Operation: "fetch", StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}

	return resp, nil
}

// openPartial opens the .part file positioned at offset. When hashing, the bytes already
// on disk are fed to the hasher first so the digest covers the whole file.
func (d *Downloader) openPartial(path string, offset int64, withHash bool) (*os.File, hash.Hash, error) {
	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if offset > 0 {
		flags = os.O_CREATE | os.O_RDWR | os.O_APPEND
	}

	out, err := os.OpenFile(path, flags, filePerm)
	if err != nil {
		return nil, nil, &transfer.DirectoryError{DirectoryName: d.downloadDir, Reason: "failed to create target file", Err: err}
	}

	if !withHash {
		return out, nil, nil
	}

	hasher := sha1.New()

	if offset > 0 {
		if _, err := io.Copy(hasher, io.NewSectionReader(out, 0, offset)); err != nil {
			out.Close()

			return nil, nil, &transfer.DirectoryError{DirectoryName: d.downloadDir, Reason: "failed to read partial file", Err: err}
		}
	}

	return out, hasher, nil
}

func (d *Downloader) verify(req transfer.Request, received, contentLength int64, hasher hash.Hash) error {
	if contentLength > 0 && float64(received) < float64(contentLength)*minCompleteRatio {
		return &transfer.InvalidContentError{
			Filename: req.Filename,
			Reason:   fmt.Sprintf("incomplete download: received %s of %s", humanize.Bytes(uint64(received)), humanize.Bytes(uint64(contentLength))),
		}
	}

	if hasher != nil {
		actual := hex.EncodeToString(hasher.Sum(nil))
		if !strings.EqualFold(actual, req.SHA1) {
			return &transfer.IntegrityError{Filename: req.Filename, Expected: req.SHA1, Actual: actual}
		}
	}

	return nil
}

func (d *Downloader) ensureDir() error {
	if err := os.MkdirAll(d.downloadDir, dirPerm); err != nil {
		return &transfer.DirectoryError{DirectoryName: d.downloadDir, Reason: "failed to create download directory", Err: err}
	}

	return nil
}

func (d *Downloader) discard(ctx context.Context, path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logctx.LoggerFromContext(ctx).Warn("failed to remove partial file", "file_path", path, "err", err)
	}
}

// Package transfer downloads demos into a local staging directory.
//
// At most one demo is staged at a time. A download either leaves the
// complete file at its staged path or leaves nothing at all.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	apperrors "github.com/alexjbarnes/demo-relay/internal/errors"
	"github.com/alexjbarnes/demo-relay/internal/listing"
)

const (
	// stagingDirPerm is the permission mode for the staging directory.
	stagingDirPerm = fs.FileMode(0o755)

	// stagingFilePerm is the permission mode for staged demos. Chrome reads
	// them when the file chooser is filled.
	stagingFilePerm = fs.FileMode(0o644)

	// partSuffix marks a download in progress.
	partSuffix = ".part"
)

// Stager downloads demos from the demo server into dir.
type Stager struct {
	httpClient *http.Client
	baseURL    string
	dir        string
	logger     *slog.Logger
}

// NewStager creates the staging directory if needed and returns a Stager
// that fetches baseURL+downloadPath+fileName. If httpClient is nil the
// listing package's default client is used, but without its overall
// timeout: demos are large and the transfer is bounded by ctx instead.
func NewStager(httpClient *http.Client, baseURL, downloadPath, dir string, logger *slog.Logger) (*Stager, error) {
	if dir == "" {
		return nil, fmt.Errorf("staging directory must not be empty")
	}

	if err := os.MkdirAll(dir, stagingDirPerm); err != nil {
		return nil, fmt.Errorf("creating staging directory %s: %w", dir, err)
	}

	if httpClient == nil {
		httpClient = listing.DefaultHTTPClient()
		httpClient.Timeout = 0
	}

	return &Stager{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/") + downloadPath,
		dir:        dir,
		logger:     logger,
	}, nil
}

// Dir returns the staging directory.
func (s *Stager) Dir() string {
	return s.dir
}

// Download streams fileName from the demo server to the staging
// directory and returns the staged path. On any error the partial file is
// removed and the error wraps ErrDownloadFailed.
func (s *Stager) Download(ctx context.Context, fileName string) (string, error) {
	finalPath, err := s.resolve(fileName)
	if err != nil {
		return "", fmt.Errorf("%w: %w", apperrors.ErrDownloadFailed, err)
	}

	partPath := finalPath + partSuffix

	n, err := s.fetch(ctx, fileName, partPath)
	if err != nil {
		s.remove(partPath)
		return "", fmt.Errorf("%w: %s: %w", apperrors.ErrDownloadFailed, fileName, err)
	}

	if err := os.Rename(partPath, finalPath); err != nil {
		s.remove(partPath)
		s.remove(finalPath)

		return "", fmt.Errorf("%w: %s: moving into place: %w", apperrors.ErrDownloadFailed, fileName, err)
	}

	s.logger.Debug("demo staged",
		slog.String("file", fileName),
		slog.Int64("bytes", n),
	)

	return finalPath, nil
}

// fetch copies the remote file into partPath and syncs it.
func (s *Stager) fetch(ctx context.Context, fileName, partPath string) (int64, error) {
	url := s.baseURL + fileName

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("creating request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fetching %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return 0, fmt.Errorf("%s returned status %d: %s", url, resp.StatusCode, listing.SanitizeResponseBody(body))
	}

	f, err := os.OpenFile(partPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, stagingFilePerm) //nolint:gosec // G304: partPath validated by resolve
	if err != nil {
		return 0, fmt.Errorf("creating staged file: %w", err)
	}

	n, err := io.Copy(f, resp.Body)
	if err != nil {
		f.Close()
		return n, fmt.Errorf("writing staged file: %w", err)
	}

	if resp.ContentLength >= 0 && n != resp.ContentLength {
		f.Close()
		return n, fmt.Errorf("short body: got %d of %d bytes", n, resp.ContentLength)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		return n, fmt.Errorf("syncing staged file: %w", err)
	}

	if err := f.Close(); err != nil {
		return n, fmt.Errorf("closing staged file: %w", err)
	}

	return n, nil
}

// Discard removes the staged copy of fileName. A file that is already
// gone is not an error.
func (s *Stager) Discard(fileName string) error {
	finalPath, err := s.resolve(fileName)
	if err != nil {
		return err
	}

	for _, p := range []string{finalPath, finalPath + partSuffix} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("removing staged %s: %w", fileName, err)
		}
	}

	return nil
}

// Sweep removes every regular file left in the staging directory, for
// example by a crash mid-upload. It returns how many files were removed.
func (s *Stager) Sweep() (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("reading staging directory: %w", err)
	}

	removed := 0

	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}

		if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return removed, fmt.Errorf("removing leftover %s: %w", e.Name(), err)
		}

		s.logger.Info("removed leftover staged file", slog.String("file", e.Name()))
		removed++
	}

	return removed, nil
}

func (s *Stager) remove(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn("failed to remove staged file",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
	}
}

// resolve maps a remote file name to its staged path. Remote names are
// copied verbatim, so anything that would not be a plain child of the
// staging directory is rejected.
func (s *Stager) resolve(fileName string) (string, error) {
	if fileName == "" {
		return "", fmt.Errorf("empty file name")
	}

	if strings.ContainsRune(fileName, 0) {
		return "", fmt.Errorf("file name contains null byte: %q", fileName)
	}

	if strings.ContainsAny(fileName, `/\`) {
		return "", fmt.Errorf("file name contains a path separator: %q", fileName)
	}

	// The name is joined into the download URL as-is; these would change
	// which resource is fetched.
	if strings.ContainsAny(fileName, "?#") {
		return "", fmt.Errorf("file name contains a query or fragment delimiter: %q", fileName)
	}

	if fileName == "." || fileName == ".." {
		return "", fmt.Errorf("invalid file name: %q", fileName)
	}

	return filepath.Join(s.dir, fileName), nil
}

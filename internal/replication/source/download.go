package source

import (
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/snowflk/erpmirror/internal/replication"
	"github.com/snowflk/erpmirror/internal/replication/sqlite"
)

const downloadPattern = "erpmirror-download-*.db"

type DownloadOptions struct {
	// URL serves a complete SQLite database file.
	URL string
	// TempDir receives the downloaded file, os.TempDir() when empty.
	TempDir string
	// Timeout bounds the download and every query on the downloaded file.
	Timeout time.Duration
}

// DownloadSource extracts the tables from a SQLite file published over HTTP.
// The file only lives for the duration of one extraction.
type DownloadSource struct {
	opts   DownloadOptions
	client *http.Client
	log    log.FieldLogger
}

var _ replication.Source = (*DownloadSource)(nil)

func NewDownloadSource(opts DownloadOptions, logger log.FieldLogger) *DownloadSource {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.TempDir == "" {
		opts.TempDir = os.TempDir()
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	s := &DownloadSource{
		opts: opts,
		client: &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   5 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout: 5 * time.Second,
				MaxIdleConns:        10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		log: logger.WithField("source", "download"),
	}
	s.cleanStale()
	return s
}

func (s *DownloadSource) Extract(ctx context.Context, specs []replication.TableSpec) (*replication.Extraction, error) {
	path, token, err := s.download(ctx)
	if err != nil {
		return nil, err
	}
	defer s.remove(path)

	db, err := sqlite.OpenReadOnly(path)
	if err != nil {
		return nil, &replication.ConnectionError{Err: errors.Wrap(err, "opening downloaded database")}
	}
	defer db.Close()

	ext, err := extract(ctx, db, specs, s.opts.Timeout, s.log)
	if err != nil {
		return nil, err
	}
	ext.Token = token
	return ext, nil
}

// download stores the response body in a temporary file and returns its path
// with the freshness token the server sent along.
func (s *DownloadSource) download(ctx context.Context) (string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.opts.URL, nil)
	if err != nil {
		return "", "", &replication.ConnectionError{Err: err}
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return "", "", &replication.ConnectionError{Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", "", &replication.ConnectionError{Err: errors.Errorf("download returned %s", resp.Status)}
	}

	f, err := os.CreateTemp(s.opts.TempDir, downloadPattern)
	if err != nil {
		return "", "", err
	}
	n, err := io.Copy(f, resp.Body)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		s.remove(f.Name())
		return "", "", &replication.ConnectionError{Err: errors.Wrap(err, "reading download")}
	}
	s.log.WithField("bytes", n).Debug("upstream database downloaded")

	token := resp.Header.Get("ETag")
	if token == "" {
		token = resp.Header.Get("Last-Modified")
	}
	return f.Name(), token, nil
}

// cleanStale removes downloads left behind by a process that died mid-cycle.
func (s *DownloadSource) cleanStale() {
	matches, err := filepath.Glob(filepath.Join(s.opts.TempDir, downloadPattern))
	if err != nil {
		return
	}
	for _, path := range matches {
		s.remove(path)
	}
}

func (s *DownloadSource) remove(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		s.log.WithError(err).WithField("file", path).Warn("cannot remove downloaded database")
	}
}

func (s *DownloadSource) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

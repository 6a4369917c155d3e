package detect

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/snowflk/erpmirror/internal/replication"
)

// ETag probes an HTTP resource with a HEAD request and uses its ETag header
// as the token, or Last-Modified when the server sends no ETag.
type ETag struct {
	URL    string
	Client *http.Client
	log    log.FieldLogger
}

var _ replication.Detector = (*ETag)(nil)

func NewETag(url string, timeout time.Duration, logger log.FieldLogger) *ETag {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &ETag{
		URL: url,
		Client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   5 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout: 5 * time.Second,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		log: logger.WithField("detector", "etag"),
	}
}

func (d *ETag) Probe(ctx context.Context, previous string) (bool, string) {
	token, err := d.head(ctx)
	return compare(d.log, previous, token, err)
}

func (d *ETag) head(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, d.URL, nil)
	if err != nil {
		return "", err
	}
	resp, err := d.Client.Do(req)
	if err != nil {
		return "", err
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", errors.Errorf("HEAD %s returned %s", d.URL, resp.Status)
	}
	if etag := resp.Header.Get("ETag"); etag != "" {
		return etag, nil
	}
	return resp.Header.Get("Last-Modified"), nil
}

package feed

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nuetzliches/commandfeed/internal/command"
)

const (
	ContainerNotFound    = "ContainerNotFound"
	ContainerGone        = "ContainerGone"
	ContainerUnreachable = "ContainerUnreachable"
	ContainerInvalidURI  = "ContainerInvalidUri"
)

// ContainerProber checks an export destination. ContainerError returns ""
// when the destination looks usable, otherwise a short status naming the
// problem.
type ContainerProber interface {
	ContainerError(ctx context.Context, dest command.ExportDetails) string
}

// HTTPContainerProber probes export destinations with a HEAD request.
type HTTPContainerProber struct {
	Client  *http.Client
	Timeout time.Duration
}

func NewHTTPContainerProber(timeout time.Duration) *HTTPContainerProber {
	return &HTTPContainerProber{Client: http.DefaultClient, Timeout: timeout}
}

func (p *HTTPContainerProber) ContainerError(ctx context.Context, dest command.ExportDetails) string {
	raw := strings.TrimSpace(dest.DestinationURI)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ContainerInvalidURI
	}
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, u.String(), nil)
	if err != nil {
		return ContainerInvalidURI
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return ContainerUnreachable
	}
	_ = resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusNotFound:
		return ContainerNotFound
	case http.StatusGone:
		return ContainerGone
	default:
		return ""
	}
}

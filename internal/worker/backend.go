package worker

import (
	"context"
	"net/http"
	"strings"

	"github.com/steamwatch/steamwatch/internal/catalog"
	"github.com/steamwatch/steamwatch/internal/oauth"
)

// PackageClient posts observations to the backend's ingest endpoint over the
// shared authorized client, so every post rides the same cached bearer.
type PackageClient struct {
	oauth *oauth.Client
	url   string
}

func NewPackageClient(c *oauth.Client, backendBaseURL string) *PackageClient {
	return &PackageClient{
		oauth: c,
		url:   strings.TrimRight(backendBaseURL, "/") + "/api/v1/package",
	}
}

func (p *PackageClient) PostPackage(ctx context.Context, obs catalog.Observation) error {
	_, err := p.oauth.DoJSON(ctx, http.MethodPost, p.url, obs, nil)
	return err
}

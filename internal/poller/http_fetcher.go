package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/ignite/newsletter-engine/internal/domain"
	"github.com/ignite/newsletter-engine/internal/pkg/httpretry"
)

const progressPath = "/api/newsletter/progress"

// HTTPFetcher queries a running API server for campaign progress.
type HTTPFetcher struct {
	baseURL string
	token   string
	client  httpretry.Doer
}

// NewHTTPFetcher targets baseURL (for example http://localhost:8080). A
// non-empty token is sent as a bearer credential.
func NewHTTPFetcher(baseURL, token string, client httpretry.Doer) *HTTPFetcher {
	if client == nil {
		client = httpretry.New(nil, 3)
	}
	return &HTTPFetcher{baseURL: strings.TrimRight(baseURL, "/"), token: token, client: client}
}

// Progress implements ProgressFetcher. A JSON null body means the campaign
// does not exist.
func (f *HTTPFetcher) Progress(ctx context.Context, title string) (*domain.ProgressSnapshot, error) {
	u := f.baseURL + progressPath + "?title=" + url.QueryEscape(title)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build progress request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query progress: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read progress response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("query progress: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var snap *domain.ProgressSnapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return nil, fmt.Errorf("decode progress response: %w", err)
	}
	return snap, nil
}

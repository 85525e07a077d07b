package snapshots

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/atlasfare/bargain/pkg/contracts"
)

const searchTimeout = 2 * time.Second

// HTTPSource queries a supplier aggregator over HTTP. The aggregator is
// expected to answer GET /v1/snapshots?product_key=... with a JSON array of
// supplier snapshots.
type HTTPSource struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewHTTPSource builds a source for the aggregator at baseURL.
func NewHTTPSource(baseURL string, logger *slog.Logger) *HTTPSource {
	return &HTTPSource{
		baseURL: baseURL,
		client:  &http.Client{Timeout: searchTimeout},
		logger:  logger.With("component", "supplier_source"),
	}
}

// Search fetches current snapshots for the product key.
func (s *HTTPSource) Search(ctx context.Context, productKey string) ([]contracts.SupplierSnapshot, error) {
	u := s.baseURL + "/v1/snapshots?product_key=" + url.QueryEscape(productKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build supplier request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("supplier search: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		s.logger.Warn("supplier search failed",
			"status", resp.StatusCode,
			"product_key", productKey,
			"body", string(body))
		return nil, fmt.Errorf("supplier search: status %d", resp.StatusCode)
	}

	var snaps []contracts.SupplierSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snaps); err != nil {
		return nil, fmt.Errorf("decode supplier response: %w", err)
	}
	return snaps, nil
}

// FileSource serves snapshots from a JSON fixture keyed by product key.
// Development only: snapshot timestamps are refreshed on every read so the
// fixture never trips staleness guardrails.
type FileSource struct {
	path string
	now  func() time.Time

	mu    sync.Mutex
	byKey map[string][]contracts.SupplierSnapshot
}

// NewFileSource loads the fixture at path.
func NewFileSource(path string) (*FileSource, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot fixture: %w", err)
	}
	var byKey map[string][]contracts.SupplierSnapshot
	if err := json.Unmarshal(raw, &byKey); err != nil {
		return nil, fmt.Errorf("parse snapshot fixture %s: %w", path, err)
	}
	return &FileSource{path: path, now: time.Now, byKey: byKey}, nil
}

// Search returns the fixture entries for the product key.
func (s *FileSource) Search(_ context.Context, productKey string) ([]contracts.SupplierSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, ok := s.byKey[productKey]
	if !ok || len(entries) == 0 {
		return nil, fmt.Errorf("no fixture entries for %s", productKey)
	}

	now := s.now().UTC()
	out := make([]contracts.SupplierSnapshot, len(entries))
	copy(out, entries)
	for i := range out {
		out[i].SnapshotAt = now
	}
	return out, nil
}

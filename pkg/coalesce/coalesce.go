// Package coalesce deduplicates concurrent identical upstream calls. When
// multiple rounds need the same supplier search at the same instant, only the
// first caller executes it; everyone else waits on the in-flight result and
// receives the same success or failure.
package coalesce

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/sync/singleflight"
)

// Key derives a deterministic registry key from normalized call parameters.
// Parameter order does not matter; string values are trimmed and lowercased
// so that equivalent searches hash identically.
func Key(kind string, params map[string]string) string {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	normalized := make(map[string]string, len(params))
	for _, name := range names {
		normalized[name] = strings.ToLower(strings.TrimSpace(params[name]))
	}

	// Marshal of a string map is key-sorted, so the digest is stable.
	raw, _ := json.Marshal(normalized)
	sum := sha256.Sum256(raw)
	return kind + ":" + hex.EncodeToString(sum[:])
}

// Registry fans identical in-flight calls into a single execution.
type Registry struct {
	group singleflight.Group
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Do executes fn for key unless an identical call is already in flight, in
// which case it waits for that call's result. Shared is true when the result
// was produced by another caller's execution.
func (r *Registry) Do(ctx context.Context, key string, fn func(context.Context) (interface{}, error)) (interface{}, bool, error) {
	ch := r.group.DoChan(key, func() (interface{}, error) {
		return fn(ctx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Shared, res.Err
		}
		return res.Val, res.Shared, nil
	case <-ctx.Done():
		// The executing caller keeps running; only this waiter gives up.
		return nil, false, fmt.Errorf("coalesced call %s: %w", key, ctx.Err())
	}
}

// Forget drops the in-flight entry for key so the next call re-executes.
func (r *Registry) Forget(key string) {
	r.group.Forget(key)
}

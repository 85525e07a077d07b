package observability

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_DisabledProviderIsInert(t *testing.T) {
	cfg := DefaultConfig()
	require.False(t, cfg.Enabled)

	p, err := New(context.Background(), cfg, slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	// Every record path must be a safe no-op without a collector.
	ctx := context.Background()
	p.SessionOpened(ctx)
	p.SessionClosed(ctx, "accepted")
	p.RecordAccept(ctx, "hotel")

	ctx, done := p.TrackRound(ctx, "counter", "hotel")
	assert.NotNil(t, ctx)
	done(errors.New("boom"), "INTERNAL")

	assert.NoError(t, p.Shutdown(ctx))
}

func TestNew_NilConfigDefaults(t *testing.T) {
	p, err := New(context.Background(), nil, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	assert.NotNil(t, p.Tracer())
}

func TestTrackRound_SpanLifecycle(t *testing.T) {
	p, err := New(context.Background(), DefaultConfig(), slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	ctx, done := p.TrackRound(context.Background(), "start", "flight")
	require.NotNil(t, ctx)
	done(nil, "")
}

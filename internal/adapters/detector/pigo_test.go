package detector

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/dkeye/televisit/internal/core"
	pigo "github.com/esimov/pigo/core"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToLandmarks(t *testing.T) {
	dets := []pigo.Detection{
		{Row: 50, Col: 100, Scale: 40, Q: 9},
		{Row: 10, Col: 10, Scale: 40, Q: 8},
		{Row: 50, Col: 50, Scale: 20, Q: 1},
	}

	got := toLandmarks(dets, 200, 100, 5)
	require.Len(t, got, 2)

	assert.Equal(t, core.Landmarks{
		{X: 0.4, Y: 0.3}, {X: 0.6, Y: 0.3},
		{X: 0.6, Y: 0.7}, {X: 0.4, Y: 0.7},
	}, got[0])

	// Clamped at the frame edge.
	assert.Equal(t, core.Point{X: 0, Y: 0}, got[1][0])
	assert.InDelta(t, 0.15, got[1][2].X, 1e-9)
	assert.InDelta(t, 0.3, got[1][2].Y, 1e-9)

	assert.Nil(t, toLandmarks(dets, 0, 100, 5))
}

func TestLoader_NoModel(t *testing.T) {
	_, err := Loader(Options{}, zerolog.Nop())(context.Background())
	assert.ErrorIs(t, err, ErrNoModel)
}

func TestLoader_MissingFile(t *testing.T) {
	load := Loader(Options{ModelURL: filepath.Join(t.TempDir(), "facefinder")}, zerolog.Nop())
	_, err := load(context.Background())
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoader_MalformedCascade(t *testing.T) {
	path := filepath.Join(t.TempDir(), "facefinder")
	require.NoError(t, os.WriteFile(path, []byte("not a cascade"), 0o644))

	_, err := Loader(Options{ModelURL: path}, zerolog.Nop())(context.Background())
	assert.Error(t, err)
}

func TestReadModel_FetchesAndCaches(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("cascade-bytes"))
	}))
	defer srv.Close()

	cache := filepath.Join(t.TempDir(), "models", "facefinder")
	opts := Options{ModelURL: srv.URL + "/facefinder", CachePath: cache}.withDefaults()

	data, err := readModel(context.Background(), opts, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "cascade-bytes", string(data))

	data, err = readModel(context.Background(), opts, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "cascade-bytes", string(data))
	assert.Equal(t, int32(1), hits.Load())

	cached, err := os.ReadFile(cache)
	require.NoError(t, err)
	assert.Equal(t, "cascade-bytes", string(cached))
}

func TestReadModel_BadStatus(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	opts := Options{ModelURL: srv.URL}.withDefaults()
	_, err := readModel(context.Background(), opts, zerolog.Nop())
	assert.ErrorContains(t, err, "unexpected status")
}

func TestReadModel_CanceledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	opts := Options{ModelURL: srv.URL}.withDefaults()
	_, err := readModel(ctx, opts, zerolog.Nop())
	assert.ErrorIs(t, err, context.Canceled)
}

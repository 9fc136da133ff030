package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pixsim/server/internal/config"
	"pixsim/server/internal/convert"
	"pixsim/server/internal/core"
	"pixsim/server/internal/crypto"
	"pixsim/server/internal/maps"
)

type stubLoader struct {
	result any
}

func (s *stubLoader) Ready() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func (s *stubLoader) Err() error         { return nil }
func (s *stubLoader) Execute(string) any { return s.result }
func (s *stubLoader) Terminate()         {}

var testKeys = sync.OnceValue(func() *crypto.KeyPair {
	keys, err := crypto.GenerateKeyPair()
	if err != nil {
		panic(err)
	}
	return keys
})

const testLookup = `id,rps,bps,standard
1,stone,10,stone
2,dirt,21,dirt
`

func testConverter(t *testing.T) *convert.Converter {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pixels.csv")
	require.NoError(t, os.WriteFile(path, []byte(testLookup), 0o644))
	extractors := map[string]any{
		"rps": map[string]any{"stone": 5, "dirt": 6},
		"bps": map[string]any{"10": 1, "21": 2},
	}
	conv, err := convert.Build(context.Background(), path, []convert.Dialect{{ID: "rps"}, {ID: "bps"}},
		func(d convert.Dialect) (convert.Evaluator, error) {
			return &stubLoader{result: extractors[d.ID]}, nil
		})
	require.NoError(t, err)
	return conv
}

// newTestServer builds the API with one map, one controller and a live
// broker already attached.
func newTestServer(t *testing.T) *Server {
	t.Helper()
	conv := testConverter(t)

	mapsDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(mapsDir, "pixelcrash"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(mapsDir, "pixelcrash", "quarry.json"), []byte(`{
		"format": "rps", "width": 2, "height": 2,
		"data": "5-4",
		"placeableData": ["4", "4"],
		"teamData": "0-4"
	}`), 0o644))
	catalog, err := maps.Load(mapsDir, conv)
	require.NoError(t, err)

	ctrlDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(ctrlDir, "win.asm"),
		[]byte("SETPX 1 2 {stone}\nWIN 0\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(ctrlDir, "broken.asm"),
		[]byte("IF 1\nPRINT 1\n"), 0o644))

	s := New(ctrlDir)
	broker := core.NewBroker(config.Default().Limits, testKeys(), conv, catalog)
	t.Cleanup(broker.Close)
	s.SetBroker(broker)
	return s
}

func get(s *Server, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)
	return rec
}

func TestStatusLifecycle(t *testing.T) {
	s := New(t.TempDir())

	var st core.Status
	rec := get(s, "/pixsim-api/status")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.True(t, st.Starting)
	assert.False(t, st.Active)

	broker := core.NewBroker(config.Default().Limits, testKeys(), testConverter(t), nil)
	t.Cleanup(broker.Close)
	s.SetBroker(broker)

	rec = get(s, "/pixsim-api/status")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.True(t, st.Active)
	assert.False(t, st.Starting)
}

func TestStatusCrashed(t *testing.T) {
	s := New(t.TempDir())
	s.MarkCrashed()

	var st core.Status
	rec := get(s, "/pixsim-api/status")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.True(t, st.Crashed)
	assert.False(t, st.Starting)
	assert.False(t, st.Active)
}

func TestMapsBeforeStartup(t *testing.T) {
	s := New(t.TempDir())
	assert.Equal(t, http.StatusServiceUnavailable, get(s, "/pixsim-api/maps/list/pixelcrash").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get(s, "/pixsim-api/maps/pixelcrash/quarry?format=rps").Code)
}

func TestMapList(t *testing.T) {
	s := newTestServer(t)

	rec := get(s, "/pixsim-api/maps/list/pixelcrash")
	require.Equal(t, http.StatusOK, rec.Code)
	var ids []string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ids))
	assert.Equal(t, []string{"quarry"}, ids)

	assert.Equal(t, http.StatusNotFound, get(s, "/pixsim-api/maps/list/resourcerace").Code)
}

func TestMapGet(t *testing.T) {
	s := newTestServer(t)

	rec := get(s, "/pixsim-api/maps/pixelcrash/quarry?format=bps")
	require.Equal(t, http.StatusOK, rec.Code)
	var em maps.EncodedMap
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &em))
	assert.Equal(t, "bps", em.Format)
	assert.Equal(t, 2, em.Width)
	// rps id 5 is bps pixel "1" rotation "0", four cells.
	assert.Equal(t, "1-4", em.Data)
	assert.Equal(t, "0-4", em.RotationData)

	assert.Equal(t, http.StatusBadRequest, get(s, "/pixsim-api/maps/pixelcrash/quarry").Code)
	assert.Equal(t, http.StatusNotFound, get(s, "/pixsim-api/maps/pixelcrash/nope?format=rps").Code)
	assert.Equal(t, http.StatusNotFound, get(s, "/pixsim-api/maps/pixelcrash/quarry?format=xyz").Code)
}

func TestControllerEmission(t *testing.T) {
	s := newTestServer(t)

	rec := get(s, "/pixsim-api/controllers/win.asm?format=bps")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get(echo.HeaderContentType), "text/plain")
	assert.Equal(t, "setPixel(1, 2, \"10\")\ntriggerWin(0)\n", rec.Body.String())

	// The same program renders with the rps string id for rps clients.
	rec = get(s, "/pixsim-api/controllers/win.asm?format=rps")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "setPixel(1, 2, \"stone\")\ntriggerWin(0)\n", rec.Body.String())
}

func TestControllerFailures(t *testing.T) {
	s := newTestServer(t)

	assert.Equal(t, http.StatusBadRequest, get(s, "/pixsim-api/controllers/win.asm").Code)
	assert.Equal(t, http.StatusNotFound, get(s, "/pixsim-api/controllers/missing.asm?format=rps").Code)
	assert.Equal(t, http.StatusNotFound, get(s, "/pixsim-api/controllers/win.asm?format=xyz").Code)
	// Unclosed block: compile fails once, then stays failed.
	assert.Equal(t, http.StatusNotFound, get(s, "/pixsim-api/controllers/broken.asm?format=rps").Code)
	assert.Equal(t, http.StatusNotFound, get(s, "/pixsim-api/controllers/broken.asm?format=rps").Code)
	// Traversal is confined to the controllers dir.
	assert.Equal(t, http.StatusNotFound, get(s, "/pixsim-api/controllers/..%2F..%2Fetc%2Fpasswd?format=rps").Code)
}

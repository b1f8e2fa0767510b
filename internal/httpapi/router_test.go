package httpapi

import (
	"bytes"
	"encoding/json"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freeeve/regionstore/internal/region"
	"github.com/freeeve/regionstore/internal/region/layertest"
	"github.com/freeeve/regionstore/internal/store"
)

func newTestServer(t *testing.T) (*httptest.Server, *store.Store) {
	t.Helper()
	reg := prometheus.NewRegistry()
	st, err := store.New(store.Config{
		Dir:               t.TempDir(),
		Layers:            []region.LayerFactory{&layertest.Factory{}},
		Logger:            zerolog.Nop(),
		Registerer:        reg,
		Now:               layertest.NewClock(1000).Now,
		IOWorkers:         2,
		MutationWorkers:   2,
		RenderWorkers:     1,
		RenderDelay:       time.Millisecond,
		RetryDelay:        time.Millisecond,
		ShutdownTimeout:   5 * time.Second,
		DisableBackground: true,
	})
	require.NoError(t, err)
	srv := httptest.NewServer(NewRouter(zerolog.Nop(), st, reg, 5*time.Second))
	t.Cleanup(func() {
		srv.Close()
		_ = st.Close()
	})
	return srv, st
}

func post(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	resp, err := http.Post(url, "application/json", &buf)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func get(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)
	for _, p := range []string{"/healthz", "/readyz"} {
		resp := get(t, srv.URL+p)
		assert.Equal(t, http.StatusOK, resp.StatusCode, p)
	}
}

func TestColumnsWriteAndRead(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := post(t, srv.URL+"/v1/columns?wait=1", []ColumnUpdate{
		{X: 1, Z: 2, Value: 7},
		{X: 600, Z: -3, Value: 9},
		{X: 1, Z: 2, Value: 7},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	up := decode[UpdateResponse](t, resp)
	assert.Equal(t, 3, up.Accepted)
	// the tally layer counts every write, so repeats still change the region
	assert.Equal(t, 3, up.Changed)

	resp = get(t, srv.URL+"/v1/column?x=600&z=-3&wait=1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	c := decode[ColumnResponse](t, resp)
	assert.Equal(t, ColumnResponse{X: 600, Z: -3, Value: 9, Known: true}, c)

	resp = get(t, srv.URL+"/v1/region?rx=1&rz=-1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	info := decode[map[string]any](t, resp)
	assert.EqualValues(t, 1, info["rx"])
	assert.EqualValues(t, -1, info["rz"])
}

func TestSingleColumnPost(t *testing.T) {
	srv, st := newTestServer(t)
	resp := post(t, srv.URL+"/v1/column?wait=1", ColumnUpdate{X: 5, Z: 5, Value: 3})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	v, ok := st.Column(region.ColumnPos{X: 5, Z: 5})
	assert.True(t, ok)
	assert.Equal(t, region.Value(3), v)
}

func TestBadRequests(t *testing.T) {
	srv, _ := newTestServer(t)
	cases := []struct {
		name string
		resp func() *http.Response
		code int
	}{
		{"missing x", func() *http.Response { return get(t, srv.URL+"/v1/column?z=1") }, http.StatusBadRequest},
		{"bad z", func() *http.Response { return get(t, srv.URL+"/v1/column?x=1&z=abc") }, http.StatusBadRequest},
		{"bad body", func() *http.Response { return post(t, srv.URL+"/v1/columns", "nope") }, http.StatusBadRequest},
		{"unknown region", func() *http.Response { return get(t, srv.URL+"/v1/region?rx=40&rz=40") }, http.StatusNotFound},
		{"no image", func() *http.Response { return get(t, srv.URL+"/v1/region/image?rx=0&rz=0") }, http.StatusNotFound},
		{"bad res", func() *http.Response { return get(t, srv.URL+"/v1/region/image?rx=0&rz=0&res=mid") }, http.StatusBadRequest},
		{"stats post", func() *http.Response { return post(t, srv.URL+"/v1/stats", nil) }, http.StatusMethodNotAllowed},
		{"bad tier", func() *http.Response {
			return post(t, srv.URL+"/v1/area", map[string]any{"tier": "huge", "clear": true})
		}, http.StatusBadRequest},
		{"no bounds", func() *http.Response {
			return post(t, srv.URL+"/v1/area", map[string]any{"tier": "minimap"})
		}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := tc.resp()
			assert.Equal(t, tc.code, resp.StatusCode)
			if resp.StatusCode >= 400 {
				e := decode[errorResponse](t, resp)
				assert.NotEmpty(t, e.Error)
				assert.NotEmpty(t, e.RID)
			}
		})
	}
}

func TestAreaRendersImage(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := post(t, srv.URL+"/v1/columns?wait=1", []ColumnUpdate{{X: 3, Z: 4, Value: 42}})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = post(t, srv.URL+"/v1/area?wait=1", map[string]any{"tier": "world-near", "x": 3, "z": 4, "radius": 0})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ar := decode[AreaResponse](t, resp)
	assert.Equal(t, AreaResponse{Tier: "world-near"}, ar)

	resp = get(t, srv.URL+"/v1/area")
	areas := decode[[]AreaResponse](t, resp)
	require.Len(t, areas, 1)
	assert.Equal(t, "world-near", areas[0].Tier)

	want := region.DefaultColor(42)
	require.Eventually(t, func() bool {
		resp, err := http.Get(srv.URL + "/v1/region/image?rx=0&rz=0")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return false
		}
		img, err := png.Decode(resp.Body)
		if err != nil {
			return false
		}
		r, g, b, a := img.At(3, 4).RGBA()
		return r>>8 == want>>16&0xff && g>>8 == want>>8&0xff && b>>8 == want&0xff && a>>8 == 0xff
	}, 5*time.Second, 5*time.Millisecond)

	resp = get(t, srv.URL+"/v1/region/image?rx=0&rz=0&res=low")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	img, err := png.Decode(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, region.LowImageSize, img.Bounds().Dx())
}

func TestSaveAndCleanup(t *testing.T) {
	srv, st := newTestServer(t)
	resp := post(t, srv.URL+"/v1/columns?wait=1", []ColumnUpdate{{X: 0, Z: 0, Value: 1}})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = post(t, srv.URL+"/v1/save?rx=0&rz=0", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sr := decode[store.SaveResult](t, resp)
	assert.True(t, sr.Blocks)

	resp = post(t, srv.URL+"/v1/save", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = post(t, srv.URL+"/v1/cleanup?force=true", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cr := decode[store.CleanupResult](t, resp)
	assert.Equal(t, 1, cr.Scanned)

	resp = get(t, srv.URL+"/v1/stats")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stats := decode[map[string]any](t, resp)
	assert.Contains(t, stats, "store")
	assert.GreaterOrEqual(t, st.Stats().Store.Saves, uint64(1))
}

func TestClearFailure(t *testing.T) {
	srv, _ := newTestServer(t)
	resp := post(t, srv.URL+"/v1/region/clear-failure?rx=9&rz=9", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode[map[string]bool](t, resp)
	assert.False(t, out["cleared"])
}

func TestMetricsAndRequestID(t *testing.T) {
	srv, _ := newTestServer(t)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/healthz", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "abc-123")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "abc-123", resp.Header.Get("X-Request-ID"))

	req.Header.Set("X-Request-ID", "bad id!")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Len(t, resp.Header.Get("X-Request-ID"), 8)

	post(t, srv.URL+"/v1/columns?wait=1", []ColumnUpdate{{X: 0, Z: 0, Value: 1}})
	resp = get(t, srv.URL+"/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(buf.String(), "regionstore_"), "metrics output lacks store series")
}

func TestCORSPreflight(t *testing.T) {
	srv, _ := newTestServer(t)
	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/v1/columns", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestAccessLog(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf)
	h := AccessLog(log, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("hi"))
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.EqualValues(t, http.StatusTeapot, line["status"])
	assert.EqualValues(t, 2, line["bytes"])
	assert.Equal(t, "/x", line["path"])
}

func TestToNRGBA(t *testing.T) {
	im := region.NewImage(region.Low)
	im.Pixels[1] = 0x80112233
	out := toNRGBA(im)
	assert.Equal(t, []byte{0x11, 0x22, 0x33, 0x80}, out.Pix[4:8])
	assert.Equal(t, []byte{0, 0, 0, 0}, out.Pix[0:4])
}

package httpapi

import (
	"context"
	"encoding/json"
	"image"
	"image/png"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/freeeve/regionstore/internal/region"
	"github.com/freeeve/regionstore/internal/sched"
	"github.com/freeeve/regionstore/internal/store"
)

// maxBatch bounds the column writes accepted per request.
const maxBatch = 1 << 16

// Handler serves a region store.
type Handler struct {
	st      *store.Store
	log     zerolog.Logger
	timeout time.Duration
}

// NewRouter creates the HTTP router. gatherer, if non-nil, is served on
// /metrics. timeout bounds how long a request waits on scheduled work.
func NewRouter(log zerolog.Logger, st *store.Store, gatherer prometheus.Gatherer, timeout time.Duration) http.Handler {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	h := &Handler{st: st, log: log, timeout: timeout}

	mux := http.NewServeMux()
	mux.Handle("/healthz", http.HandlerFunc(h.health))
	mux.Handle("/readyz", http.HandlerFunc(h.health))
	mux.Handle("/v1/column", http.HandlerFunc(h.column))
	mux.Handle("/v1/columns", http.HandlerFunc(h.columns))
	mux.Handle("/v1/region", http.HandlerFunc(h.region))
	mux.Handle("/v1/region/image", http.HandlerFunc(h.regionImage))
	mux.Handle("/v1/region/load", http.HandlerFunc(h.regionLoad))
	mux.Handle("/v1/region/clear-failure", http.HandlerFunc(h.clearFailure))
	mux.Handle("/v1/area", http.HandlerFunc(h.area))
	mux.Handle("/v1/save", http.HandlerFunc(h.save))
	mux.Handle("/v1/cleanup", http.HandlerFunc(h.cleanup))
	mux.Handle("/v1/stats", http.HandlerFunc(h.stats))
	if gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	// pprof endpoints
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	return CORS(RequestID(AccessLog(log, mux)))
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func allow(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method)
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	return false
}

func queryInt32(r *http.Request, name string) (int32, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return 0, errors.Newf("missing %s parameter", name)
	}
	v, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return 0, errors.Newf("invalid %s parameter %q", name, s)
	}
	return int32(v), nil
}

func regionParam(r *http.Request) (region.RegionPos, error) {
	rx, err := queryInt32(r, "rx")
	if err != nil {
		return region.RegionPos{}, err
	}
	rz, err := queryInt32(r, "rz")
	if err != nil {
		return region.RegionPos{}, err
	}
	return region.RegionPos{X: rx, Z: rz}, nil
}

// await waits for f within the handler's timeout and maps failures to a
// status code.
func (h *Handler) await(r *http.Request, f *sched.Future) (any, int, error) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	v, err := f.Wait(ctx)
	switch {
	case err == nil:
		return v, http.StatusOK, nil
	case errors.Is(err, store.ErrClosed), errors.Is(err, sched.ErrClosed):
		return nil, http.StatusServiceUnavailable, err
	case errors.Is(err, context.DeadlineExceeded):
		return nil, http.StatusGatewayTimeout, err
	case errors.Is(err, store.ErrIOFailure):
		return nil, http.StatusBadGateway, err
	}
	return nil, http.StatusInternalServerError, err
}

// column handles GET /v1/column?x=&z=[&wait=1] and POST /v1/column.
func (h *Handler) column(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		h.updateColumns(w, r, false)
		return
	default:
		allow(w, r, http.MethodGet)
		return
	}

	x, err := queryInt32(r, "x")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	z, err := queryInt32(r, "z")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	pos := region.ColumnPos{X: x, Z: z}

	var v region.Value
	var known bool
	if r.URL.Query().Get("wait") != "" {
		ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
		defer cancel()
		v, known, err = h.st.LookupColumn(ctx, pos)
		if err != nil {
			code := http.StatusInternalServerError
			if errors.Is(err, store.ErrClosed) {
				code = http.StatusServiceUnavailable
			}
			writeError(w, r, code, err.Error())
			return
		}
	} else {
		v, known = h.st.Column(pos)
	}
	writeJSON(w, ColumnResponse{X: x, Z: z, Value: uint32(v), Known: known})
}

// columns handles POST /v1/columns with a JSON array of updates.
func (h *Handler) columns(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	h.updateColumns(w, r, true)
}

func (h *Handler) updateColumns(w http.ResponseWriter, r *http.Request, batch bool) {
	var ups []ColumnUpdate
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 16<<20))
	var err error
	if batch {
		err = dec.Decode(&ups)
	} else {
		var u ColumnUpdate
		err = dec.Decode(&u)
		ups = []ColumnUpdate{u}
	}
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if len(ups) > maxBatch {
		writeError(w, r, http.StatusRequestEntityTooLarge, "too many updates")
		return
	}

	fs := make([]*sched.Future, 0, len(ups))
	for _, u := range ups {
		fs = append(fs, h.st.ScheduleUpdateColumn(region.ColumnPos{X: u.X, Z: u.Z}, region.Value(u.Value)))
	}
	resp := UpdateResponse{Accepted: len(fs)}
	if r.URL.Query().Get("wait") != "" {
		for _, f := range fs {
			v, code, err := h.await(r, f)
			if err != nil {
				writeError(w, r, code, err.Error())
				return
			}
			if changed, _ := v.(bool); changed {
				resp.Changed++
			}
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(resp)
}

// region handles GET /v1/region?rx=&rz=.
func (h *Handler) region(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	pos, err := regionParam(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	info, ok := h.st.RegionInfo(pos)
	if !ok {
		writeError(w, r, http.StatusNotFound, "region not in memory")
		return
	}
	writeJSON(w, info)
}

// regionImage handles GET /v1/region/image?rx=&rz=&res=high|low as PNG.
func (h *Handler) regionImage(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	pos, err := regionParam(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res := region.High
	switch r.URL.Query().Get("res") {
	case "", "high":
	case "low":
		res = region.Low
	default:
		writeError(w, r, http.StatusBadRequest, "res must be high or low")
		return
	}
	im := h.st.RegionImage(pos, res)
	if im == nil {
		writeError(w, r, http.StatusNotFound, "no render cached")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache")
	if err := png.Encode(w, toNRGBA(im)); err != nil {
		h.log.Warn().Err(err).Msg("encode png")
	}
}

// toNRGBA converts 0xAARRGGBB pixels.
func toNRGBA(im *region.Image) *image.NRGBA {
	out := image.NewNRGBA(image.Rect(0, 0, im.Size, im.Size))
	for i, p := range im.Pixels {
		o := out.Pix[i*4 : i*4+4 : i*4+4]
		o[0], o[1], o[2], o[3] = byte(p>>16), byte(p>>8), byte(p), byte(p>>24)
	}
	return out
}

// regionLoad handles POST /v1/region/load?rx=&rz=.
func (h *Handler) regionLoad(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	pos, err := regionParam(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	v, code, err := h.await(r, h.st.ScheduleRegionLoad(pos))
	if err != nil {
		writeError(w, r, code, err.Error())
		return
	}
	writeJSON(w, v)
}

// clearFailure handles POST /v1/region/clear-failure?rx=&rz=.
func (h *Handler) clearFailure(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	pos, err := regionParam(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, map[string]any{"cleared": h.st.ClearIOFailure(pos)})
}

// area handles GET /v1/area and POST /v1/area with an AreaRequest.
func (h *Handler) area(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		areas := h.st.Areas()
		out := make([]AreaResponse, 0, len(areas))
		for t, a := range areas {
			if !a.Empty() {
				out = append(out, toAreaResponse(region.Tier(t), a))
			}
		}
		writeJSON(w, out)
		return
	}
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req AreaRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	tier, ok := region.ParseTier(req.Tier)
	if !ok || tier == region.TierNone {
		writeError(w, r, http.StatusBadRequest, "unknown tier "+strconv.Quote(req.Tier))
		return
	}
	a, ok := req.area()
	if !ok {
		writeError(w, r, http.StatusBadRequest, "area needs min/max bounds, a centre and radius, or clear")
		return
	}
	f := h.st.SetRenderPriorityArea(tier, a)
	if r.URL.Query().Get("wait") != "" {
		if _, code, err := h.await(r, f); err != nil {
			writeError(w, r, code, err.Error())
			return
		}
	} else if f.Resolved() {
		if err := f.Err(r.Context()); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
	}
	writeJSON(w, toAreaResponse(tier, a))
}

// save handles POST /v1/save[?rx=&rz=].
func (h *Handler) save(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var f *sched.Future
	if r.URL.Query().Has("rx") {
		pos, err := regionParam(r)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		f = h.st.ScheduleRegionSave(pos)
	} else {
		f = h.st.SaveAll()
	}
	v, code, err := h.await(r, f)
	if err != nil {
		writeError(w, r, code, err.Error())
		return
	}
	if v == nil {
		v = map[string]bool{"saved": true}
	}
	writeJSON(w, v)
}

// cleanup handles POST /v1/cleanup[?force=1].
func (h *Handler) cleanup(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	v, code, err := h.await(r, h.st.ScheduleRegionCleanup(force))
	if err != nil {
		writeError(w, r, code, err.Error())
		return
	}
	writeJSON(w, v)
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, h.st.Stats())
}

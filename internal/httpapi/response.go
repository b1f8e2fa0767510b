package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/freeeve/regionstore/internal/region"
	"github.com/freeeve/regionstore/internal/store"
)

// ColumnResponse is the JSON response for a column lookup.
type ColumnResponse struct {
	X     int32  `json:"x"`
	Z     int32  `json:"z"`
	Value uint32 `json:"value"`
	Known bool   `json:"known"`
}

// ColumnUpdate is one column write in a POST /v1/columns body.
type ColumnUpdate struct {
	X     int32  `json:"x"`
	Z     int32  `json:"z"`
	Value uint32 `json:"value"`
}

// UpdateResponse reports the outcome of a batch of column writes.
type UpdateResponse struct {
	Accepted int `json:"accepted"`
	Changed  int `json:"changed"`
}

// AreaRequest sets the demand area of a tier. Either the rectangle or a
// column centre with a radius in regions is given.
type AreaRequest struct {
	Tier string `json:"tier"`

	MinX *int32 `json:"min_x,omitempty"`
	MinZ *int32 `json:"min_z,omitempty"`
	MaxX *int32 `json:"max_x,omitempty"`
	MaxZ *int32 `json:"max_z,omitempty"`

	X      *int32 `json:"x,omitempty"`
	Z      *int32 `json:"z,omitempty"`
	Radius int32  `json:"radius,omitempty"`

	// Clear removes the tier's area.
	Clear bool `json:"clear,omitempty"`
}

// area resolves the request into a store area.
func (a AreaRequest) area() (store.Area, bool) {
	switch {
	case a.Clear:
		return store.NoArea, true
	case a.X != nil && a.Z != nil:
		if a.Radius < 0 {
			return store.Area{}, false
		}
		return store.AreaAround(*a.X, *a.Z, a.Radius), true
	case a.MinX != nil && a.MinZ != nil && a.MaxX != nil && a.MaxZ != nil:
		return store.Area{MinX: *a.MinX, MinZ: *a.MinZ, MaxX: *a.MaxX, MaxZ: *a.MaxZ}, true
	}
	return store.Area{}, false
}

// AreaResponse echoes the applied area.
type AreaResponse struct {
	Tier string `json:"tier"`
	MinX int32  `json:"min_x"`
	MinZ int32  `json:"min_z"`
	MaxX int32  `json:"max_x"`
	MaxZ int32  `json:"max_z"`
}

func toAreaResponse(t region.Tier, a store.Area) AreaResponse {
	return AreaResponse{Tier: t.String(), MinX: a.MinX, MinZ: a.MinZ, MaxX: a.MaxX, MaxZ: a.MaxZ}
}

type errorResponse struct {
	Error string `json:"error"`
	RID   string `json:"rid,omitempty"`
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
	// Don't call http.Error after setting headers - it causes "superfluous WriteHeader"
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: msg, RID: GetRequestID(r.Context())})
}

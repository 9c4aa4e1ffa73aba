package httpserver

import (
	"encoding/csv"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/septivank/inverter-telemetry-worker/internal/telemetry"
	"github.com/septivank/inverter-telemetry-worker/internal/validity"
)

type healthzResponse struct {
	Status        string  `json:"status"`
	Phase         string  `json:"phase"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

type readyzResponse struct {
	Ready     bool              `json:"ready"`
	LastCycle *time.Time        `json:"last_cycle,omitempty"`
	Failures  map[string]string `json:"failures,omitempty"`
}

type siteView struct {
	telemetry.PublishRecord
	Validity *validity.Record `json:"validity,omitempty"`
}

type sitesResponse struct {
	CycleID     string     `json:"cycle_id,omitempty"`
	GeneratedAt *time.Time `json:"generated_at,omitempty"`
	Sites       []siteView `json:"sites"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func healthz(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, healthzResponse{
			Status:        "ok",
			Phase:         d.Controller.Phase(),
			UptimeSeconds: d.Now().Sub(d.StartTime).Seconds(),
		})
	}
}

func readyz(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := readyzResponse{Ready: true}

		last := d.Controller.LastCycle()
		if last.IsZero() || (d.Interval > 0 && d.Now().Sub(last) > 2*d.Interval) {
			resp.Ready = false
			resp.Failures = map[string]string{"scheduler": "no recent cycle"}
		} else {
			resp.LastCycle = &last
		}

		for _, c := range d.Checks {
			if err := c.Ping(r.Context()); err != nil {
				if resp.Failures == nil {
					resp.Failures = make(map[string]string)
				}
				resp.Ready = false
				resp.Failures[c.Name] = err.Error()
			}
		}

		status := http.StatusOK
		if !resp.Ready {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, resp)
	}
}

func buildSites(d Deps) sitesResponse {
	resp := sitesResponse{Sites: []siteView{}}
	batch, ok := d.Batches.LastBatch()
	if !ok {
		return resp
	}

	records := d.Validity.Snapshot()
	resp.CycleID = batch.CycleID
	resp.GeneratedAt = &batch.GeneratedAt
	for _, rec := range batch.Records {
		view := siteView{PublishRecord: rec}
		if v, ok := records[rec.SiteID]; ok {
			view.Validity = &v
		}
		resp.Sites = append(resp.Sites, view)
	}
	return resp
}

func listSites(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, buildSites(d))
	}
}

func getSite(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "siteID")
		for _, s := range buildSites(d).Sites {
			if s.SiteID == id {
				writeJSON(w, http.StatusOK, s)
				return
			}
		}
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "site not found"})
	}
}

func invalidateSite(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "siteID")
		if !d.KnownSite(id) {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "site not found"})
			return
		}
		d.Controller.RequestInvalidation(id)
		w.WriteHeader(http.StatusAccepted)
	}
}

func refresh(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d.Controller.RequestRefresh()
		w.WriteHeader(http.StatusAccepted)
	}
}

// report renders the last batch as the sink's tabular layout
func report(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		batch, ok := d.Batches.LastBatch()
		if !ok {
			writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "no cycle completed yet"})
			return
		}

		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", `attachment; filename="report-`+batch.CycleID+`.csv"`)
		cw := csv.NewWriter(w)
		_ = cw.Write(telemetry.Columns)
		for _, rec := range batch.Records {
			_ = cw.Write(rec.Row(d.Location))
		}
		cw.Flush()
	}
}

package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"visionscan/internal/database"
)

// HistoryStore is the read side of the scan history.
type HistoryStore interface {
	ListScans(ctx context.Context, f database.ScanFilter) ([]*database.ScanRecord, error)
	GetScan(ctx context.Context, id string) (*database.ScanRecord, error)
}

const defaultHistoryLimit = 50

// NewRouter serves the event socket, a health check and, when history is
// non-nil, read-only scan history for the UI.
func NewRouter(h *Handler, history HistoryStore) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/ws/scan", h)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "clients": h.hub.ClientCount()})
	}).Methods(http.MethodGet)

	if history != nil {
		r.HandleFunc("/api/scans", listScans(history)).Methods(http.MethodGet)
		r.HandleFunc("/api/scans/{id}", getScan(history)).Methods(http.MethodGet)
	}
	return r
}

func listScans(history HistoryStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		limit := defaultHistoryLimit
		if v := q.Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
				return
			}
			limit = n
		}

		recs, err := history.ListScans(r.Context(), database.ScanFilter{
			SessionID: q.Get("session"),
			Mode:      q.Get("mode"),
			Limit:     limit,
		})
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		if recs == nil {
			recs = []*database.ScanRecord{}
		}
		writeJSON(w, http.StatusOK, recs)
	}
}

func getScan(history HistoryStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, err := history.GetScan(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		if rec == nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "scan not found"})
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

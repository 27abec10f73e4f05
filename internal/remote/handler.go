package remote

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// MaxChangesLimit caps one page of /v1/changes.
const MaxChangesLimit = 1000

// NewHandler exposes an Endpoint over HTTP:
//
//	POST /v1/push     {"items": [...]}        -> {"outcomes": [...]}
//	GET  /v1/changes  ?since=RFC3339&limit=N  -> {"records": [...]}
func NewHandler(ep Endpoint, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &handler{ep: ep, logger: logger}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/push", h.push)
	mux.HandleFunc("GET /v1/changes", h.changes)
	return mux
}

type handler struct {
	ep     Endpoint
	logger *zap.Logger
}

func (h *handler) push(w http.ResponseWriter, r *http.Request) {
	var req pushRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 32<<20))
	if err := dec.Decode(&req); err != nil {
		h.fail(w, http.StatusBadRequest, "decode push: "+err.Error())
		return
	}

	outcomes, err := h.ep.Push(r.Context(), req.Items)
	if err != nil {
		h.fail(w, statusFor(err), err.Error())
		return
	}
	h.logger.Info("push handled",
		zap.String("device", r.Header.Get(DeviceHeader)),
		zap.Int("items", len(req.Items)))
	h.write(w, http.StatusOK, pushResponse{Outcomes: outcomes})
}

func (h *handler) changes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var since *time.Time
	if raw := q.Get("since"); raw != "" {
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			h.fail(w, http.StatusBadRequest, "invalid since: "+err.Error())
			return
		}
		since = &ts
	}

	limit := MaxChangesLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.fail(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, MaxChangesLimit)
	}

	records, err := h.ep.Changes(r.Context(), since, limit)
	if err != nil {
		h.fail(w, statusFor(err), err.Error())
		return
	}
	if records == nil {
		records = []Record{}
	}
	h.write(w, http.StatusOK, changesResponse{Records: records})
}

func statusFor(err error) int {
	if errors.Is(err, ErrBadRequest) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (h *handler) write(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Warn("write response", zap.Error(err))
	}
}

func (h *handler) fail(w http.ResponseWriter, status int, msg string) {
	h.logger.Warn("request failed", zap.Int("status", status), zap.String("error", msg))
	h.write(w, status, errorResponse{Error: msg})
}

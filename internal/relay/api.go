package relay

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/afroash/airguard/internal/dataset"
)

// APIHandler serves the dashboard's HTTP API
type APIHandler struct {
	hub     *Hub
	store   *MemoryStore
	history HistoryStore
	version string
	logger  zerolog.Logger
}

// NewAPIHandler creates an API handler backed by the in-memory store only
func NewAPIHandler(hub *Hub, store *MemoryStore, version string, logger zerolog.Logger) *APIHandler {
	return &APIHandler{hub: hub, store: store, version: version, logger: logger}
}

// NewAPIHandlerWithHistory adds the persistent history endpoints
func NewAPIHandlerWithHistory(hub *Hub, store *MemoryStore, history HistoryStore, version string, logger zerolog.Logger) *APIHandler {
	api := NewAPIHandler(hub, store, version, logger)
	api.history = history
	return api
}

// DeviceSummary is one entry of GET /api/devices
type DeviceSummary struct {
	DeviceKey  string         `json:"device_key"`
	Online     bool           `json:"online"`
	Session    *DeviceSession `json:"session,omitempty"`
	LastReport *time.Time     `json:"last_report,omitempty"`
	Score      *int           `json:"air_quality_score,omitempty"`
}

// HandleDevices lists every device that is connected or has reported
func (api *APIHandler) HandleDevices(w http.ResponseWriter, r *http.Request) {
	byKey := make(map[string]*DeviceSummary)
	var order []string

	entry := func(key string) *DeviceSummary {
		if d, ok := byKey[key]; ok {
			return d
		}
		d := &DeviceSummary{DeviceKey: key}
		byKey[key] = d
		order = append(order, key)
		return d
	}

	for _, s := range api.hub.ActiveDevices() {
		d := entry(s.DeviceKey)
		d.Online = true
		d.Session = &s
	}
	for _, key := range api.store.DeviceKeys() {
		report, ok := api.store.Current(key)
		if !ok {
			continue
		}
		d := entry(key)
		d.LastReport = &report.ReceivedAt
		d.Score = &report.Score
	}

	devices := make([]DeviceSummary, 0, len(order))
	for _, key := range order {
		devices = append(devices, *byKey[key])
	}
	api.writeJSON(w, http.StatusOK, devices)
}

// HandleLatest returns the newest report for a device
func (api *APIHandler) HandleLatest(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	if report, ok := api.store.Current(key); ok {
		api.writeJSON(w, http.StatusOK, report)
		return
	}
	if api.history != nil {
		rec, err := api.history.LatestFrame(r.Context(), key)
		if err != nil {
			api.writeError(w, http.StatusInternalServerError, err)
			return
		}
		if rec != nil {
			api.writeJSON(w, http.StatusOK, rec)
			return
		}
	}
	http.Error(w, "No reports available", http.StatusNotFound)
}

// HandleRecent returns up to ?limit= recent in-memory reports, newest first
func (api *APIHandler) HandleRecent(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	limit := queryInt(r, "limit", 50)

	reports := api.store.Latest(key, limit)
	if reports == nil {
		reports = []Report{}
	}
	api.writeJSON(w, http.StatusOK, reports)
}

// HandleHistory returns persisted frames for a device. With ?before= it
// pages backwards from that instant, otherwise it covers ?start=..?end=
// (default: the last 24h).
func (api *APIHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	limit := queryInt(r, "limit", 500)

	var (
		records []dataset.Record
		err     error
	)
	if before := r.URL.Query().Get("before"); before != "" {
		ts, perr := time.Parse(time.RFC3339, before)
		if perr != nil {
			api.writeError(w, http.StatusBadRequest, perr)
			return
		}
		records, err = api.history.FramesBefore(r.Context(), key, ts, limit)
	} else {
		start, end, perr := timeRange(r, 24*time.Hour)
		if perr != nil {
			api.writeError(w, http.StatusBadRequest, perr)
			return
		}
		records, err = api.history.FramesInRange(r.Context(), key, start, end, limit)
	}
	if err != nil {
		api.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if records == nil {
		records = []dataset.Record{}
	}
	api.writeJSON(w, http.StatusOK, records)
}

// HandleDailyStats returns per-day aggregates, default the last 7 days
func (api *APIHandler) HandleDailyStats(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	start, end, err := timeRange(r, 7*24*time.Hour)
	if err != nil {
		api.writeError(w, http.StatusBadRequest, err)
		return
	}

	stats, err := api.history.DailyStats(r.Context(), key, start, end)
	if err != nil {
		api.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if stats == nil {
		stats = []dataset.DailyStat{}
	}
	api.writeJSON(w, http.StatusOK, stats)
}

// StatsResponse is the body of GET /api/stats
type StatsResponse struct {
	Memory  StoreStats            `json:"memory"`
	Storage *dataset.StorageStats `json:"storage,omitempty"`
	Devices int                   `json:"connected_devices"`
}

// HandleStats returns store statistics
func (api *APIHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{
		Memory:  api.store.Stats(),
		Devices: len(api.hub.ActiveDevices()),
	}
	if api.history != nil {
		stats, err := api.history.Stats()
		if err != nil {
			api.logger.Warn().Err(err).Msg("Failed to read storage stats")
		} else {
			resp.Storage = stats
		}
	}
	api.writeJSON(w, http.StatusOK, resp)
}

// HandleHealth reports liveness
func (api *APIHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	api.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": api.version})
}

func (api *APIHandler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		api.logger.Warn().Err(err).Msg("Failed to encode response")
	}
}

func (api *APIHandler) writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		api.logger.Error().Err(err).Msg("API request failed")
	}
	api.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, name string, def int) int {
	if v := r.URL.Query().Get(name); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			return parsed
		}
	}
	return def
}

var errBadRange = errors.New("start must be before end")

// timeRange reads RFC3339 ?start= and ?end=, defaulting to [now-span, now]
func timeRange(r *http.Request, span time.Duration) (time.Time, time.Time, error) {
	end := time.Now()
	if v := r.URL.Query().Get("end"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		end = t
	}
	start := end.Add(-span)
	if v := r.URL.Query().Get("start"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		start = t
	}
	if !start.Before(end) {
		return time.Time{}, time.Time{}, errBadRange
	}
	return start, end, nil
}

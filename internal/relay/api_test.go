package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/afroash/airguard/internal/dataset"
	"github.com/afroash/airguard/internal/models"
)

// fakeHistory records the queries it receives
type fakeHistory struct {
	records []dataset.Record
	latest  *dataset.Record
	daily   []dataset.DailyStat

	lastKey    string
	lastStart  time.Time
	lastEnd    time.Time
	lastBefore time.Time
	lastLimit  int
}

func (f *fakeHistory) FramesInRange(_ context.Context, key string, start, end time.Time, limit int) ([]dataset.Record, error) {
	f.lastKey, f.lastStart, f.lastEnd, f.lastLimit = key, start, end, limit
	return f.records, nil
}

func (f *fakeHistory) FramesBefore(_ context.Context, key string, before time.Time, limit int) ([]dataset.Record, error) {
	f.lastKey, f.lastBefore, f.lastLimit = key, before, limit
	return f.records, nil
}

func (f *fakeHistory) LatestFrame(_ context.Context, key string) (*dataset.Record, error) {
	f.lastKey = key
	return f.latest, nil
}

func (f *fakeHistory) DailyStats(_ context.Context, key string, start, end time.Time) ([]dataset.DailyStat, error) {
	f.lastKey, f.lastStart, f.lastEnd = key, start, end
	return f.daily, nil
}

func (f *fakeHistory) Stats() (*dataset.StorageStats, error) {
	return &dataset.StorageStats{TotalFrames: int64(len(f.records))}, nil
}

func newTestAPI(history HistoryStore) (*MemoryStore, http.Handler) {
	store := NewMemoryStore(10)
	hub := NewHub("secret", store, zerolog.Nop())
	var api *APIHandler
	if history != nil {
		api = NewAPIHandlerWithHistory(hub, store, history, "test", zerolog.Nop())
	} else {
		api = NewAPIHandler(hub, store, "test", zerolog.Nop())
	}
	return store, NewRouter(hub, api, "")
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestAPI_Health(t *testing.T) {
	_, h := newTestAPI(nil)

	rec := get(t, h, "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	json.NewDecoder(rec.Body).Decode(&body)
	if body["status"] != "ok" || body["version"] != "test" {
		t.Errorf("body = %v", body)
	}
}

func TestAPI_Devices(t *testing.T) {
	store, h := newTestAPI(nil)
	store.Add(testReport("unit-02", 64))

	rec := get(t, h, "/api/devices")
	var devices []DeviceSummary
	if err := json.NewDecoder(rec.Body).Decode(&devices); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(devices) != 1 {
		t.Fatalf("got %d devices, want 1", len(devices))
	}
	if devices[0].DeviceKey != "unit-02" || devices[0].Online {
		t.Errorf("device = %+v", devices[0])
	}
	if devices[0].Score == nil || *devices[0].Score != 64 {
		t.Errorf("score = %v, want 64", devices[0].Score)
	}
}

func TestAPI_Latest(t *testing.T) {
	store, h := newTestAPI(nil)

	if rec := get(t, h, "/api/devices/unit-01/latest"); rec.Code != http.StatusNotFound {
		t.Errorf("status without reports = %d, want 404", rec.Code)
	}

	store.Add(testReport("unit-01", 91))
	rec := get(t, h, "/api/devices/unit-01/latest")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var report Report
	json.NewDecoder(rec.Body).Decode(&report)
	if report.Score != 91 {
		t.Errorf("score = %d, want 91", report.Score)
	}
}

func TestAPI_LatestFallsBackToHistory(t *testing.T) {
	history := &fakeHistory{latest: &dataset.Record{
		DeviceKey: "unit-01",
		Row:       models.ScoredFrame{Score: 55},
	}}
	_, h := newTestAPI(history)

	rec := get(t, h, "/api/devices/unit-01/latest")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got dataset.Record
	json.NewDecoder(rec.Body).Decode(&got)
	if got.Row.Score != 55 {
		t.Errorf("score = %d, want 55", got.Row.Score)
	}
}

func TestAPI_Recent(t *testing.T) {
	store, h := newTestAPI(nil)
	for i := 0; i < 5; i++ {
		store.Add(testReport("unit-01", i))
	}

	var reports []Report
	json.NewDecoder(get(t, h, "/api/devices/unit-01/recent?limit=2").Body).Decode(&reports)
	if len(reports) != 2 || reports[0].Score != 4 {
		t.Errorf("recent = %+v", reports)
	}

	rec := get(t, h, "/api/devices/none/recent")
	if body := rec.Body.String(); body != "[]\n" {
		t.Errorf("empty recent body = %q, want []", body)
	}
}

func TestAPI_HistoryRoutesNeedStore(t *testing.T) {
	_, h := newTestAPI(nil)
	if rec := get(t, h, "/api/devices/unit-01/history"); rec.Code != http.StatusNotFound {
		t.Errorf("history without store = %d, want 404", rec.Code)
	}
}

func TestAPI_History(t *testing.T) {
	history := &fakeHistory{records: []dataset.Record{{DeviceKey: "unit-01"}}}
	_, h := newTestAPI(history)

	rec := get(t, h, "/api/devices/unit-01/history?start=2026-01-01T00:00:00Z&end=2026-01-02T00:00:00Z&limit=10")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if history.lastKey != "unit-01" || history.lastLimit != 10 {
		t.Errorf("query key=%q limit=%d", history.lastKey, history.lastLimit)
	}
	if !history.lastStart.Equal(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("start = %v", history.lastStart)
	}

	rec = get(t, h, "/api/devices/unit-01/history?before=2026-01-05T00:00:00Z")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !history.lastBefore.Equal(time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("before = %v", history.lastBefore)
	}
	if history.lastLimit != 500 {
		t.Errorf("default limit = %d, want 500", history.lastLimit)
	}
}

func TestAPI_HistoryBadRange(t *testing.T) {
	_, h := newTestAPI(&fakeHistory{})

	tests := []string{
		"/api/devices/unit-01/history?start=yesterday",
		"/api/devices/unit-01/history?start=2026-01-02T00:00:00Z&end=2026-01-01T00:00:00Z",
		"/api/devices/unit-01/history?before=soon",
		"/api/devices/unit-01/daily?end=later",
	}
	for _, path := range tests {
		if rec := get(t, h, path); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", path, rec.Code)
		}
	}
}

func TestAPI_Daily(t *testing.T) {
	history := &fakeHistory{daily: []dataset.DailyStat{{DeviceKey: "unit-01", FrameCount: 12}}}
	_, h := newTestAPI(history)

	var stats []dataset.DailyStat
	rec := get(t, h, "/api/devices/unit-01/daily")
	json.NewDecoder(rec.Body).Decode(&stats)
	if len(stats) != 1 || stats[0].FrameCount != 12 {
		t.Errorf("daily = %+v", stats)
	}
	if span := history.lastEnd.Sub(history.lastStart); span != 7*24*time.Hour {
		t.Errorf("default span = %v, want 7 days", span)
	}
}

func TestAPI_Stats(t *testing.T) {
	store, h := newTestAPI(&fakeHistory{records: make([]dataset.Record, 3)})
	store.Add(testReport("unit-01", 1))

	var resp StatsResponse
	json.NewDecoder(get(t, h, "/api/stats").Body).Decode(&resp)
	if resp.Memory.TotalReports != 1 {
		t.Errorf("memory total = %d, want 1", resp.Memory.TotalReports)
	}
	if resp.Storage == nil || resp.Storage.TotalFrames != 3 {
		t.Errorf("storage = %+v", resp.Storage)
	}
}

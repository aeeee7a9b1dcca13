package harvest

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	types "github.com/yungbote/devicebridge/internal/domain"
)

func newCogtest(t *testing.T, handler http.HandlerFunc) *Cogtest {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	t.Setenv("COGTEST_API_URL", srv.URL)
	t.Setenv("COGTEST_DEVICE_ID", "CTP-T6Q7RQ")
	h, err := NewCogtest(testLogger(t), map[types.StudySite]Credential{
		types.SiteDundee: {Username: "dundee-user", Password: "dundee-pass"},
	})
	if err != nil {
		t.Fatalf("NewCogtest: %v", err)
	}
	h.retryDelay = 5 * time.Millisecond
	return h
}

const fullBatteryVisit = `{
	"id": "visit-1", "subject": "K-NXYP6F", "startTime": 1594512000,
	"itemGroups": [{"endTime": 1594513800, "items": [
		{"measureCode": "SWMTE", "result": {"score": 9}}
	]}]
}`

const shortBatteryVisit = `{
	"id": "visit-2", "subject": "E-KWXYZK", "startTime": 1594600000,
	"itemGroups": [{"endTime": 1594600900, "items": [
		{"measureCode": "RTI", "result": {"latency": 412}}
	]}]
}`

func TestCogtestListNew(t *testing.T) {
	h := newCogtest(t, func(w http.ResponseWriter, r *http.Request) {
		if user, pass, ok := r.BasicAuth(); !ok || user != "dundee-user" || pass != "dundee-pass" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = fmt.Fprintf(w, `{"total": 2, "records": [%s, %s]}`, fullBatteryVisit, shortBatteryVisit)
	})

	recs, err := h.ListNew(context.Background(), time.Unix(1594000000, 0), time.Unix(1595000000, 0))
	if err != nil {
		t.Fatalf("ListNew: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("want 2 recordings, got %d", len(recs))
	}

	full := recs[0]
	if full.Ref != "visit-1" || full.UserHint != "K-NXYP6F" || full.DeviceRef != "CTP-T6Q7RQ" {
		t.Fatalf("unexpected recording: %+v", full)
	}
	if !full.Embedded {
		t.Fatal("cogtest recordings must be embedded")
	}
	if full.Meta["battery"] != batteryFull {
		t.Fatalf("SWMTE first item marks the full battery, got %v", full.Meta["battery"])
	}
	if recs[1].Meta["battery"] != batteryShort {
		t.Fatalf("unexpected battery tag: %v", recs[1].Meta["battery"])
	}
	if full.Meta["full_data"] == nil || recs[1].Meta["full_data"] == nil {
		t.Fatal("test payload must ride in meta")
	}
}

func TestCogtestPagination(t *testing.T) {
	pages := 0
	h := newCogtest(t, func(w http.ResponseWriter, r *http.Request) {
		pages++
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		if offset == 0 {
			_, _ = fmt.Fprintf(w, `{"total": 101, "records": [%s]}`, fullBatteryVisit)
			return
		}
		_, _ = fmt.Fprintf(w, `{"total": 101, "records": [%s]}`, shortBatteryVisit)
	})
	recs, err := h.ListNew(context.Background(), time.Unix(1594000000, 0), time.Unix(1595000000, 0))
	if err != nil {
		t.Fatalf("ListNew: %v", err)
	}
	if pages != 2 || len(recs) != 2 {
		t.Fatalf("want 2 pages / 2 recordings, got %d / %d", pages, len(recs))
	}
}

func TestCogtestServerErrorAborts(t *testing.T) {
	h := newCogtest(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	})
	h.maxAttempts = 2
	if _, err := h.ListNew(context.Background(), time.Unix(1594000000, 0), time.Unix(1595000000, 0)); err == nil {
		t.Fatal("server failure must abort the harvest")
	}
}

func TestCogtestFetchFilesIsNoop(t *testing.T) {
	h := newCogtest(t, func(w http.ResponseWriter, r *http.Request) {})
	if err := h.FetchFiles(context.Background(), &types.Record{}, t.TempDir()); err != nil {
		t.Fatalf("FetchFiles must be a no-op, got %v", err)
	}
}

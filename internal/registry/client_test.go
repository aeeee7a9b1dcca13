package registry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/yungbote/devicebridge/internal/pkg/logger"
)

func testClient(t *testing.T, handler http.Handler) Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	t.Setenv("REGISTRY_BASE_URL", srv.URL)
	t.Setenv("REGISTRY_ACCESS_TOKEN", "test-token")

	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	c, err := NewClient(log)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestGetPatient(t *testing.T) {
	var gotAuth string
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Path != "/patients/K-NXYP6F" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data": {
			"patient_id": "K-NXYP6F",
			"devices": [
				{"device_id": "SLB-ACCDE7", "patient_id": "K-NXYP6F",
				 "start_wear": "2020-07-10T00:00:00Z", "end_wear": "2020-07-20T00:00:00Z",
				 "deviations": false}
			]
		}}`))
	}))

	p, err := c.GetPatient(context.Background(), "K-NXYP6F")
	if err != nil {
		t.Fatalf("GetPatient: %v", err)
	}
	if p == nil || p.PatientID != "K-NXYP6F" || len(p.Devices) != 1 {
		t.Fatalf("unexpected patient: %+v", p)
	}
	if p.Devices[0].DeviceID != "SLB-ACCDE7" {
		t.Fatalf("unexpected device: %+v", p.Devices[0])
	}
	if gotAuth != "Bearer test-token" {
		t.Fatalf("unexpected auth header %q", gotAuth)
	}
}

func TestAbsenceIsNotAnError(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"204": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		},
		"404 empty envelope": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"data": null}`))
		},
		"200 null data": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"data": null}`))
		},
	}
	for name, h := range cases {
		t.Run(name, func(t *testing.T) {
			c := testClient(t, h)
			d, err := c.GetDevice(context.Background(), "SLB-ACCDE7")
			if err != nil {
				t.Fatalf("want no error for absence, got %v", err)
			}
			if d != nil {
				t.Fatalf("want nil device, got %+v", d)
			}
		})
	}
}

func TestServerErrorSurfaces(t *testing.T) {
	attempts := 0
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	cc := c.(*client)
	cc.maxAttempts = 2
	cc.retryDelay = 5 * time.Millisecond
	if _, err := c.GetVTT(context.Background(), "abc123"); err == nil {
		t.Fatal("want error on 502")
	}
	if attempts != 2 {
		t.Fatalf("want 2 attempts on a retryable status, got %d", attempts)
	}
}

func TestGetVTT(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/vtt/deadbeef" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"data": {"vtt_id": "deadbeef", "patient_id": "K-NXYP6F"}}`))
	}))
	v, err := c.GetVTT(context.Background(), "deadbeef")
	if err != nil {
		t.Fatalf("GetVTT: %v", err)
	}
	if v == nil || v.PatientID != "K-NXYP6F" {
		t.Fatalf("unexpected vtt record: %+v", v)
	}
}

func TestMissingConfig(t *testing.T) {
	os.Unsetenv("REGISTRY_BASE_URL")
	log, _ := logger.New("test")
	if _, err := NewClient(log); err == nil {
		t.Fatal("want error without REGISTRY_BASE_URL")
	}
}

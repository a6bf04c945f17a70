package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/qcfractal/fractal-core/internal/app/dispatcher"
	"github.com/qcfractal/fractal-core/internal/app/managers"
	"github.com/qcfractal/fractal-core/internal/app/records"
	"github.com/qcfractal/fractal-core/internal/app/services/motd"
	"github.com/qcfractal/fractal-core/internal/app/storage"
	"github.com/qcfractal/fractal-core/internal/config"
)

func newTestRouter(t *testing.T) (http.Handler, *storage.Memory) {
	t.Helper()
	mem := storage.NewMemory()
	cfg := config.New()
	cfg.Auth.JWTSecret = "" // auth disabled for the in-memory test router

	deps := Deps{
		Records:    records.New(mem, mem, cfg.VersionLimits.MaxBatchSize),
		Dispatcher: dispatcher.New(mem, dispatcher.Config{ClaimBatchMax: cfg.Dispatcher.ClaimBatchMax, RateLimitPerSecond: 1000, RateLimitBurst: 1000}, nil),
		Managers:   managers.New(mem, cfg.Manager.HeartbeatFrequency, cfg.Manager.HeartbeatMaxMissed),
		Motd:       motd.New(),
		Config:     cfg,
	}
	return NewRouter(deps), mem
}

func TestHealthzOK(t *testing.T) {
	router, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestInformationIncludesMotd(t *testing.T) {
	router, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/information", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := body["version_limits"]; !ok {
		t.Fatalf("expected version_limits in response, got %v", body)
	}
}

func TestManagerActivateAndHeartbeat(t *testing.T) {
	router, _ := newTestRouter(t)

	activateBody := `{"name_data":{"cluster":"cluster1","hostname":"host1","uuid":"abc123"},"manager_version":"v1","programs":{"psi4":"1.8"},"tags":["*"]}`
	req := httptest.NewRequest(http.MethodPost, "/compute/v1/managers", bytes.NewBufferString(activateBody))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}

	updateBody := `{"status":"active","counters":{},"gauges":{"active_tasks":1}}`
	req = httptest.NewRequest(http.MethodPatch, "/compute/v1/managers/cluster1-host1-abc123", bytes.NewBufferString(updateBody))
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestAddRecordsAndClaim(t *testing.T) {
	router, _ := newTestRouter(t)

	addBody := `[{
		"specification": {"record_type":"singlepoint","program":"psi4","driver":"energy","method":"b3lyp","basis":"def2-svp"},
		"molecules": [{"symbols":["H","H"],"geometry":[0,0,0,0,0,1.4],"molecular_multiplicity":1}],
		"tag": "*",
		"priority": "normal",
		"required_programs": ["psi4"],
		"function": "run_singlepoint"
	}]`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/records/singlepoint", bytes.NewBufferString(addBody))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	activateBody := `{"name_data":{"cluster":"c","hostname":"h","uuid":"u1"},"programs":{"psi4":"1.8"},"tags":["*"]}`
	req = httptest.NewRequest(http.MethodPost, "/compute/v1/managers", bytes.NewBufferString(activateBody))
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("activate: expected 201, got %d: %s", rr.Code, rr.Body.String())
	}

	claimBody := `{"name_data":{"cluster":"c","hostname":"h","uuid":"u1"},"programs":{"psi4":"1.8"},"tags":["*"],"limit":10}`
	req = httptest.NewRequest(http.MethodPost, "/compute/v1/tasks/claim", bytes.NewBufferString(claimBody))
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("claim: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var claimed []storage.TaskSpec
	if err := json.Unmarshal(rr.Body.Bytes(), &claimed); err != nil {
		t.Fatalf("decode claim response: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("expected to claim 1 task, got %d", len(claimed))
	}
}

func init() {
	// Keep the test file import list honest if time.Duration stops being used.
	_ = time.Second
}

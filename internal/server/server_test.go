package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/neotalk/neotalk/internal/adapters"
	"github.com/neotalk/neotalk/internal/automation"
	"github.com/neotalk/neotalk/internal/bus"
	"github.com/neotalk/neotalk/internal/devices"
	"github.com/neotalk/neotalk/internal/memory"
	"github.com/neotalk/neotalk/internal/timeseries"
	"github.com/neotalk/neotalk/pkg/models"
)

func newTestServer(t *testing.T) (*Server, *timeseries.Store) {
	t.Helper()
	store, err := timeseries.Open(timeseries.Config{Path: ":memory:"}, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	autos, err := automation.Open(":memory:")
	if err != nil {
		t.Fatalf("open automations: %v", err)
	}
	t.Cleanup(func() { _ = autos.Close() })

	registry := devices.NewRegistry(nil)
	_ = registry.Register(&models.Device{ID: "dht22_001", Name: "Sensor", DeviceType: "sensor", AdapterType: "webhook"})

	b := bus.New()
	sink := &adapters.DefaultSink{Bus: b, Store: store, Registry: registry}
	webhook := adapters.NewWebhookAdapter(sink, nil, nil)

	mem := memory.NewManager(memory.NewShortTerm(0, nil), memory.NewMidTerm(), nil, nil)

	s := New(Config{}, Deps{
		Bus:     b,
		Devices: registry,
		Store:   store,
		Webhook: webhook,
		Autos:   autos,
		Memory:  mem,
	}, nil)
	return s, store
}

func doRequest(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rec, req)
	return rec
}

func TestListDevicesEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/api/devices", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	var list []models.Device
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list) != 1 || list[0].ID != "dht22_001" {
		t.Errorf("devices: %+v", list)
	}
}

func TestWebhookEndpointStoresData(t *testing.T) {
	s, store := newTestServer(t)

	body := `{"timestamp": 1700000000, "data": {"temperature": 21.5}}`
	rec := doRequest(t, s, http.MethodPost, "/api/devices/webhook/dht22_001", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}

	latest, err := store.QueryLatest(t.Context(), models.DeviceSource("dht22_001", "temperature"))
	if err != nil || latest == nil {
		t.Fatalf("latest: %v %v", latest, err)
	}
	if latest.Value.Float != 21.5 {
		t.Errorf("stored value: %v", latest.Value)
	}
}

func TestWebhookEndpointRejectsBadBody(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(t, s, http.MethodPost, "/api/devices/webhook/d1", "not json")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d", rec.Code)
	}
	var errBody errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &errBody); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if errBody.ErrorCode == "" || errBody.Message == "" {
		t.Errorf("typed error body expected: %+v", errBody)
	}
}

func TestAutomationCRUDEndpoints(t *testing.T) {
	s, _ := newTestServer(t)

	payload := `{
		"kind": "rule", "name": "hot",
		"enabled": true,
		"rule": {
			"trigger": {"type": "device_state", "device_id": "d", "metric": "m"},
			"condition": {"operator": ">", "device_id": "d", "metric": "m", "threshold": 30},
			"actions": [{"type": "notify", "message": "hot"}]
		}
	}`
	rec := doRequest(t, s, http.MethodPost, "/api/rules", payload)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status %d: %s", rec.Code, rec.Body)
	}
	var created models.Automation
	_ = json.Unmarshal(rec.Body.Bytes(), &created)
	if created.ID == "" {
		t.Fatal("created automation should get an id")
	}

	rec = doRequest(t, s, http.MethodGet, "/api/rules", "")
	var rules []models.Automation
	_ = json.Unmarshal(rec.Body.Bytes(), &rules)
	if len(rules) != 1 {
		t.Errorf("rules: %+v", rules)
	}

	rec = doRequest(t, s, http.MethodDelete, "/api/automations/"+created.ID, "")
	if rec.Code != http.StatusOK {
		t.Errorf("delete status %d", rec.Code)
	}
	rec = doRequest(t, s, http.MethodDelete, "/api/automations/ghost", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("deleting unknown id: status %d", rec.Code)
	}
}

func TestMemoryQueryEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	s.deps.Memory.ShortTerm().Add(models.RoleUser, "check temperature")

	rec := doRequest(t, s, http.MethodGet, "/api/memory/query?q=temperature&top_k=3", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var result memory.QueryResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(result.ShortTerm) != 1 {
		t.Errorf("short-term hits: %+v", result)
	}

	rec = doRequest(t, s, http.MethodGet, "/api/memory/query", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing q should 400, got %d", rec.Code)
	}
}

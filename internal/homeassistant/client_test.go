package homeassistant

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestGetStates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/states" {
			t.Errorf("path = %q, want /api/states", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("Authorization = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[
			{"entity_id": "light.kitchen", "state": "on", "attributes": {"friendly_name": "Kitchen Light"}},
			{"entity_id": "switch.fan", "state": "off", "attributes": {}}
		]`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "test-token", nil)
	states, err := client.GetStates(context.Background())
	if err != nil {
		t.Fatalf("GetStates() error: %v", err)
	}
	if len(states) != 2 {
		t.Fatalf("got %d states, want 2", len(states))
	}
	if states[0].FriendlyName() != "Kitchen Light" {
		t.Errorf("FriendlyName() = %q, want Kitchen Light", states[0].FriendlyName())
	}
	if states[1].FriendlyName() != "switch.fan" {
		t.Errorf("FriendlyName() fallback = %q, want switch.fan", states[1].FriendlyName())
	}
}

func TestCallService(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "tok", nil)
	err := client.CallService(context.Background(), "light", "turn_on", map[string]any{
		"entity_id":  "light.kitchen",
		"brightness": float64(128),
	})
	if err != nil {
		t.Fatalf("CallService() error: %v", err)
	}
	if gotPath != "/api/services/light/turn_on" {
		t.Errorf("path = %q", gotPath)
	}
	if gotBody["entity_id"] != "light.kitchen" {
		t.Errorf("entity_id = %v", gotBody["entity_id"])
	}
	if gotBody["brightness"] != float64(128) {
		t.Errorf("brightness = %v", gotBody["brightness"])
	}
}

func TestCallServiceStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "entity not found", http.StatusBadRequest)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "tok", nil)
	err := client.CallService(context.Background(), "light", "turn_on", map[string]any{
		"entity_id": "light.nope",
	})
	if err == nil {
		t.Fatal("CallService() should fail on 400")
	}

	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("error = %T, want *StatusError", err)
	}
	if statusErr.StatusCode != http.StatusBadRequest {
		t.Errorf("StatusCode = %d, want 400", statusErr.StatusCode)
	}
}

func TestGetAreas(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/config/area_registry/list" {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Write([]byte(`[{"area_id": "living_room", "name": "Living Room"}]`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "tok", nil)
	areas, err := client.GetAreas(context.Background())
	if err != nil {
		t.Fatalf("GetAreas() error: %v", err)
	}
	if len(areas) != 1 || areas[0].Name != "Living Room" {
		t.Errorf("areas = %+v", areas)
	}
}

func TestHistory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("filter_entity_id"); got != "light.kitchen" {
			t.Errorf("filter_entity_id = %q", got)
		}
		if r.URL.Query().Get("end_time") == "" {
			t.Error("end_time missing")
		}
		w.Write([]byte(`[[
			{"entity_id": "light.kitchen", "state": "on"},
			{"entity_id": "light.kitchen", "state": "off"}
		]]`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "tok", nil)
	end := time.Now()
	records, err := client.History(context.Background(), "light.kitchen", end.Add(-24*time.Hour), end)
	if err != nil {
		t.Fatalf("History() error: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	if records[1].State != "off" {
		t.Errorf("records[1].State = %q, want off", records[1].State)
	}
}

func TestHistoryEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "tok", nil)
	records, err := client.History(context.Background(), "light.gone", time.Now().Add(-time.Hour), time.Now())
	if err != nil {
		t.Fatalf("History() error: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("got %d records, want 0", len(records))
	}
}

func TestEntityRegistryDisabled(t *testing.T) {
	e := EntityRegistryEntry{EntityID: "light.x", DisabledBy: "user"}
	if !e.IsDisabled() {
		t.Error("IsDisabled() = false, want true")
	}
	e.DisabledBy = ""
	if e.IsDisabled() {
		t.Error("IsDisabled() = true, want false")
	}
}

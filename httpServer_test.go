package main

import (
	"encoding/json"
	"io"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
)

func newTestServer(t *testing.T) (*fiber.App, *UpdateLoop, *simStrip) {
	t.Helper()
	journal, err := OpenJournal(filepath.Join(t.TempDir(), "events.db"), "test-run")
	if err != nil {
		t.Fatalf("OpenJournal: %v", err)
	}
	t.Cleanup(func() { journal.Close() })

	stations := testStations(t)
	strip := newSimStrip(stations.LEDCount)
	health := &HealthMonitor{
		warnPct:        85,
		restartPct:     95,
		errorThreshold: 3,
		backoffBase:    20 * time.Millisecond,
		backoffCap:     80 * time.Millisecond,
		memFunc:        func() (float64, error) { return 50, nil },
	}
	ff := &fakeFetcher{obs: []TrainObservation{{TrainID: "A", Line: "RD", CurrentStation: "A01"}}}
	loop := NewUpdateLoop(ff, NewRenderer(stations, testConfig()), strip, health, journal, 5*time.Millisecond, "test-run", nil)
	t.Cleanup(func() { loop.Stop() })

	app := fiber.New()
	s := &server{loop: loop, stations: stations, journal: journal, strip: strip}
	s.routes(app)
	return app, loop, strip
}

func decodeJSON(t *testing.T, body io.Reader, v any) {
	t.Helper()
	if err := json.NewDecoder(body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestHealthEndpointAlwaysAnswers(t *testing.T) {
	app, _, _ := newTestServer(t)

	resp, err := app.Test(httptest.NewRequest("GET", "/health", nil))
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d; want 200", resp.StatusCode)
	}
	var snap HealthSnapshot
	decodeJSON(t, resp.Body, &snap)
	if snap.LoopState != "stopped" || snap.Running {
		t.Errorf("snapshot = %+v; want stopped", snap)
	}
	if snap.RunID != "test-run" {
		t.Errorf("RunID = %q; want test-run", snap.RunID)
	}
}

func TestStartStopEndpoints(t *testing.T) {
	app, loop, _ := newTestServer(t)

	resp, err := app.Test(httptest.NewRequest("POST", "/start_updates", nil))
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	var body map[string]string
	decodeJSON(t, resp.Body, &body)
	if body["status"] != "started" {
		t.Errorf("status = %q; want started", body["status"])
	}

	resp, _ = app.Test(httptest.NewRequest("POST", "/start_updates", nil))
	decodeJSON(t, resp.Body, &body)
	if body["status"] != "already running" {
		t.Errorf("second start status = %q; want already running", body["status"])
	}

	resp, _ = app.Test(httptest.NewRequest("POST", "/stop_updates", nil))
	decodeJSON(t, resp.Body, &body)
	if body["status"] != "stopped" {
		t.Errorf("stop status = %q; want stopped", body["status"])
	}
	if loop.State() != StateStopped {
		t.Errorf("loop state = %v; want stopped", loop.State())
	}
}

func TestAPIStatusEndpoint(t *testing.T) {
	app, _, _ := newTestServer(t)

	resp, err := app.Test(httptest.NewRequest("GET", "/api/status", nil))
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	var body struct {
		Status      string `json:"status"`
		LEDMode     string `json:"led_mode"`
		LoopState   string `json:"loop_state"`
		AutoUpdates bool   `json:"auto_updates"`
	}
	decodeJSON(t, resp.Body, &body)
	if body.LEDMode != "simulated" {
		t.Errorf("led_mode = %q; want simulated", body.LEDMode)
	}
	if body.AutoUpdates {
		t.Error("auto_updates = true before start")
	}
}

func TestSetLEDEndpoint(t *testing.T) {
	app, loop, _ := newTestServer(t)

	payload := `{"leds":[{"index":2,"color":[0,0,255]},{"index":4,"color":[255,0,0],"brightness":0.5}]}`
	req := httptest.NewRequest("POST", "/set_led", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d; want 200", resp.StatusCode)
	}
	if got := loop.LatestFrame()[2]; got != (RGB{0, 0, 255}) {
		t.Errorf("frame[2] = %v; want {0 0 255}", got)
	}

	req = httptest.NewRequest("POST", "/set_led", strings.NewReader(`{"leds":[{"index":99,"color":[1,2,3]}]}`))
	req.Header.Set("Content-Type", "application/json")
	resp, _ = app.Test(req)
	if resp.StatusCode != 400 {
		t.Errorf("out-of-range status = %d; want 400", resp.StatusCode)
	}

	req = httptest.NewRequest("POST", "/set_led", strings.NewReader(`{"leds": nope`))
	req.Header.Set("Content-Type", "application/json")
	resp, _ = app.Test(req)
	if resp.StatusCode != 400 {
		t.Errorf("bad JSON status = %d; want 400", resp.StatusCode)
	}

	req = httptest.NewRequest("POST", "/set_led", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	resp, _ = app.Test(req)
	if resp.StatusCode != 400 {
		t.Errorf("empty leds status = %d; want 400", resp.StatusCode)
	}
}

func TestLEDStatusEndpoint(t *testing.T) {
	app, loop, _ := newTestServer(t)

	if err := loop.SetLEDs([]LEDOverride{{Index: 3, Color: [3]uint8{255, 0, 0}}}); err != nil {
		t.Fatalf("SetLEDs: %v", err)
	}
	resp, err := app.Test(httptest.NewRequest("GET", "/led_status", nil))
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	var body struct {
		LEDCount int `json:"led_count"`
		LEDs     []struct {
			Index int      `json:"index"`
			Color [3]uint8 `json:"color"`
		} `json:"leds"`
	}
	decodeJSON(t, resp.Body, &body)
	if body.LEDCount != 8 {
		t.Errorf("led_count = %d; want 8", body.LEDCount)
	}
	if len(body.LEDs) != 1 || body.LEDs[0].Index != 3 || body.LEDs[0].Color != [3]uint8{255, 0, 0} {
		t.Errorf("leds = %+v; want single red LED at 3", body.LEDs)
	}
}

func TestEventsEndpoint(t *testing.T) {
	app, loop, _ := newTestServer(t)
	loop.Start()
	loop.Stop()

	resp, err := app.Test(httptest.NewRequest("GET", "/api/events?limit=5", nil))
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d; want 200", resp.StatusCode)
	}
	var body struct {
		Events []Event `json:"events"`
	}
	decodeJSON(t, resp.Body, &body)
	if len(body.Events) < 2 {
		t.Fatalf("got %d events; want start and stop", len(body.Events))
	}
	if body.Events[0].Kind != "stop" {
		t.Errorf("newest event = %q; want stop", body.Events[0].Kind)
	}
}

func TestPreviewEndpoints(t *testing.T) {
	app, _, _ := newTestServer(t)

	resp, err := app.Test(httptest.NewRequest("GET", "/preview.svg", nil))
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/svg+xml" {
		t.Errorf("svg content type = %q", ct)
	}
	svgBody, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(svgBody), "<svg") {
		t.Error("svg body missing <svg>")
	}

	resp, err = app.Test(httptest.NewRequest("GET", "/preview.png", nil))
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
		t.Errorf("png content type = %q", ct)
	}
}

func TestDebugFakeEndpoint(t *testing.T) {
	app, loop, _ := newTestServer(t)

	resp, err := app.Test(httptest.NewRequest("POST", "/debug/fake", nil))
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d; want 200", resp.StatusCode)
	}
	frame := loop.LatestFrame()
	if frame[0] != (RGB{255, 0, 0}) || frame[7] != (RGB{0, 0, 255}) {
		t.Errorf("frame ends = %v / %v; want red / blue", frame[0], frame[7])
	}
}

func TestIndexEndpoint(t *testing.T) {
	app, _, _ := newTestServer(t)

	resp, err := app.Test(httptest.NewRequest("GET", "/", nil))
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	var body struct {
		LEDCount int `json:"led_count"`
		Stations []struct {
			Code string `json:"code"`
			Name string `json:"name"`
			LED  int    `json:"led"`
		} `json:"stations"`
	}
	decodeJSON(t, resp.Body, &body)
	if body.LEDCount != 8 || len(body.Stations) != 3 {
		t.Errorf("index = %+v; want 8 LEDs, 3 stations", body)
	}
	if body.Stations[0].Name != "Metro Center" {
		t.Errorf("station name = %q; want Metro Center", body.Stations[0].Name)
	}
}

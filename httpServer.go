package main

import (
	"bytes"
	"image/png"
	"log"
	"strconv"

	"github.com/gofiber/fiber/v2"
)

type server struct {
	loop     *UpdateLoop
	stations *StationMap
	journal  *Journal
	strip    Strip
}

func (s *server) routes(app *fiber.App) {
	app.Get("/", s.index)
	app.Get("/api/status", s.apiStatus)
	app.Get("/health", s.healthHandler)
	app.Get("/led_status", s.ledStatus)
	app.Post("/start_updates", s.startUpdates)
	app.Post("/stop_updates", s.stopUpdates)
	app.Post("/set_led", s.setLED)
	app.Get("/api/events", s.events)
	app.Get("/preview.svg", s.previewSVG)
	app.Get("/preview.png", s.previewPNG)
	app.Post("/debug/fake", s.debugFake)
}

func (s *server) ledMode() string {
	if s.strip.Simulated() {
		return "simulated"
	}
	return "real"
}

func (s *server) index(c *fiber.Ctx) error {
	type stationView struct {
		Code  string   `json:"code"`
		Name  string   `json:"name"`
		LED   int      `json:"led"`
		Lines []string `json:"lines"`
	}
	stations := make([]stationView, 0, len(s.stations.Stations()))
	for _, st := range s.stations.Stations() {
		stations = append(stations, stationView{Code: st.Code, Name: st.Name, LED: st.LED, Lines: st.Lines})
	}
	return c.JSON(fiber.Map{
		"led_count": s.stations.LEDCount,
		"led_mode":  s.ledMode(),
		"stations":  stations,
	})
}

func (s *server) apiStatus(c *fiber.Ctx) error {
	state := s.loop.State()
	return c.JSON(fiber.Map{
		"status":       "running",
		"led_mode":     s.ledMode(),
		"loop_state":   state.String(),
		"auto_updates": state == StateRunning || state == StateBackoff,
	})
}

// healthHandler always serves the last-known snapshot, stopped or not, so
// supervisors can diagnose state without the loop being alive.
func (s *server) healthHandler(c *fiber.Ctx) error {
	return c.JSON(s.loop.Snapshot())
}

func (s *server) ledStatus(c *fiber.Ctx) error {
	frame := s.loop.LatestFrame()
	type ledView struct {
		Index int      `json:"index"`
		Color [3]uint8 `json:"color"`
	}
	leds := make([]ledView, 0, len(frame))
	for i, rgb := range frame {
		if rgb == (RGB{}) {
			continue
		}
		leds = append(leds, ledView{Index: i, Color: [3]uint8{rgb.R, rgb.G, rgb.B}})
	}
	return c.JSON(fiber.Map{"leds": leds, "led_count": len(frame)})
}

func (s *server) startUpdates(c *fiber.Ctx) error {
	if !s.loop.Start() {
		return c.JSON(fiber.Map{"status": "already running"})
	}
	return c.JSON(fiber.Map{"status": "started"})
}

func (s *server) stopUpdates(c *fiber.Ctx) error {
	s.loop.Stop()
	return c.JSON(fiber.Map{"status": "stopped"})
}

func (s *server) setLED(c *fiber.Ctx) error {
	var req struct {
		LEDs []LEDOverride `json:"leds"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid JSON"})
	}
	if len(req.LEDs) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request format"})
	}
	if err := s.loop.SetLEDs(req.LEDs); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"status": "success"})
}

func (s *server) events(c *fiber.Ctx) error {
	limit, err := strconv.Atoi(c.Query("limit", "50"))
	if err != nil || limit <= 0 || limit > 500 {
		limit = 50
	}
	events, err := s.journal.Recent(limit)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	if events == nil {
		events = []Event{}
	}
	return c.JSON(fiber.Map{"events": events})
}

func (s *server) previewSVG(c *fiber.Ctx) error {
	var buf bytes.Buffer
	renderSVG(&buf, s.loop.LatestFrame())
	c.Set("Content-Type", "image/svg+xml")
	return c.Send(buf.Bytes())
}

func (s *server) previewPNG(c *fiber.Ctx) error {
	img := renderPNG(s.loop.LatestFrame())
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return c.Status(fiber.StatusInternalServerError).SendString("Failed to encode image")
	}
	c.Set("Content-Type", "image/png")
	c.Set("Content-Length", strconv.Itoa(buf.Len()))
	return c.Send(buf.Bytes())
}

// debugFake lights the first and last mapped LED to exercise the strip and
// the web mirror without the upstream API.
func (s *server) debugFake(c *fiber.Ctx) error {
	last := s.stations.LEDCount - 1
	err := s.loop.SetLEDs([]LEDOverride{
		{Index: 0, Color: [3]uint8{255, 0, 0}},
		{Index: last, Color: [3]uint8{0, 0, 255}},
	})
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"ok": true})
}

func startHTTPServer(addr string, s *server) {
	app := fiber.New()
	s.routes(app)
	log.Println("Starting Fiber server on", addr)
	log.Fatal(app.Listen(addr))
}

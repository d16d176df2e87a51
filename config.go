package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DEFAULT_LISTEN_ADDR       = ":5000"
	DEFAULT_API_BASE_URL      = "https://api.wmata.com"
	DEFAULT_SPI_PORT          = "SPI0.0"
	DEFAULT_BRIGHTNESS        = 255
	DEFAULT_POLL_INTERVAL_SEC = 10
	DEFAULT_MEM_WARN_PCT      = 85.0
	DEFAULT_MEM_RESTART_PCT   = 95.0
	DEFAULT_ERROR_THRESHOLD   = 3
	DEFAULT_BACKOFF_BASE_SEC  = 30
	DEFAULT_BACKOFF_CAP_SEC   = 300
	DEFAULT_DECAY_FACTOR      = 0.82
	DEFAULT_MIN_INTENSITY     = 0.02
	DEFAULT_MAX_PREGLOW       = 0.6
	DEFAULT_JOURNAL_PATH      = "events.db"
)

// RGB is one LED color. The strip wire format is 3 bytes per pixel in this order.
type RGB struct {
	R, G, B uint8
}

// Station binds a transit station code to a physical LED position.
type Station struct {
	Code  string   `yaml:"code"`
	Name  string   `yaml:"name"`
	LED   int      `yaml:"led"`
	Lines []string `yaml:"lines"`
}

// Config is the whole daemon configuration, loaded once at startup.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`

	// Position source: "wmata" or "gtfsrt".
	Source     string `yaml:"source"`
	APIBaseURL string `yaml:"api_base_url"`
	GTFSRTURL  string `yaml:"gtfsrt_url"`

	// LED hardware. Driver is "apa102", "ws2812" or "sim".
	Driver         string `yaml:"driver"`
	SPIPort        string `yaml:"spi_port"`
	LEDCount       int    `yaml:"led_count"`
	Brightness     int    `yaml:"brightness"`
	StrictHardware bool   `yaml:"strict_hardware"`

	PollIntervalSec int `yaml:"poll_interval_sec"`

	MemoryWarnPct    float64 `yaml:"memory_warn_pct"`
	MemoryRestartPct float64 `yaml:"memory_restart_pct"`
	ErrorThreshold   int     `yaml:"error_threshold"`
	BackoffBaseSec   int     `yaml:"backoff_base_sec"`
	BackoffCapSec    int     `yaml:"backoff_cap_sec"`

	DecayFactor  float64 `yaml:"decay_factor"`
	MinIntensity float64 `yaml:"min_intensity"`
	MaxPreglow   float64 `yaml:"max_preglow"`

	JournalPath  string `yaml:"journal_path"`
	ButtonDevice string `yaml:"button_device"`

	LineColors map[string][3]uint8 `yaml:"line_colors"`
	Stations   []Station           `yaml:"stations"`

	// From environment only, never the YAML file.
	APIKey string `yaml:"-"`
}

// LoadConfig reads and unmarshals the YAML config file, applies defaults and
// environment overrides, and validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = DEFAULT_LISTEN_ADDR
	}
	if c.Source == "" {
		c.Source = "wmata"
	}
	if c.APIBaseURL == "" {
		c.APIBaseURL = DEFAULT_API_BASE_URL
	}
	if c.Driver == "" {
		c.Driver = "sim"
	}
	if c.SPIPort == "" {
		c.SPIPort = DEFAULT_SPI_PORT
	}
	if c.Brightness == 0 {
		c.Brightness = DEFAULT_BRIGHTNESS
	}
	if c.PollIntervalSec == 0 {
		c.PollIntervalSec = DEFAULT_POLL_INTERVAL_SEC
	}
	if c.MemoryWarnPct == 0 {
		c.MemoryWarnPct = DEFAULT_MEM_WARN_PCT
	}
	if c.MemoryRestartPct == 0 {
		c.MemoryRestartPct = DEFAULT_MEM_RESTART_PCT
	}
	if c.ErrorThreshold == 0 {
		c.ErrorThreshold = DEFAULT_ERROR_THRESHOLD
	}
	if c.BackoffBaseSec == 0 {
		c.BackoffBaseSec = DEFAULT_BACKOFF_BASE_SEC
	}
	if c.BackoffCapSec == 0 {
		c.BackoffCapSec = DEFAULT_BACKOFF_CAP_SEC
	}
	if c.DecayFactor == 0 {
		c.DecayFactor = DEFAULT_DECAY_FACTOR
	}
	if c.MinIntensity == 0 {
		c.MinIntensity = DEFAULT_MIN_INTENSITY
	}
	if c.MaxPreglow == 0 {
		c.MaxPreglow = DEFAULT_MAX_PREGLOW
	}
	if c.JournalPath == "" {
		c.JournalPath = DEFAULT_JOURNAL_PATH
	}
	if c.LEDCount == 0 {
		// One past the highest mapped index, like the original strip layout.
		for _, st := range c.Stations {
			if st.LED >= c.LEDCount {
				c.LEDCount = st.LED + 1
			}
		}
	}
}

func (c *Config) applyEnv() {
	c.APIKey = os.Getenv("WMATA_API_KEY")
	c.ListenAddr = getEnv("METRO_LISTEN_ADDR", c.ListenAddr)
	c.PollIntervalSec = getEnvInt("METRO_POLL_INTERVAL", c.PollIntervalSec)
	if forceSim := os.Getenv("METRO_FORCE_SIM"); forceSim != "" && forceSim != "0" && forceSim != "false" {
		c.Driver = "sim"
	}
}

func (c *Config) validate() error {
	switch c.Source {
	case "wmata", "gtfsrt":
	default:
		return fmt.Errorf("config: unknown source %q", c.Source)
	}
	switch c.Driver {
	case "apa102", "ws2812", "sim":
	default:
		return fmt.Errorf("config: unknown driver %q", c.Driver)
	}
	if c.Source == "gtfsrt" && c.GTFSRTURL == "" {
		return fmt.Errorf("config: source gtfsrt requires gtfsrt_url")
	}
	if c.Brightness < 0 || c.Brightness > 255 {
		return fmt.Errorf("config: brightness %d out of range 0-255", c.Brightness)
	}
	if c.DecayFactor <= 0 || c.DecayFactor >= 1 {
		return fmt.Errorf("config: decay_factor %v must be in (0, 1)", c.DecayFactor)
	}
	if len(c.Stations) == 0 {
		return fmt.Errorf("config: no stations mapped")
	}
	return nil
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSec) * time.Second
}

func (c *Config) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseSec) * time.Second
}

func (c *Config) BackoffCap() time.Duration {
	return time.Duration(c.BackoffCapSec) * time.Second
}

// StationMap is the immutable lookup from station code to LED index and from
// line code to color. Built once at startup and shared read-only after that.
type StationMap struct {
	LEDCount int
	stations []Station
	byCode   map[string]Station
	colors   map[string]RGB
}

// NewStationMap validates the configured station layout and builds the lookups.
func NewStationMap(cfg *Config) (*StationMap, error) {
	m := &StationMap{
		LEDCount: cfg.LEDCount,
		stations: append([]Station(nil), cfg.Stations...),
		byCode:   make(map[string]Station, len(cfg.Stations)),
		colors:   make(map[string]RGB, len(cfg.LineColors)),
	}
	for line, rgb := range cfg.LineColors {
		m.colors[line] = RGB{rgb[0], rgb[1], rgb[2]}
	}
	usedLED := make(map[int]string, len(cfg.Stations))
	for _, st := range cfg.Stations {
		if st.LED < 0 || st.LED >= m.LEDCount {
			return nil, fmt.Errorf("station %s: led %d out of range 0-%d", st.Code, st.LED, m.LEDCount-1)
		}
		if prev, dup := usedLED[st.LED]; dup {
			return nil, fmt.Errorf("station %s: led %d already assigned to %s", st.Code, st.LED, prev)
		}
		if _, dup := m.byCode[st.Code]; dup {
			return nil, fmt.Errorf("station %s: duplicate station code", st.Code)
		}
		for _, line := range st.Lines {
			if _, ok := m.colors[line]; !ok {
				return nil, fmt.Errorf("station %s: no color for line %s", st.Code, line)
			}
		}
		usedLED[st.LED] = st.Code
		m.byCode[st.Code] = st
	}
	return m, nil
}

// LEDFor resolves a station code to its LED index.
func (m *StationMap) LEDFor(code string) (int, bool) {
	st, ok := m.byCode[code]
	return st.LED, ok
}

// ColorFor resolves a line code to its display color.
func (m *StationMap) ColorFor(line string) (RGB, bool) {
	c, ok := m.colors[line]
	return c, ok
}

// KnownLine reports whether a line code has a configured color.
func (m *StationMap) KnownLine(line string) bool {
	_, ok := m.colors[line]
	return ok
}

// Stations returns the configured stations in file order.
func (m *StationMap) Stations() []Station {
	return m.stations
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

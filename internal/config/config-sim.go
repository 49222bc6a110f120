// internal/config/config-sim.go
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/fisaks/plcsim/internal/logging"
	"github.com/fisaks/plcsim/internal/registers"
)

/* =========================
   Types
   ========================= */

type SimConfig struct {
	ListenAddr   string               `json:"listenAddr"`
	UnitId       uint8                `json:"unitId"`
	Banks        registers.Capacities `json:"banks"`
	TickMs       int                  `json:"tickMs"`     // normal tick bucket
	FastTickMs   int                  `json:"fastTickMs"` // bucket when started with "fast"
	AcceptPollMs int                  `json:"acceptPollMs"`
	IdleSleepUs  int                  `json:"idleSleepUs"`
	RestAddr     string               `json:"restAddr"` // empty = control API disabled
	Mqtt         *MqttConfig          `json:"mqtt"`     // nil = no mirror
}

type MqttConfig struct {
	BrokerURL          string `json:"brokerUrl"`
	ClientName         string `json:"clientName"`
	TopicPrefix        string `json:"topicPrefix"`
	PublishIntervalMs  int    `json:"publishIntervalMs"`
	HeartbeatIntervalS int    `json:"heartbeatIntervalS"`
	ConnectTimeoutMs   int    `json:"connectTimeoutMs"`
	PublishTimeoutMs   int    `json:"publishTimeoutMs"`
}

const maxBankSize = 65536

// Default is the configuration used when no file is given.
func Default() *SimConfig {
	cfg := &SimConfig{
		Banks: registers.Capacities{Coils: 20, HoldingRegisters: 5},
	}
	_ = cfg.Validate()
	return cfg
}

/* =========================
   Helpers
   ========================= */

// TickInterval is the simulation bucket width for the chosen mode.
func (c *SimConfig) TickInterval(fast bool) time.Duration {
	if fast {
		return time.Duration(c.FastTickMs) * time.Millisecond
	}
	return time.Duration(c.TickMs) * time.Millisecond
}
func (c *SimConfig) AcceptPoll() time.Duration {
	return time.Duration(c.AcceptPollMs) * time.Millisecond
}
func (c *SimConfig) IdleSleep() time.Duration {
	return time.Duration(c.IdleSleepUs) * time.Microsecond
}

func (m MqttConfig) PublishInterval() time.Duration {
	return time.Duration(m.PublishIntervalMs) * time.Millisecond
}
func (m MqttConfig) HeartbeatInterval() time.Duration {
	return time.Duration(m.HeartbeatIntervalS) * time.Second
}
func (m MqttConfig) ConnectTimeout() time.Duration {
	return time.Duration(m.ConnectTimeoutMs) * time.Millisecond
}
func (m MqttConfig) PublishTimeout() time.Duration {
	return time.Duration(m.PublishTimeoutMs) * time.Millisecond
}

// ApplyEnv overrides addresses from the environment. lookup is usually os.Getenv.
func (c *SimConfig) ApplyEnv(lookup func(string) string) {
	if v := lookup("PLC_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := lookup("PLC_REST_ADDR"); v != "" {
		c.RestAddr = v
	}
	if v := lookup("MQTT_URL"); v != "" {
		if c.Mqtt == nil {
			c.Mqtt = &MqttConfig{}
		}
		c.Mqtt.BrokerURL = v
	}
}

/* =========================
   Strict load + validate
   ========================= */

func LoadSimConfig(path string) (*SimConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	defer f.Close()
	return LoadSimConfigFromReader(f)
}

func LoadSimConfigFromReader(r io.Reader) (*SimConfig, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	clean := stripJSONComments(raw)
	dec := json.NewDecoder(strings.NewReader(string(clean)))
	dec.DisallowUnknownFields()

	var cfg SimConfig
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate fills defaults and reports every problem at once.
func (c *SimConfig) Validate() error {
	var errs multiErr

	if c.ListenAddr == "" {
		c.ListenAddr = ":55022"
	}
	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		errs.addf("listenAddr %q: %v", c.ListenAddr, err)
	}
	if c.UnitId == 0 {
		c.UnitId = 1
	}
	if c.UnitId > 247 {
		errs.addf("unitId must be 1..247, got %d", c.UnitId)
	}

	/* Banks */
	for _, b := range []registers.Bank{registers.Coils, registers.DiscreteInputs, registers.InputRegisters, registers.HoldingRegisters} {
		if n := c.Banks.Of(b); n < 0 || n > maxBankSize {
			errs.addf("banks.%s must be 0..%d, got %d", b, maxBankSize, n)
		}
	}
	if c.Banks.Coils/3 <= 1 {
		logging.Warn("coil bank too small for the plc simulation", "coils", c.Banks.Coils)
	}

	/* Timings */
	if c.TickMs == 0 {
		c.TickMs = 100
	}
	if c.FastTickMs == 0 {
		c.FastTickMs = 1
	}
	if c.AcceptPollMs == 0 {
		c.AcceptPollMs = 200
	}
	if c.IdleSleepUs == 0 {
		c.IdleSleepUs = 250
	}
	if c.TickMs < 0 || c.FastTickMs < 0 || c.AcceptPollMs < 0 || c.IdleSleepUs < 0 {
		errs.add("tickMs, fastTickMs, acceptPollMs and idleSleepUs must be > 0")
	}

	if c.RestAddr != "" {
		if _, _, err := net.SplitHostPort(c.RestAddr); err != nil {
			errs.addf("restAddr %q: %v", c.RestAddr, err)
		}
	}

	/* MQTT */
	if m := c.Mqtt; m != nil {
		if strings.TrimSpace(m.BrokerURL) == "" {
			errs.add("mqtt.brokerUrl is required when mqtt is configured")
		}
		if m.ClientName == "" {
			m.ClientName = "plcsim"
		}
		if m.TopicPrefix == "" {
			m.TopicPrefix = "plcsim/" + m.ClientName
		}
		if m.PublishIntervalMs <= 0 {
			m.PublishIntervalMs = 1000
		}
		if m.HeartbeatIntervalS < 0 {
			m.HeartbeatIntervalS = 60
		}
		if m.HeartbeatIntervalS == 0 {
			logging.Warn("mqtt.heartbeatIntervalS=0 configured, heartbeats disabled")
		}
		if m.ConnectTimeoutMs <= 0 {
			m.ConnectTimeoutMs = 10000
		}
		if m.PublishTimeoutMs <= 0 {
			m.PublishTimeoutMs = 5000
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

/* =========================
   Comment stripping + utils
   ========================= */

var (
	lineComments  = regexp.MustCompile(`(?m)^\s*//[^\n\r]*`)
	blockComments = regexp.MustCompile(`(?s)/\*.*?\*/`)
)

// stripJSONComments drops block comments and whole-line // comments. Trailing
// // comments are left alone so URLs like tcp://host survive.
func stripJSONComments(in []byte) []byte {
	text := string(in)
	text = blockComments.ReplaceAllString(text, "")
	text = lineComments.ReplaceAllString(text, "")
	return []byte(text)
}

type multiErr []string

func (m *multiErr) add(s string)            { *m = append(*m, s) }
func (m *multiErr) addf(f string, a ...any) { *m = append(*m, fmt.Sprintf(f, a...)) }
func (m multiErr) Error() string            { return "validation errors: " + strings.Join(m, "; ") }

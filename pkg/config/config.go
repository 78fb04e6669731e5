package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// RoleReference marks the photodiode that watches the IR LED directly
// instead of the culture. Any other role is a scatter angle in degrees,
// ex: "135".
const RoleReference = "reference"

// ErrConfiguration covers required mappings that are absent, ex: no IR LED
// channel. Fatal at construction time.
var ErrConfiguration = errors.New("config: invalid configuration")

type MQTTConfig struct {
	Server   string `yaml:"server" validate:"required"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	ClientID string `yaml:"client_id"`
}

type ChannelConfig struct {
	Channel int    `yaml:"channel" validate:"min=0,max=3"`
	Role    string `yaml:"role" validate:"required"`
}

type IRLEDConfig struct {
	Channel   string  `yaml:"channel" validate:"required,oneof=A B C D"`
	Intensity float64 `yaml:"intensity" validate:"gt=0,lte=100"`
}

type SamplingConfig struct {
	// SamplesPerSecond sets the acquisition cadence; 0 means on-demand only.
	SamplesPerSecond  float64 `yaml:"samples_per_second" validate:"min=0"`
	OversamplingCount int     `yaml:"oversampling_count" validate:"min=4"`
	// MainsFrequency overrides AC interference detection; 0 auto-detects.
	MainsFrequency float64 `yaml:"mains_frequency" validate:"oneof=0 50 60"`
	// OutlierTrim is how many extreme samples are dropped from each end
	// before the regression.
	OutlierTrim    int     `yaml:"outlier_trim" validate:"min=0,max=3"`
	JitterFraction float64 `yaml:"jitter_fraction" validate:"min=0,max=1"`
	DataRate       int     `yaml:"data_rate"`
	// ReadingDurationMs stretches one oversampled reading over this window;
	// 0 keeps the default (800 ms).
	ReadingDurationMs int `yaml:"reading_duration_ms" validate:"min=0"`
}

type Config struct {
	Namespace  string `yaml:"namespace" validate:"required"`
	Unit       string `yaml:"unit" validate:"required"`
	Experiment string `yaml:"experiment" validate:"required"`

	I2CBus     string `yaml:"i2c_bus"`
	I2CAddress int    `yaml:"i2c_address"`

	MQTT     MQTTConfig      `yaml:"mqtt"`
	Channels []ChannelConfig `yaml:"channels" validate:"min=1,dive"`
	IRLED    IRLEDConfig     `yaml:"ir_led"`
	Sampling SamplingConfig  `yaml:"sampling"`

	// SmoothingFactor is the EMA alpha of the reference tracker.
	SmoothingFactor float64 `yaml:"smoothing_factor" validate:"gt=0,lte=1"`

	// SensorType selects "real" hardware or a "simulation" signal source.
	SensorType string `yaml:"sensor_type" validate:"oneof=real simulation"`
}

func Default() Config {
	return Config{
		Namespace:  "bioreactor",
		Unit:       hostnameOr("unit1"),
		Experiment: "default",
		I2CBus:     "1",
		I2CAddress: 0x48,
		MQTT: MQTTConfig{
			Server:   "tcp://localhost:1883",
			ClientID: "od-reader",
		},
		Channels: []ChannelConfig{
			{Channel: 0, Role: RoleReference},
			{Channel: 1, Role: "135"},
		},
		IRLED: IRLEDConfig{Channel: "B", Intensity: 90},
		Sampling: SamplingConfig{
			SamplesPerSecond:  0.2,
			OversamplingCount: 26,
			OutlierTrim:       1,
			JitterFraction:    0.1,
			DataRate:          128,
		},
		SmoothingFactor: 0.05,
		SensorType:      "real",
	}
}

func hostnameOr(fallback string) string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return fallback
}

// LoadFromFlags loads configuration from a YAML file (optional) and flags.
// Flags override values present in the file.
func LoadFromFlags(args []string) (Config, error) {
	fs := flag.NewFlagSet("odreader", flag.ContinueOnError)
	cfgPath := fs.String("config", "", "Path to YAML config file")
	flagUnit := fs.String("unit", "", "Unit name")
	flagExperiment := fs.String("experiment", "", "Experiment name")
	flagI2CBus := fs.String("i2c-bus", "", "I2C bus (e.g., '1' -> /dev/i2c-1)")
	flagI2CAddStr := fs.String("i2c-address", "", "I2C address (decimal or 0x hex)")
	flagMQTTServer := fs.String("mqtt-server", "", "MQTT server (tcp://host:port)")
	flagMQTTUser := fs.String("mqtt-user", "", "MQTT username")
	flagMQTTPass := fs.String("mqtt-pass", "", "MQTT password")
	flagClientID := fs.String("mqtt-client-id", "", "MQTT client id")
	flagChannels := fs.String("channels", "", "Comma-separated channel=role pairs e.g. 0=reference,1=135")
	flagSPS := fs.Float64("samples-per-second", -1, "Readings per second (0 = on demand)")
	flagIRChannel := fs.String("ir-led", "", "IR LED channel (A-D)")
	flagIRIntensity := fs.Float64("ir-intensity", -1, "IR LED intensity (0-100)")
	flagMains := fs.Float64("mains-frequency", -1, "Mains frequency override (50 or 60, 0 = auto)")
	flagSensorType := fs.String("sensor-type", "", "sensor type: real|simulation")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := Default()

	if *cfgPath != "" {
		b, err := os.ReadFile(*cfgPath)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	if *flagUnit != "" {
		cfg.Unit = *flagUnit
	}
	if *flagExperiment != "" {
		cfg.Experiment = *flagExperiment
	}
	if *flagI2CBus != "" {
		cfg.I2CBus = *flagI2CBus
	}
	if *flagI2CAddStr != "" {
		v, err := parseIntOrHex(*flagI2CAddStr)
		if err != nil {
			return cfg, fmt.Errorf("i2c-address: %w", err)
		}
		cfg.I2CAddress = v
	}
	if *flagMQTTServer != "" {
		cfg.MQTT.Server = *flagMQTTServer
	}
	if *flagMQTTUser != "" {
		cfg.MQTT.Username = *flagMQTTUser
	}
	if *flagMQTTPass != "" {
		cfg.MQTT.Password = *flagMQTTPass
	}
	if *flagClientID != "" {
		cfg.MQTT.ClientID = *flagClientID
	}
	if *flagChannels != "" {
		chs, err := parseChannels(*flagChannels)
		if err != nil {
			return cfg, err
		}
		cfg.Channels = chs
	}
	if *flagSPS >= 0 {
		cfg.Sampling.SamplesPerSecond = *flagSPS
	}
	if *flagIRChannel != "" {
		cfg.IRLED.Channel = *flagIRChannel
	}
	if *flagIRIntensity >= 0 {
		cfg.IRLED.Intensity = *flagIRIntensity
	}
	if *flagMains >= 0 {
		cfg.Sampling.MainsFrequency = *flagMains
	}
	if *flagSensorType != "" {
		cfg.SensorType = *flagSensorType
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	seen := map[int]bool{}
	for _, ch := range c.Channels {
		if seen[ch.Channel] {
			return fmt.Errorf("%w: channel %d configured twice", ErrConfiguration, ch.Channel)
		}
		seen[ch.Channel] = true
		if ch.Role != RoleReference {
			if _, err := strconv.Atoi(ch.Role); err != nil {
				return fmt.Errorf("%w: channel %d role %q is neither %q nor an angle", ErrConfiguration, ch.Channel, ch.Role, RoleReference)
			}
		}
	}
	return nil
}

// Interval is the time between acquisition cycles; 0 means on-demand.
func (c Config) Interval() time.Duration {
	if c.Sampling.SamplesPerSecond <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / c.Sampling.SamplesPerSecond)
}

// ReferenceChannel returns the ADC channel with the reference role.
func (c Config) ReferenceChannel() (int, bool) {
	for _, ch := range c.Channels {
		if ch.Role == RoleReference {
			return ch.Channel, true
		}
	}
	return 0, false
}

// SignalChannels returns the ADC channels carrying scatter-angle signals,
// mapped to their angle.
func (c Config) SignalChannels() map[int]string {
	out := make(map[int]string)
	for _, ch := range c.Channels {
		if ch.Role != RoleReference {
			out[ch.Channel] = ch.Role
		}
	}
	return out
}

// AllChannels lists every configured ADC channel.
func (c Config) AllChannels() []int {
	out := make([]int, 0, len(c.Channels))
	for _, ch := range c.Channels {
		out = append(out, ch.Channel)
	}
	return out
}

func parseIntOrHex(s string) (int, error) {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		v, err := strconv.ParseInt(s[2:], 16, 0)
		return int(v), err
	}
	v, err := strconv.Atoi(s)
	return v, err
}

func parseChannels(s string) ([]ChannelConfig, error) {
	parts := strings.Split(s, ",")
	out := make([]ChannelConfig, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t == "" {
			continue
		}
		kv := strings.SplitN(t, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("invalid channel mapping '%s', want channel=role", t)
		}
		ch, err := strconv.Atoi(strings.TrimSpace(kv[0]))
		if err != nil {
			return nil, fmt.Errorf("invalid channel '%s': %w", kv[0], err)
		}
		out = append(out, ChannelConfig{Channel: ch, Role: strings.TrimSpace(kv[1])})
	}
	return out, nil
}

package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// SystemMode selects which strategies the master state machine may run.
type SystemMode string

const (
	SystemModeAuto     SystemMode = "auto"
	SystemModeHeatOnly SystemMode = "heat_only"
	SystemModeCoolOnly SystemMode = "cool_only"
	SystemModeOff      SystemMode = "off"
)

// Duration wraps time.Duration with YAML parsing. Strings are parsed with
// time.ParseDuration; bare integers are treated as seconds, matching the
// legacy *_seconds config keys.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var secs int64
	if err := value.Decode(&secs); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}

	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("invalid duration %q", value.Value)
	}

	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// HassOptions holds the Home Assistant connection configuration.
type HassOptions struct {
	WSURL      string   `yaml:"ws_url"`
	RestURL    string   `yaml:"rest_url"`
	Token      string   `yaml:"token"`
	MaxRetries int      `yaml:"max_retries"`
	RetryDelay Duration `yaml:"retry_delay"`
}

// TemperatureThresholds bound when a strategy may engage. Indoor bounds
// form the hysteresis band; outdoor bounds gate operation entirely.
type TemperatureThresholds struct {
	IndoorMin  float64 `yaml:"indoor_min"`
	IndoorMax  float64 `yaml:"indoor_max"`
	OutdoorMin float64 `yaml:"outdoor_min"`
	OutdoorMax float64 `yaml:"outdoor_max"`
}

// DefrostOptions configures the periodic defrost cycle for heat pumps.
type DefrostOptions struct {
	TemperatureThreshold float64  `yaml:"temperature_threshold"`
	Period               Duration `yaml:"period"`
	Duration             Duration `yaml:"duration"`
}

// HeatingOptions configures the heating strategy.
type HeatingOptions struct {
	Temperature float64               `yaml:"temperature"`
	PresetMode  string                `yaml:"preset_mode"`
	Thresholds  TemperatureThresholds `yaml:"temperature_thresholds"`
	Defrost     *DefrostOptions       `yaml:"defrost"`
}

// CoolingOptions configures the cooling strategy.
type CoolingOptions struct {
	Temperature float64               `yaml:"temperature"`
	PresetMode  string                `yaml:"preset_mode"`
	Thresholds  TemperatureThresholds `yaml:"temperature_thresholds"`
}

// ActiveHours is the daily window during which non-idle modes may be
// commanded. End is inclusive; the window does not span midnight.
//
// Older config files used a field literally named "start_weekday" for the
// weekend start hour and a bare "start" for the weekday start hour. Both
// legacy keys are still accepted (see UnmarshalYAML) but the canonical keys
// below carry the semantics their names say.
type ActiveHours struct {
	StartWeekday int `yaml:"start_weekday"`
	StartWeekend int `yaml:"start_weekend"`
	End          int `yaml:"end"`
}

// UnmarshalYAML maps the legacy swapped keys onto the canonical fields:
// "start" was the weekday start and "start_weekday" the weekend start.
func (a *ActiveHours) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Start        *int `yaml:"start"`
		StartWeekday *int `yaml:"start_weekday"`
		StartWeekend *int `yaml:"start_weekend"`
		End          int  `yaml:"end"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	a.End = raw.End

	switch {
	case raw.StartWeekend != nil:
		// Canonical layout.
		a.StartWeekend = *raw.StartWeekend
		if raw.StartWeekday != nil {
			a.StartWeekday = *raw.StartWeekday
		}
	case raw.Start != nil:
		// Legacy layout.
		a.StartWeekday = *raw.Start
		if raw.StartWeekday != nil {
			a.StartWeekend = *raw.StartWeekday
		} else {
			a.StartWeekend = *raw.Start
		}
	case raw.StartWeekday != nil:
		a.StartWeekday = *raw.StartWeekday
		a.StartWeekend = *raw.StartWeekday
	}

	return nil
}

// HvacEntity is a single climate entity under control.
type HvacEntity struct {
	EntityID string `yaml:"entity_id"`
	Enabled  bool   `yaml:"enabled"`
	Defrost  bool   `yaml:"defrost"`
}

// HvacOptions is the declarative HVAC policy.
type HvacOptions struct {
	TempSensor    string         `yaml:"temp_sensor"`
	OutdoorSensor string         `yaml:"outdoor_sensor"`
	SystemMode    SystemMode     `yaml:"system_mode"`
	Entities      []HvacEntity   `yaml:"entities"`
	Heating       HeatingOptions `yaml:"heating"`
	Cooling       CoolingOptions `yaml:"cooling"`
	ActiveHours   *ActiveHours   `yaml:"active_hours"`
}

// Config is the full policy file contents. Immutable after Load.
type Config struct {
	Hass HassOptions `yaml:"home_assistant"`
	Hvac HvacOptions `yaml:"hvac"`
}

const (
	defaultOutdoorSensor = "sensor.openweathermap_temperature"
	defaultMaxRetries    = 5
	defaultRetryDelay    = time.Second
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, substitutes, and validates a policy file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	substituted := substituteEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(substituted), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// DefaultConfigPath returns the first policy file found on the search
// path, or the conventional default when none exists yet.
func DefaultConfigPath() string {
	candidates := []string{
		"config/hvac_config.yaml",
		"hvac_config.yaml",
		"/etc/hag/hvac_config.yaml",
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return candidates[0]
}

// substituteEnvVars replaces ${VAR} tokens with environment variable
// contents. Unset variables are left as-is so validation can report them.
func substituteEnvVars(data string) string {
	return envVarPattern.ReplaceAllStringFunc(data, func(token string) string {
		name := token[2 : len(token)-1]
		if value, ok := os.LookupEnv(name); ok {
			return value
		}
		return token
	})
}

func (c *Config) applyDefaults() {
	if c.Hass.MaxRetries == 0 {
		c.Hass.MaxRetries = defaultMaxRetries
	}
	if c.Hass.RetryDelay == 0 {
		c.Hass.RetryDelay = Duration(defaultRetryDelay)
	}
	if c.Hvac.OutdoorSensor == "" {
		c.Hvac.OutdoorSensor = defaultOutdoorSensor
	}
	if c.Hvac.SystemMode == "" {
		c.Hvac.SystemMode = SystemModeAuto
	}
	if c.Hvac.Heating.Temperature == 0 {
		c.Hvac.Heating.Temperature = 21.0
	}
	if c.Hvac.Heating.PresetMode == "" {
		c.Hvac.Heating.PresetMode = "comfort"
	}
	if c.Hvac.Cooling.Temperature == 0 {
		c.Hvac.Cooling.Temperature = 24.0
	}
	if c.Hvac.Cooling.PresetMode == "" {
		c.Hvac.Cooling.PresetMode = "eco"
	}
	if d := c.Hvac.Heating.Defrost; d != nil {
		if d.Period == 0 {
			d.Period = Duration(time.Hour)
		}
		if d.Duration == 0 {
			d.Duration = Duration(5 * time.Minute)
		}
	}
}

// Validate checks the policy for internal consistency.
func (c *Config) Validate() error {
	if c.Hass.WSURL == "" {
		return &ValidationError{Field: "home_assistant.ws_url", Reason: "required"}
	}
	if !strings.HasPrefix(c.Hass.WSURL, "ws://") && !strings.HasPrefix(c.Hass.WSURL, "wss://") {
		return &ValidationError{Field: "home_assistant.ws_url", Reason: fmt.Sprintf("must be a ws:// or wss:// URL, got %q", c.Hass.WSURL)}
	}
	if c.Hass.RestURL == "" {
		return &ValidationError{Field: "home_assistant.rest_url", Reason: "required"}
	}
	if !strings.HasPrefix(c.Hass.RestURL, "http://") && !strings.HasPrefix(c.Hass.RestURL, "https://") {
		return &ValidationError{Field: "home_assistant.rest_url", Reason: fmt.Sprintf("must be an http:// or https:// URL, got %q", c.Hass.RestURL)}
	}
	if c.Hass.Token == "" || strings.HasPrefix(c.Hass.Token, "${") {
		return &ValidationError{Field: "home_assistant.token", Reason: "required (is the environment variable set?)"}
	}
	if c.Hass.MaxRetries < 1 {
		return &ValidationError{Field: "home_assistant.max_retries", Reason: fmt.Sprintf("must be at least 1, got %d", c.Hass.MaxRetries)}
	}

	if err := validateSensorID("hvac.temp_sensor", c.Hvac.TempSensor); err != nil {
		return err
	}
	if err := validateSensorID("hvac.outdoor_sensor", c.Hvac.OutdoorSensor); err != nil {
		return err
	}

	switch c.Hvac.SystemMode {
	case SystemModeAuto, SystemModeHeatOnly, SystemModeCoolOnly, SystemModeOff:
	default:
		return &ValidationError{Field: "hvac.system_mode", Reason: fmt.Sprintf("invalid mode %q, must be one of: auto, heat_only, cool_only, off", c.Hvac.SystemMode)}
	}

	for i, entity := range c.Hvac.Entities {
		if strings.Count(entity.EntityID, ".") != 1 {
			return &ValidationError{
				Field:  fmt.Sprintf("hvac.entities[%d].entity_id", i),
				Reason: fmt.Sprintf("must be in domain.name format, got %q", entity.EntityID),
			}
		}
	}

	if err := validateThresholds("hvac.heating", c.Hvac.Heating.Thresholds); err != nil {
		return err
	}
	if err := validateThresholds("hvac.cooling", c.Hvac.Cooling.Thresholds); err != nil {
		return err
	}

	if c.Hvac.Heating.Temperature < 10 || c.Hvac.Heating.Temperature > 35 {
		return &ValidationError{Field: "hvac.heating.temperature", Reason: fmt.Sprintf("must be between 10 and 35 °C, got %g", c.Hvac.Heating.Temperature)}
	}
	if c.Hvac.Cooling.Temperature < 15 || c.Hvac.Cooling.Temperature > 35 {
		return &ValidationError{Field: "hvac.cooling.temperature", Reason: fmt.Sprintf("must be between 15 and 35 °C, got %g", c.Hvac.Cooling.Temperature)}
	}

	if d := c.Hvac.Heating.Defrost; d != nil {
		if d.Duration.Std() <= 0 {
			return &ValidationError{Field: "hvac.heating.defrost.duration", Reason: "must be positive"}
		}
		if d.Period.Std() < d.Duration.Std() {
			return &ValidationError{Field: "hvac.heating.defrost.period", Reason: fmt.Sprintf("period (%s) must be >= duration (%s)", d.Period.Std(), d.Duration.Std())}
		}
	}

	if ah := c.Hvac.ActiveHours; ah != nil {
		for field, hour := range map[string]int{
			"hvac.active_hours.start_weekday": ah.StartWeekday,
			"hvac.active_hours.start_weekend": ah.StartWeekend,
			"hvac.active_hours.end":           ah.End,
		} {
			if hour < 0 || hour > 23 {
				return &ValidationError{Field: field, Reason: fmt.Sprintf("hour must be between 0 and 23, got %d", hour)}
			}
		}
		if ah.StartWeekday > ah.End || ah.StartWeekend > ah.End {
			return &ValidationError{Field: "hvac.active_hours", Reason: "start hours must not be after end (the window does not span midnight)"}
		}
	}

	return nil
}

func validateSensorID(field, id string) error {
	if id == "" {
		return &ValidationError{Field: field, Reason: "required"}
	}
	if !strings.HasPrefix(id, "sensor.") {
		return &ValidationError{Field: field, Reason: fmt.Sprintf("must be in sensor.name format, got %q", id)}
	}
	return nil
}

func validateThresholds(prefix string, t TemperatureThresholds) error {
	for _, check := range []struct {
		field string
		value float64
	}{
		{prefix + ".temperature_thresholds.indoor_min", t.IndoorMin},
		{prefix + ".temperature_thresholds.indoor_max", t.IndoorMax},
		{prefix + ".temperature_thresholds.outdoor_min", t.OutdoorMin},
		{prefix + ".temperature_thresholds.outdoor_max", t.OutdoorMax},
	} {
		if check.value < -50 || check.value > 60 {
			return &ValidationError{Field: check.field, Reason: fmt.Sprintf("temperature must be between -50 and 60 °C, got %g", check.value)}
		}
	}
	if t.IndoorMin >= t.IndoorMax {
		return &ValidationError{Field: prefix + ".temperature_thresholds", Reason: fmt.Sprintf("indoor_min (%g) must be below indoor_max (%g)", t.IndoorMin, t.IndoorMax)}
	}
	if t.OutdoorMin > t.OutdoorMax {
		return &ValidationError{Field: prefix + ".temperature_thresholds", Reason: fmt.Sprintf("outdoor_min (%g) must not exceed outdoor_max (%g)", t.OutdoorMin, t.OutdoorMax)}
	}
	return nil
}

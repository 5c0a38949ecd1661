package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validPolicy = `
home_assistant:
  ws_url: ws://hass.local:8123/api/websocket
  rest_url: http://hass.local:8123/api
  token: ${HASS_TOKEN}

hvac:
  temp_sensor: sensor.living_room_temperature
  system_mode: auto

  entities:
    - entity_id: climate.living_room_ac
      enabled: true
      defrost: true
    - entity_id: climate.bedroom_ac
      enabled: false

  heating:
    temperature: 21.0
    preset_mode: comfort
    temperature_thresholds:
      indoor_min: 19.7
      indoor_max: 20.2
      outdoor_min: -10.0
      outdoor_max: 15.0
    defrost:
      temperature_threshold: 0.0
      period: 3600
      duration: 300

  cooling:
    temperature: 24.0
    preset_mode: windFree
    temperature_thresholds:
      indoor_min: 23.5
      indoor_max: 25.0
      outdoor_min: 10.0
      outdoor_max: 45.0

  active_hours:
    start_weekday: 8
    start_weekend: 7
    end: 21
`

func writePolicy(t *testing.T, contents string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "hvac_config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("failed to write policy file: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	t.Setenv("HASS_TOKEN", "secret-token")

	cfg, err := Load(writePolicy(t, validPolicy))
	if err != nil {
		t.Fatalf("Load() unexpected error = %v", err)
	}

	if cfg.Hass.Token != "secret-token" {
		t.Errorf("Token = %q, want env-substituted %q", cfg.Hass.Token, "secret-token")
	}
	if cfg.Hvac.TempSensor != "sensor.living_room_temperature" {
		t.Errorf("TempSensor = %q", cfg.Hvac.TempSensor)
	}
	if len(cfg.Hvac.Entities) != 2 {
		t.Fatalf("Entities = %d, want 2", len(cfg.Hvac.Entities))
	}
	if !cfg.Hvac.Entities[0].Enabled || cfg.Hvac.Entities[1].Enabled {
		t.Errorf("entity enabled flags = %v, %v, want true, false",
			cfg.Hvac.Entities[0].Enabled, cfg.Hvac.Entities[1].Enabled)
	}

	d := cfg.Hvac.Heating.Defrost
	if d == nil {
		t.Fatal("Defrost = nil, want configured")
	}
	if d.Period.Std() != time.Hour {
		t.Errorf("defrost period = %s, want 1h (bare seconds)", d.Period.Std())
	}
	if d.Duration.Std() != 5*time.Minute {
		t.Errorf("defrost duration = %s, want 5m (bare seconds)", d.Duration.Std())
	}

	ah := cfg.Hvac.ActiveHours
	if ah == nil {
		t.Fatal("ActiveHours = nil")
	}
	if ah.StartWeekday != 8 || ah.StartWeekend != 7 || ah.End != 21 {
		t.Errorf("ActiveHours = %+v, want 8/7/21", ah)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("HASS_TOKEN", "secret-token")

	minimal := `
home_assistant:
  ws_url: ws://hass.local:8123/api/websocket
  rest_url: http://hass.local:8123/api
  token: ${HASS_TOKEN}

hvac:
  temp_sensor: sensor.indoor
  heating:
    temperature_thresholds:
      indoor_min: 19.0
      indoor_max: 21.0
      outdoor_min: -10.0
      outdoor_max: 15.0
  cooling:
    temperature_thresholds:
      indoor_min: 23.0
      indoor_max: 25.0
      outdoor_min: 10.0
      outdoor_max: 45.0
`

	cfg, err := Load(writePolicy(t, minimal))
	if err != nil {
		t.Fatalf("Load() unexpected error = %v", err)
	}

	tests := []struct {
		name     string
		got      interface{}
		expected interface{}
	}{
		{"MaxRetries", cfg.Hass.MaxRetries, 5},
		{"RetryDelay", cfg.Hass.RetryDelay.Std(), time.Second},
		{"OutdoorSensor", cfg.Hvac.OutdoorSensor, "sensor.openweathermap_temperature"},
		{"SystemMode", cfg.Hvac.SystemMode, SystemModeAuto},
		{"HeatingTemperature", cfg.Hvac.Heating.Temperature, 21.0},
		{"HeatingPresetMode", cfg.Hvac.Heating.PresetMode, "comfort"},
		{"CoolingTemperature", cfg.Hvac.Cooling.Temperature, 24.0},
		{"CoolingPresetMode", cfg.Hvac.Cooling.PresetMode, "eco"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.expected {
				t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.expected)
			}
		})
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(string) string
		errMsg string
	}{
		{
			name:   "missing token env var",
			mutate: func(s string) string { return s },
			errMsg: "home_assistant.token",
		},
		{
			name: "invalid ws url",
			mutate: func(s string) string {
				return strings.Replace(s, "ws://hass.local:8123/api/websocket", "http://hass.local", 1)
			},
			errMsg: "home_assistant.ws_url",
		},
		{
			name: "invalid rest url",
			mutate: func(s string) string {
				return strings.Replace(s, "http://hass.local:8123/api", "hass.local", 1)
			},
			errMsg: "home_assistant.rest_url",
		},
		{
			name: "temp sensor without sensor prefix",
			mutate: func(s string) string {
				return strings.Replace(s, "sensor.living_room_temperature", "living_room", 1)
			},
			errMsg: "hvac.temp_sensor",
		},
		{
			name: "invalid system mode",
			mutate: func(s string) string {
				return strings.Replace(s, "system_mode: auto", "system_mode: turbo", 1)
			},
			errMsg: "hvac.system_mode",
		},
		{
			name: "entity id without domain",
			mutate: func(s string) string {
				return strings.Replace(s, "climate.living_room_ac", "living_room_ac", 1)
			},
			errMsg: "hvac.entities[0].entity_id",
		},
		{
			name: "inverted indoor thresholds",
			mutate: func(s string) string {
				return strings.Replace(s, "indoor_min: 19.7", "indoor_min: 25.0", 1)
			},
			errMsg: "indoor_min",
		},
		{
			name: "defrost period shorter than duration",
			mutate: func(s string) string {
				return strings.Replace(s, "period: 3600", "period: 60", 1)
			},
			errMsg: "hvac.heating.defrost.period",
		},
		{
			name: "active hours out of range",
			mutate: func(s string) string {
				return strings.Replace(s, "end: 21", "end: 24", 1)
			},
			errMsg: "hour must be between 0 and 23",
		},
		{
			name: "active hours start after end",
			mutate: func(s string) string {
				return strings.Replace(s, "end: 21", "end: 6", 1)
			},
			errMsg: "hvac.active_hours",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.name != "missing token env var" {
				t.Setenv("HASS_TOKEN", "secret-token")
			} else {
				os.Unsetenv("HASS_TOKEN")
			}

			_, err := Load(writePolicy(t, tt.mutate(validPolicy)))
			if err == nil {
				t.Fatalf("Load() expected error containing %q, got nil", tt.errMsg)
			}
			if !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("Load() error = %v, want error containing %q", err, tt.errMsg)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err == nil {
		t.Fatal("Load() expected error for missing file, got nil")
	}
}

func TestActiveHoursLegacyKeys(t *testing.T) {
	tests := []struct {
		name         string
		yaml         string
		startWeekday int
		startWeekend int
	}{
		{
			name: "canonical keys",
			yaml: `
  active_hours:
    start_weekday: 8
    start_weekend: 7
    end: 21
`,
			startWeekday: 8,
			startWeekend: 7,
		},
		{
			name: "legacy swapped keys",
			yaml: `
  active_hours:
    start: 8
    start_weekday: 7
    end: 21
`,
			startWeekday: 8,
			startWeekend: 7,
		},
		{
			name: "legacy start only",
			yaml: `
  active_hours:
    start: 9
    end: 20
`,
			startWeekday: 9,
			startWeekend: 9,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("HASS_TOKEN", "secret-token")

			policy := strings.Replace(validPolicy, `
  active_hours:
    start_weekday: 8
    start_weekend: 7
    end: 21
`, tt.yaml, 1)

			cfg, err := Load(writePolicy(t, policy))
			if err != nil {
				t.Fatalf("Load() unexpected error = %v", err)
			}

			ah := cfg.Hvac.ActiveHours
			if ah == nil {
				t.Fatal("ActiveHours = nil")
			}
			if ah.StartWeekday != tt.startWeekday {
				t.Errorf("StartWeekday = %d, want %d", ah.StartWeekday, tt.startWeekday)
			}
			if ah.StartWeekend != tt.startWeekend {
				t.Errorf("StartWeekend = %d, want %d", ah.StartWeekend, tt.startWeekend)
			}
		})
	}
}

func TestDurationUnmarshal(t *testing.T) {
	t.Setenv("HASS_TOKEN", "secret-token")

	policy := strings.Replace(validPolicy, "period: 3600", `period: 90m`, 1)
	policy = strings.Replace(policy, "duration: 300", `duration: 5m`, 1)

	cfg, err := Load(writePolicy(t, policy))
	if err != nil {
		t.Fatalf("Load() unexpected error = %v", err)
	}

	d := cfg.Hvac.Heating.Defrost
	if d.Period.Std() != 90*time.Minute {
		t.Errorf("period = %s, want 90m", d.Period.Std())
	}
	if d.Duration.Std() != 5*time.Minute {
		t.Errorf("duration = %s, want 5m", d.Duration.Std())
	}
}

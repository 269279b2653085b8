package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultAccessPoints is the built-in access-point → device mapping used when
// access_points is absent from the config file.
var DefaultAccessPoints = map[string]AccessPointConfig{
	"vehicular_entry": {Device: DevicePanel, Door: 1},
	"vehicular_exit":  {Device: DevicePanel, Door: 2},
	"pedestrian":      {Device: DevicePedestrian, Door: 1},
}

// AccessPoint resolves an access-point name through the configured overrides,
// falling back to [DefaultAccessPoints].
func (c *Config) AccessPoint(name string) (AccessPointConfig, bool) {
	if ap, ok := c.AccessPoints[name]; ok {
		return ap, true
	}
	ap, ok := DefaultAccessPoints[name]
	return ap, ok
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. Occurrences of ${VAR} in the file are expanded from the
// environment before parsing, so secrets can stay out of the file itself.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}
	cfg, err := LoadFromReader(strings.NewReader(os.ExpandEnv(string(data))))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals. No environment expansion happens here.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills unset fields in place. Only zero values are replaced,
// so explicit settings always win.
func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultHTTPListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	if cfg.Telephony.ListenAddr == "" {
		cfg.Telephony.ListenAddr = DefaultTelephonyListenAddr
	}
	if cfg.Telephony.SampleRate == 0 {
		cfg.Telephony.SampleRate = DefaultSampleRate
	}
	if cfg.Telephony.ChunkMs == 0 {
		cfg.Telephony.ChunkMs = DefaultChunkMs
	}
	if cfg.Telephony.PrebufferFrames == 0 {
		cfg.Telephony.PrebufferFrames = DefaultPrebufferFrames
	}
	if cfg.Telephony.QueueFrames == 0 {
		cfg.Telephony.QueueFrames = DefaultQueueFrames
	}

	if cfg.Realtime.Model == "" {
		cfg.Realtime.Model = DefaultRealtimeModel
	}
	if cfg.Realtime.URL == "" {
		cfg.Realtime.URL = DefaultRealtimeURL
	}
	if cfg.Realtime.Voice == "" {
		cfg.Realtime.Voice = DefaultVoice
	}
	if cfg.Realtime.VAD.Threshold == 0 {
		cfg.Realtime.VAD.Threshold = DefaultVADThreshold
	}
	if cfg.Realtime.VAD.PrefixPaddingMs == 0 {
		cfg.Realtime.VAD.PrefixPaddingMs = DefaultVADPrefixPaddingMs
	}
	if cfg.Realtime.VAD.SilenceDurationMs == 0 {
		cfg.Realtime.VAD.SilenceDurationMs = DefaultVADSilenceMs
	}

	if cfg.Tenant.Timezone == "" {
		cfg.Tenant.Timezone = DefaultTimezone
	}
	if cfg.Tenant.GuardExtension == "" {
		cfg.Tenant.GuardExtension = DefaultGuardExtension
	}

	if cfg.Devices.Username == "" {
		cfg.Devices.Username = DefaultDeviceUsername
	}
	if cfg.Devices.Timeout == 0 {
		cfg.Devices.Timeout = DefaultDeviceTimeout
	}
	// Device addresses for the reference site. Override per deployment.
	if cfg.Devices.Panel.Host == "" {
		cfg.Devices.Panel.Host = "172.20.22.3"
	}
	if cfg.Devices.Pedestrian.Host == "" {
		cfg.Devices.Pedestrian.Host = "172.20.22.1"
	}
	if cfg.Devices.Biometric1.Host == "" {
		cfg.Devices.Biometric1.Host = "172.20.22.1"
	}
	if cfg.Devices.Biometric2.Host == "" {
		cfg.Devices.Biometric2.Host = "172.20.22.136"
	}

	if cfg.FastPath.OpenTimeout == 0 {
		cfg.FastPath.OpenTimeout = DefaultOpenTimeout
	}
	if cfg.FastPath.Debounce == 0 {
		cfg.FastPath.Debounce = DefaultDebounce
	}
	if cfg.FastPath.XMLMode == "" {
		cfg.FastPath.XMLMode = XMLModeAuto
	}

	if cfg.QR.CardDigits == 0 {
		cfg.QR.CardDigits = DefaultCardDigits
	}
	if cfg.QR.EmployeePrefix == "" {
		cfg.QR.EmployeePrefix = DefaultEmployeePrefix
	}

	if cfg.ARI.Application == "" {
		cfg.ARI.Application = "agente-portero"
	}

	if cfg.Transcription.APIKey == "" {
		cfg.Transcription.APIKey = cfg.Realtime.APIKey
	}
	if cfg.Transcription.Model == "" {
		cfg.Transcription.Model = DefaultTranscriptionModel
	}
	if cfg.Transcription.Language == "" {
		cfg.Transcription.Language = DefaultLanguage
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Telephony
	switch cfg.Telephony.SampleRate {
	case 8000, 16000, 24000:
	default:
		errs = append(errs, fmt.Errorf("telephony.sample_rate %d is invalid; valid values: 8000, 16000, 24000", cfg.Telephony.SampleRate))
	}
	if cfg.Telephony.ChunkMs <= 0 {
		errs = append(errs, fmt.Errorf("telephony.chunk_ms %d must be positive", cfg.Telephony.ChunkMs))
	}
	if cfg.Telephony.NoiseGate() < 0 {
		errs = append(errs, fmt.Errorf("telephony.noise_gate_rms %d must not be negative", cfg.Telephony.NoiseGate()))
	}
	if cfg.Telephony.PrebufferFrames < 1 {
		errs = append(errs, fmt.Errorf("telephony.prebuffer_frames %d must be at least 1", cfg.Telephony.PrebufferFrames))
	}
	if cfg.Telephony.QueueFrames < 1 {
		errs = append(errs, fmt.Errorf("telephony.queue_frames %d must be at least 1", cfg.Telephony.QueueFrames))
	} else if cfg.Telephony.PrebufferFrames > cfg.Telephony.QueueFrames {
		slog.Warn("telephony.prebuffer_frames exceeds queue_frames; prebuffer will be capped at runtime",
			"prebuffer_frames", cfg.Telephony.PrebufferFrames,
			"queue_frames", cfg.Telephony.QueueFrames,
		)
	}

	// Realtime
	if cfg.Realtime.VAD.Threshold < 0 || cfg.Realtime.VAD.Threshold > 1 {
		errs = append(errs, fmt.Errorf("realtime.vad.threshold %.2f is out of range [0, 1]", cfg.Realtime.VAD.Threshold))
	}
	if cfg.Realtime.VAD.PrefixPaddingMs < 0 {
		errs = append(errs, fmt.Errorf("realtime.vad.prefix_padding_ms %d must not be negative", cfg.Realtime.VAD.PrefixPaddingMs))
	}
	if cfg.Realtime.VAD.SilenceDurationMs < 0 {
		errs = append(errs, fmt.Errorf("realtime.vad.silence_duration_ms %d must not be negative", cfg.Realtime.VAD.SilenceDurationMs))
	}
	if cfg.Realtime.APIKey == "" {
		slog.Warn("realtime.api_key is empty; the voice agent will not be able to connect to the speech model")
	}

	// Tenant
	if _, err := cfg.Tenant.Location(); err != nil {
		errs = append(errs, err)
	}
	if cfg.Tenant.Name == "" {
		slog.Warn("tenant.name is empty; the agent greeting will not name the condominium")
	}

	// Persistence
	if cfg.Database.DSN == "" && !cfg.Demo {
		slog.Warn("database.dsn is empty and demo mode is off; visitor lookups and audit logging will fail")
	}

	// Devices
	if cfg.Devices.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("devices.timeout %s must be positive", cfg.Devices.Timeout))
	}

	// Access points
	for name, ap := range cfg.AccessPoints {
		prefix := fmt.Sprintf("access_points[%s]", name)
		if !ap.Device.IsValid() {
			errs = append(errs, fmt.Errorf("%s.device %q is invalid; valid values: panel, pedestrian, biometric1, biometric2", prefix, ap.Device))
		}
		if ap.Door < 1 {
			errs = append(errs, fmt.Errorf("%s.door %d must be at least 1", prefix, ap.Door))
		}
	}

	// Fast path
	if cfg.FastPath.OpenTimeout <= 0 {
		errs = append(errs, fmt.Errorf("fast_path.open_timeout %s must be positive", cfg.FastPath.OpenTimeout))
	}
	if cfg.FastPath.Debounce < 0 {
		errs = append(errs, fmt.Errorf("fast_path.debounce %s must not be negative", cfg.FastPath.Debounce))
	}
	if !cfg.FastPath.XMLMode.IsValid() {
		errs = append(errs, fmt.Errorf("fast_path.xml_mode %q is invalid; valid values: strict, legacy, auto", cfg.FastPath.XMLMode))
	}
	for name, a := range cfg.FastPath.Actions {
		if a.XMLMode != "" && !a.XMLMode.IsValid() {
			errs = append(errs, fmt.Errorf("fast_path.actions[%s].xml_mode %q is invalid; valid values: strict, legacy, auto", name, a.XMLMode))
		}
	}

	// QR
	// 18 digits is the widest card number that always fits in a uint64.
	if cfg.QR.CardDigits < 4 || cfg.QR.CardDigits > 18 {
		errs = append(errs, fmt.Errorf("qr.card_digits %d is out of range [4, 18]", cfg.QR.CardDigits))
	}

	// PBX
	if cfg.ARI.BaseURL == "" {
		slog.Warn("ari.base_url is empty; guard transfers will be disabled")
	}

	return errors.Join(errs...)
}

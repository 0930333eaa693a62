package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type SpeechProvider string

const (
	SpeechAliyun   SpeechProvider = "aliyun"
	SpeechCartesia SpeechProvider = "cartesia"
)

const DefaultAdvisory = "根据当前智能分析，C区人流量不足，建议采用优惠券派发与重点引导，提高右上角客流。"

type Config struct {
	Addr       string
	SocketPath string

	// CORS and websocket origin allowlist; empty allows any origin.
	AllowedOrigins map[string]struct{}

	// Language model (OpenAI-compatible).
	ModelAPIKey      string
	ModelName        string
	ModelBaseURL     string
	ModelTemperature float64
	ModelTimeout     time.Duration

	AgentMaxIterations int
	// PanelAckTimeout bounds one panel action round trip; zero waits until
	// the connection ends.
	PanelAckTimeout time.Duration
	ReportYear      int
	Advisory        string

	SpeechProvider        SpeechProvider
	NLSURL                string
	NLSAppKey             string
	AliyunAccessKeyID     string
	AliyunAccessKeySecret string
	NLSVocabularyID       string
	NLSCustomizationID    string
	CartesiaAPIKey        string
	SpeechVerbose         bool
	VoiceDedupWindow      time.Duration

	RedisURL string

	WSWriteTimeout      time.Duration
	WSPingInterval      time.Duration
	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration

	LogLevel  string
	LogFormat string
}

// ModelEnabled reports whether a model key is configured; without one the
// agent echoes the user message.
func (c Config) ModelEnabled() bool { return strings.TrimSpace(c.ModelAPIKey) != "" }

// VoiceEnabled reports whether the selected speech provider has credentials.
func (c Config) VoiceEnabled() bool {
	switch c.SpeechProvider {
	case SpeechCartesia:
		return c.CartesiaAPIKey != ""
	default:
		return c.NLSAppKey != "" && c.AliyunAccessKeyID != "" && c.AliyunAccessKeySecret != ""
	}
}

type binding struct {
	key  string
	envs []string
	def  any
}

var bindings = []binding{
	{"addr", []string{"SCREEN_ADDR", "PORT"}, ":3000"},
	{"socket_path", []string{"SCREEN_SOCKET_PATH"}, "/api/socket"},
	{"allowed_origins", []string{"SCREEN_ALLOWED_ORIGINS"}, ""},
	{"model.api_key", []string{"DEEPSEEK_API_KEY"}, ""},
	{"model.name", []string{"DEEPSEEK_MODEL"}, "deepseek-chat"},
	{"model.base_url", []string{"DEEPSEEK_BASE_URL"}, "https://api.deepseek.com"},
	{"model.temperature", []string{"DEEPSEEK_TEMPERATURE"}, 0.2},
	{"model.timeout_ms", []string{"DEEPSEEK_TIMEOUT_MS"}, 120000},
	{"agent.max_iterations", []string{"SCREEN_AGENT_MAX_ITERATIONS"}, 6},
	{"panel.ack_timeout_ms", []string{"SCREEN_PANEL_ACK_TIMEOUT_MS"}, 0},
	{"report.year", []string{"SCREEN_REPORT_YEAR"}, 2025},
	{"decision.advisory", []string{"SCREEN_DECISION_ADVISORY"}, DefaultAdvisory},
	{"speech.provider", []string{"SCREEN_SPEECH_PROVIDER"}, string(SpeechAliyun)},
	{"speech.nls_url", []string{"ALIYUN_NLS_URL"}, "wss://nls-gateway.cn-shanghai.aliyuncs.com/ws/v1"},
	{"speech.nls_appkey", []string{"ALIYUN_NLS_APPKEY"}, ""},
	{"speech.ak_id", []string{"ALIYUN_AK_ID"}, ""},
	{"speech.ak_secret", []string{"ALIYUN_AK_SECRET"}, ""},
	{"speech.vocabulary_id", []string{"ALIYUN_NLS_VOCAB_ID"}, ""},
	{"speech.customization_id", []string{"ALIYUN_NLS_CUSTOMIZATION_ID"}, ""},
	{"speech.cartesia_key", []string{"CARTESIA_API_KEY"}, ""},
	{"speech.verbose", []string{"SR_LOG"}, ""},
	{"speech.dedup_window_ms", []string{"SCREEN_VOICE_DEDUP_WINDOW_MS"}, 1200},
	{"redis_url", []string{"SCREEN_REDIS_URL"}, ""},
	{"ws.write_timeout", []string{"SCREEN_WS_WRITE_TIMEOUT"}, "5s"},
	{"ws.ping_interval", []string{"SCREEN_WS_PING_INTERVAL"}, "20s"},
	{"http.read_header_timeout", []string{"SCREEN_READ_HEADER_TIMEOUT"}, "10s"},
	{"shutdown_grace_period", []string{"SCREEN_SHUTDOWN_GRACE_PERIOD"}, "10s"},
	{"log.level", []string{"SCREEN_LOG_LEVEL"}, "info"},
	{"log.format", []string{"SCREEN_LOG_FORMAT"}, "text"},
}

// Load resolves configuration from defaults, an optional config file, the
// environment and finally flags. flags may be nil.
func Load(configFile string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	for _, b := range bindings {
		v.SetDefault(b.key, b.def)
		args := append([]string{b.key}, b.envs...)
		if err := v.BindEnv(args...); err != nil {
			return Config{}, fmt.Errorf("bind %s: %w", b.key, err)
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	if flags != nil {
		if f := flags.Lookup("addr"); f != nil {
			if err := v.BindPFlag("addr", f); err != nil {
				return Config{}, fmt.Errorf("bind addr flag: %w", err)
			}
		}
	}

	cfg := Config{
		Addr:                  normalizeAddr(v.GetString("addr")),
		SocketPath:            v.GetString("socket_path"),
		AllowedOrigins:        make(map[string]struct{}),
		ModelAPIKey:           strings.TrimSpace(v.GetString("model.api_key")),
		ModelName:             v.GetString("model.name"),
		ModelBaseURL:          v.GetString("model.base_url"),
		ModelTemperature:      v.GetFloat64("model.temperature"),
		ModelTimeout:          time.Duration(v.GetInt64("model.timeout_ms")) * time.Millisecond,
		AgentMaxIterations:    v.GetInt("agent.max_iterations"),
		PanelAckTimeout:       time.Duration(v.GetInt64("panel.ack_timeout_ms")) * time.Millisecond,
		ReportYear:            v.GetInt("report.year"),
		Advisory:              v.GetString("decision.advisory"),
		SpeechProvider:        SpeechProvider(strings.ToLower(strings.TrimSpace(v.GetString("speech.provider")))),
		NLSURL:                v.GetString("speech.nls_url"),
		NLSAppKey:             v.GetString("speech.nls_appkey"),
		AliyunAccessKeyID:     v.GetString("speech.ak_id"),
		AliyunAccessKeySecret: v.GetString("speech.ak_secret"),
		NLSVocabularyID:       v.GetString("speech.vocabulary_id"),
		NLSCustomizationID:    v.GetString("speech.customization_id"),
		CartesiaAPIKey:        v.GetString("speech.cartesia_key"),
		SpeechVerbose:         v.GetString("speech.verbose") == "1" || v.GetString("speech.verbose") == "true",
		VoiceDedupWindow:      time.Duration(v.GetInt64("speech.dedup_window_ms")) * time.Millisecond,
		RedisURL:              v.GetString("redis_url"),
		WSWriteTimeout:        v.GetDuration("ws.write_timeout"),
		WSPingInterval:        v.GetDuration("ws.ping_interval"),
		ReadHeaderTimeout:     v.GetDuration("http.read_header_timeout"),
		ShutdownGracePeriod:   v.GetDuration("shutdown_grace_period"),
		LogLevel:              strings.ToLower(v.GetString("log.level")),
		LogFormat:             strings.ToLower(v.GetString("log.format")),
	}
	for _, origin := range splitCSV(v.GetString("allowed_origins")) {
		cfg.AllowedOrigins[origin] = struct{}{}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("addr must not be empty"))
	}
	if !strings.HasPrefix(c.SocketPath, "/") {
		errs = append(errs, errors.New("SCREEN_SOCKET_PATH must start with /"))
	}
	if c.ModelTemperature < 0 || c.ModelTemperature > 2 {
		errs = append(errs, errors.New("DEEPSEEK_TEMPERATURE must be within [0,2]"))
	}
	if c.ModelTimeout < 0 {
		errs = append(errs, errors.New("DEEPSEEK_TIMEOUT_MS must be >= 0"))
	}
	if c.AgentMaxIterations < 1 {
		errs = append(errs, errors.New("SCREEN_AGENT_MAX_ITERATIONS must be >= 1"))
	}
	if c.PanelAckTimeout < 0 {
		errs = append(errs, errors.New("SCREEN_PANEL_ACK_TIMEOUT_MS must be >= 0"))
	}
	if c.VoiceDedupWindow < 0 {
		errs = append(errs, errors.New("SCREEN_VOICE_DEDUP_WINDOW_MS must be >= 0"))
	}
	switch c.SpeechProvider {
	case SpeechAliyun, SpeechCartesia:
	default:
		errs = append(errs, fmt.Errorf("SCREEN_SPEECH_PROVIDER must be one of aliyun|cartesia, got %q", c.SpeechProvider))
	}
	if c.WSWriteTimeout < 0 || c.WSPingInterval < 0 || c.ReadHeaderTimeout < 0 || c.ShutdownGracePeriod < 0 {
		errs = append(errs, errors.New("durations must be >= 0"))
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("SCREEN_LOG_FORMAT must be text or json, got %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

// normalizeAddr accepts a bare port ("3000") as PORT conventionally holds.
func normalizeAddr(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" || strings.Contains(addr, ":") {
		return addr
	}
	return ":" + addr
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server     ServerConfig
	Relay      RelayConfig
	CORS       CORSConfig
	Events     EventsConfig
	Generation GenerationConfig
	Kiosk      KioskConfig
	Controller ControllerConfig
	Log        LogConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	relay, err := loadRelayConfig()
	if err != nil {
		return nil, err
	}

	cors, err := loadCORSConfig()
	if err != nil {
		return nil, err
	}

	generation, err := loadGenerationConfig()
	if err != nil {
		return nil, err
	}

	kiosk, err := loadKioskConfig()
	if err != nil {
		return nil, err
	}

	controller, err := loadControllerConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:     server,
		Relay:      relay,
		CORS:       cors,
		Events:     loadEventsConfig(),
		Generation: generation,
		Kiosk:      kiosk,
		Controller: controller,
		Log:        loadLogConfig(),
	}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr string
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

// RelayConfig 描述会话中继与 WebSocket 参数。
type RelayConfig struct {
	IdleTimeout       time.Duration
	SweepInterval     time.Duration
	PingInterval      time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	HeartbeatInterval time.Duration
	MaxFrameBytes     int64
	SendBuffer        int
}

func loadRelayConfig() (RelayConfig, error) {
	cfg := RelayConfig{}
	var err error

	if cfg.IdleTimeout, err = parseDurationEnv("SESSION_IDLE_TIMEOUT", 30*time.Minute); err != nil {
		return RelayConfig{}, err
	}
	if cfg.SweepInterval, err = parseDurationEnv("SESSION_SWEEP_INTERVAL", time.Minute); err != nil {
		return RelayConfig{}, err
	}
	if cfg.PingInterval, err = parseDurationEnv("WS_PING_INTERVAL", 30*time.Second); err != nil {
		return RelayConfig{}, err
	}
	if cfg.ReadTimeout, err = parseDurationEnv("WS_READ_TIMEOUT", 60*time.Second); err != nil {
		return RelayConfig{}, err
	}
	if cfg.WriteTimeout, err = parseDurationEnv("WS_WRITE_TIMEOUT", 10*time.Second); err != nil {
		return RelayConfig{}, err
	}
	if cfg.HeartbeatInterval, err = parseDurationEnv("WS_HEARTBEAT_INTERVAL", 25*time.Second); err != nil {
		return RelayConfig{}, err
	}
	if cfg.ReadTimeout <= cfg.PingInterval {
		return RelayConfig{}, fmt.Errorf("WS_READ_TIMEOUT (%s) must exceed WS_PING_INTERVAL (%s)", cfg.ReadTimeout, cfg.PingInterval)
	}

	// 图片以 data URL 形式走中继，默认放宽到 16MiB
	cfg.MaxFrameBytes = 16 << 20
	if override, err := parseOptionalIntEnv("WS_MAX_FRAME_BYTES"); err != nil {
		return RelayConfig{}, err
	} else if override != nil && *override > 0 {
		cfg.MaxFrameBytes = int64(*override)
	}

	cfg.SendBuffer = 64
	if override, err := parseOptionalIntEnv("WS_SEND_BUFFER"); err != nil {
		return RelayConfig{}, err
	} else if override != nil && *override > 0 {
		cfg.SendBuffer = *override
	}

	return cfg, nil
}

// CORSConfig 描述跨域策略。
type CORSConfig struct {
	Origins []string
	Debug   bool
}

func loadCORSConfig() (CORSConfig, error) {
	debug, err := parseBoolEnv("DEBUG_CORS", false)
	if err != nil {
		return CORSConfig{}, err
	}
	return CORSConfig{
		Origins: parseListEnv("CORS_ORIGINS", []string{"http://localhost:5173", "http://localhost:5174"}),
		Debug:   debug,
	}, nil
}

// EventsConfig 描述生命周期事件的 NATS 发布配置，URL 为空时关闭。
type EventsConfig struct {
	NATSURL       string
	SubjectPrefix string
}

// Enabled reports whether lifecycle events should be published.
func (c EventsConfig) Enabled() bool {
	return c.NATSURL != ""
}

func loadEventsConfig() EventsConfig {
	return EventsConfig{
		NATSURL:       strings.TrimSpace(os.Getenv("NATS_URL")),
		SubjectPrefix: getEnvOrDefault("NATS_SUBJECT_PREFIX", "kiosk"),
	}
}

// GenerationConfig 描述图像编辑后端。
type GenerationConfig struct {
	URL      string
	Encoding string
	Provider string
	APIKey   string
	Timeout  time.Duration
}

// Enabled 表示是否配置了生成后端地址。
func (c GenerationConfig) Enabled() bool {
	return c.URL != ""
}

func loadGenerationConfig() (GenerationConfig, error) {
	timeout, err := parseDurationEnv("GENERATION_TIMEOUT", 120*time.Second)
	if err != nil {
		return GenerationConfig{}, err
	}

	encoding := strings.ToLower(getEnvOrDefault("GENERATION_ENCODING", "multipart"))
	if encoding != "multipart" && encoding != "json" {
		return GenerationConfig{}, fmt.Errorf("invalid GENERATION_ENCODING value %q", encoding)
	}

	return GenerationConfig{
		URL:      strings.TrimSpace(os.Getenv("GENERATION_URL")),
		Encoding: encoding,
		Provider: strings.TrimSpace(os.Getenv("GENERATION_PROVIDER")),
		APIKey:   strings.TrimSpace(os.Getenv("GENERATION_API_KEY")),
		Timeout:  timeout,
	}, nil
}

// KioskConfig 描述展台端代理。
type KioskConfig struct {
	RelayURL      string
	CameraSource  string
	MaxCountdown  int
	ResultDataURL bool
	OutputDir     string
}

func loadKioskConfig() (KioskConfig, error) {
	dataURL, err := parseBoolEnv("KIOSK_RESULT_DATA_URL", true)
	if err != nil {
		return KioskConfig{}, err
	}

	maxCountdown := 10
	if override, err := parseOptionalIntEnv("KIOSK_MAX_COUNTDOWN"); err != nil {
		return KioskConfig{}, err
	} else if override != nil {
		if *override < 1 {
			maxCountdown = 1
		} else {
			maxCountdown = *override
		}
	}

	return KioskConfig{
		RelayURL:      getEnvOrDefault("RELAY_URL", "http://localhost:8080"),
		CameraSource:  strings.TrimSpace(os.Getenv("KIOSK_CAMERA_SOURCE")),
		MaxCountdown:  maxCountdown,
		ResultDataURL: dataURL,
		OutputDir:     strings.TrimSpace(os.Getenv("KIOSK_OUTPUT_DIR")),
	}, nil
}

// ControllerConfig 描述平板端的超时设置。
type ControllerConfig struct {
	CaptureTimeout time.Duration
	ResultTimeout  time.Duration
}

func loadControllerConfig() (ControllerConfig, error) {
	capture, err := parseDurationEnv("CONTROLLER_CAPTURE_TIMEOUT", 15*time.Second)
	if err != nil {
		return ControllerConfig{}, err
	}
	result, err := parseDurationEnv("CONTROLLER_RESULT_TIMEOUT", 180*time.Second)
	if err != nil {
		return ControllerConfig{}, err
	}
	return ControllerConfig{CaptureTimeout: capture, ResultTimeout: result}, nil
}

// LogConfig 描述日志级别与输出格式。
type LogConfig struct {
	Level  string
	Format string
}

func loadLogConfig() LogConfig {
	return LogConfig{
		Level:  strings.ToLower(getEnvOrDefault("LOG_LEVEL", "info")),
		Format: strings.ToLower(getEnvOrDefault("LOG_FORMAT", "console")),
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

// parseDurationEnv 接受 "30s" 形式，也接受纯数字秒数。
func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	if seconds, err := strconv.Atoi(raw); err == nil {
		if seconds <= 0 {
			return 0, fmt.Errorf("invalid %s value %q: must be positive", key, raw)
		}
		return time.Duration(seconds) * time.Second, nil
	}

	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	if val <= 0 {
		return 0, fmt.Errorf("invalid %s value %q: must be positive", key, raw)
	}
	return val, nil
}

func parseListEnv(key string, defaultValue []string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue
	}

	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

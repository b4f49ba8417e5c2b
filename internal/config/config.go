package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const defaultSTUN = "stun:stun.l.google.com:19302"

type Config struct {
	Server ServerConfig
	Phone  PhoneConfig
	ICE    domain.ICEConfig
	Call   CallConfig
	Media  MediaConfig
	Log    LogConfig
}

type ServerConfig struct {
	Host           string
	Port           int
	AllowedOrigins []string
	JWTSecret      string
}

type PhoneConfig struct {
	SignalingURL string
	UserID       string
	UserName     string
	Token        string
	AutoAccept   bool
}

type CallConfig struct {
	MaxReconnectAttempts int
	ReconnectBackoff     time.Duration
	AttemptTimeout       time.Duration
	InvitationTimeout    time.Duration
	EventBuffer          int
}

type MediaConfig struct {
	Width            int
	Height           int
	FrameRate        float64
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

type LogConfig struct {
	Level  string
	Pretty bool
}

// Load reads configuration from the environment, after loading an
// optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()

	port, err := strconv.Atoi(getEnv("SERVER_PORT", "8080"))
	if err != nil {
		return nil, fmt.Errorf("invalid SERVER_PORT: %w", err)
	}

	call, err := loadCall()
	if err != nil {
		return nil, err
	}
	media, err := loadMedia()
	if err != nil {
		return nil, err
	}
	ice, err := loadICE()
	if err != nil {
		return nil, err
	}
	pretty, err := strconv.ParseBool(getEnv("LOG_PRETTY", "true"))
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_PRETTY: %w", err)
	}
	autoAccept, err := strconv.ParseBool(getEnv("AUTO_ACCEPT", "false"))
	if err != nil {
		return nil, fmt.Errorf("invalid AUTO_ACCEPT: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:           getEnv("SERVER_HOST", "0.0.0.0"),
			Port:           port,
			AllowedOrigins: splitList(getEnv("CORS_ALLOWED_ORIGINS", "*")),
			JWTSecret:      getEnv("JWT_SECRET", ""),
		},
		Phone: PhoneConfig{
			SignalingURL: getEnv("SIGNALING_URL", "ws://localhost:8080/ws"),
			UserID:       getEnv("USER_ID", ""),
			UserName:     getEnv("USER_NAME", ""),
			Token:        getEnv("SIGNALING_TOKEN", ""),
			AutoAccept:   autoAccept,
		},
		ICE:   ice,
		Call:  call,
		Media: media,
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Pretty: pretty,
		},
	}
	return cfg, nil
}

func loadCall() (CallConfig, error) {
	attempts, err := strconv.Atoi(getEnv("RECONNECT_MAX_ATTEMPTS", "5"))
	if err != nil {
		return CallConfig{}, fmt.Errorf("invalid RECONNECT_MAX_ATTEMPTS: %w", err)
	}
	backoff, err := time.ParseDuration(getEnv("RECONNECT_BACKOFF", "0s"))
	if err != nil {
		return CallConfig{}, fmt.Errorf("invalid RECONNECT_BACKOFF: %w", err)
	}
	attemptTimeout, err := time.ParseDuration(getEnv("RECONNECT_ATTEMPT_TIMEOUT", "10s"))
	if err != nil {
		return CallConfig{}, fmt.Errorf("invalid RECONNECT_ATTEMPT_TIMEOUT: %w", err)
	}
	invitationTimeout, err := time.ParseDuration(getEnv("INVITATION_TIMEOUT", "30s"))
	if err != nil {
		return CallConfig{}, fmt.Errorf("invalid INVITATION_TIMEOUT: %w", err)
	}
	buffer, err := strconv.Atoi(getEnv("EVENT_BUFFER", "64"))
	if err != nil {
		return CallConfig{}, fmt.Errorf("invalid EVENT_BUFFER: %w", err)
	}
	return CallConfig{
		MaxReconnectAttempts: attempts,
		ReconnectBackoff:     backoff,
		AttemptTimeout:       attemptTimeout,
		InvitationTimeout:    invitationTimeout,
		EventBuffer:          buffer,
	}, nil
}

func loadMedia() (MediaConfig, error) {
	width, err := strconv.Atoi(getEnv("VIDEO_WIDTH", "1280"))
	if err != nil {
		return MediaConfig{}, fmt.Errorf("invalid VIDEO_WIDTH: %w", err)
	}
	height, err := strconv.Atoi(getEnv("VIDEO_HEIGHT", "720"))
	if err != nil {
		return MediaConfig{}, fmt.Errorf("invalid VIDEO_HEIGHT: %w", err)
	}
	fps, err := strconv.ParseFloat(getEnv("VIDEO_FRAME_RATE", "30"), 64)
	if err != nil {
		return MediaConfig{}, fmt.Errorf("invalid VIDEO_FRAME_RATE: %w", err)
	}

	m := MediaConfig{Width: width, Height: height, FrameRate: fps}
	flags := []struct {
		key string
		dst *bool
	}{
		{"AUDIO_ECHO_CANCELLATION", &m.EchoCancellation},
		{"AUDIO_NOISE_SUPPRESSION", &m.NoiseSuppression},
		{"AUDIO_AUTO_GAIN", &m.AutoGainControl},
	}
	for _, f := range flags {
		v, err := strconv.ParseBool(getEnv(f.key, "true"))
		if err != nil {
			return MediaConfig{}, fmt.Errorf("invalid %s: %w", f.key, err)
		}
		*f.dst = v
	}
	return m, nil
}

// loadICE prefers ICE_CONFIG_FILE. Otherwise ICE_SERVERS is a comma
// separated URL list sharing ICE_USERNAME and ICE_CREDENTIAL.
func loadICE() (domain.ICEConfig, error) {
	if path := getEnv("ICE_CONFIG_FILE", ""); path != "" {
		return LoadICEFile(path)
	}

	urls := splitList(getEnv("ICE_SERVERS", defaultSTUN))
	cfg := domain.ICEConfig{}
	if len(urls) > 0 {
		cfg.Servers = []domain.ICEServer{{
			URLs:       urls,
			Username:   getEnv("ICE_USERNAME", ""),
			Credential: getEnv("ICE_CREDENTIAL", ""),
		}}
	}
	relayOnly, err := strconv.ParseBool(getEnv("ICE_RELAY_ONLY", "false"))
	if err != nil {
		return domain.ICEConfig{}, fmt.Errorf("invalid ICE_RELAY_ONLY: %w", err)
	}
	cfg.RelayOnly = relayOnly
	return cfg, nil
}

// LoadICEFile parses a YAML server list:
//
//	servers:
//	  - urls: ["turn:turn.example.com:3478"]
//	    username: user
//	    credential: pass
//	relay_only: true
func LoadICEFile(path string) (domain.ICEConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.ICEConfig{}, fmt.Errorf("read ice config: %w", err)
	}
	var cfg domain.ICEConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return domain.ICEConfig{}, fmt.Errorf("parse ice config %s: %w", path, err)
	}
	for i, s := range cfg.Servers {
		if len(s.URLs) == 0 {
			return domain.ICEConfig{}, fmt.Errorf("ice config %s: server %d has no urls", path, i)
		}
	}
	return cfg, nil
}

func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

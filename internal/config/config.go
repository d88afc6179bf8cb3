package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`
	LogLevel   string        `mapstructure:"log_level"`
	PublicURL  string        `mapstructure:"public_url"`

	Sessions  SessionsConfig            `mapstructure:"sessions"`
	Pipeline  PipelineConfig            `mapstructure:"pipeline"`
	Rate      RateConfig                `mapstructure:"rate"`
	WebRTC    WebRTCConfig              `mapstructure:"webrtc"`
	Idle      IdleConfig                `mapstructure:"idle"`
	Minio     MinioConfig               `mapstructure:"minio"`
	Generator GeneratorConfig           `mapstructure:"generator"`
	Ollama    OllamaConfig              `mapstructure:"ollama"`
	Gemini    GeminiConfig              `mapstructure:"gemini"`
	Worker    WorkerConfig              `mapstructure:"worker"`
	Defaults  TutorConfig               `mapstructure:"defaults"`
	Tutors    map[string]TutorConfig    `mapstructure:"tutors"`
	Owners    map[string]OwnerOverrides `mapstructure:"owners"`
}

type SessionsConfig struct {
	Max           int           `mapstructure:"max"`
	Timeout       time.Duration `mapstructure:"timeout"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type PipelineConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxConcurrent int64         `mapstructure:"max_concurrent"`
	QueueSize     int           `mapstructure:"queue_size"`
}

type RateConfig struct {
	Limit float64 `mapstructure:"limit"`
	Burst int     `mapstructure:"burst"`
}

type WebRTCConfig struct {
	PublicIP        string        `mapstructure:"public_ip"`
	PortMin         uint16        `mapstructure:"port_min"`
	PortMax         uint16        `mapstructure:"port_max"`
	STUNServer      string        `mapstructure:"stun_server"`
	TURNServer      string        `mapstructure:"turn_server"`
	TURNServerLocal string        `mapstructure:"turn_server_local"`
	TURNUsername    string        `mapstructure:"turn_username"`
	TURNPassword    string        `mapstructure:"turn_password"`
	MaxFailures     int           `mapstructure:"max_failures"`
	FailureWindow   time.Duration `mapstructure:"failure_window"`
}

// IdleConfig points at the looping idle clip (IVF, VP8). When Bucket is set
// the clip is fetched from object storage, otherwise Path is read from disk.
type IdleConfig struct {
	Path   string `mapstructure:"path"`
	FPS    int    `mapstructure:"fps"`
	Bucket string `mapstructure:"bucket"`
	Object string `mapstructure:"object"`
}

type MinioConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Region    string `mapstructure:"region"`
}

type GeneratorConfig struct {
	// Backend is one of "ollama", "gemini" or "echo".
	Backend string `mapstructure:"backend"`
}

type OllamaConfig struct {
	BaseURL     string  `mapstructure:"base_url"`
	Temperature float64 `mapstructure:"temperature"`
}

type GeminiConfig struct {
	APIKey string `mapstructure:"api_key"`
}

type WorkerConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type TutorConfig struct {
	Model  string `mapstructure:"model"`
	Voice  string `mapstructure:"voice"`
	Avatar string `mapstructure:"avatar"`
}

type OwnerOverrides struct {
	Allowed []string               `mapstructure:"allowed"`
	Tutors  map[string]TutorConfig `mapstructure:"tutors"`
}

func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("TUTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().
		Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Int("max_sessions", cfg.Sessions.Max).
		Str("generator", cfg.Generator.Backend).
		Msg("config ready")
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 9001)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 1<<20)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("secret", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("public_url", "ws://localhost:9001")

	v.SetDefault("sessions.max", 10)
	v.SetDefault("sessions.timeout", "1h")
	v.SetDefault("sessions.sweep_interval", "30s")

	v.SetDefault("pipeline.timeout", "90s")
	v.SetDefault("pipeline.max_concurrent", 2)
	v.SetDefault("pipeline.queue_size", 8)

	v.SetDefault("rate.limit", 5)
	v.SetDefault("rate.burst", 20)

	v.SetDefault("webrtc.public_ip", "127.0.0.1")
	v.SetDefault("webrtc.port_min", 10110)
	v.SetDefault("webrtc.port_max", 10115)
	v.SetDefault("webrtc.stun_server", "stun:stun.l.google.com:19302")
	v.SetDefault("webrtc.turn_server", "turn:127.0.0.1:10110")
	v.SetDefault("webrtc.turn_server_local", "turn:127.0.0.1:10110")
	v.SetDefault("webrtc.turn_username", "vtuser")
	v.SetDefault("webrtc.turn_password", "vtpass")
	v.SetDefault("webrtc.max_failures", 3)
	v.SetDefault("webrtc.failure_window", "2m")

	v.SetDefault("idle.path", "")
	v.SetDefault("idle.fps", 25)
	v.SetDefault("idle.bucket", "")
	v.SetDefault("idle.object", "idle.ivf")

	v.SetDefault("minio.endpoint", "")
	v.SetDefault("minio.access_key", "")
	v.SetDefault("minio.secret_key", "")
	v.SetDefault("minio.use_ssl", false)
	v.SetDefault("minio.region", "us-east-1")

	v.SetDefault("generator.backend", "echo")
	v.SetDefault("ollama.base_url", "http://127.0.0.1:11434")
	v.SetDefault("ollama.temperature", 0.4)
	v.SetDefault("gemini.api_key", "")
	v.SetDefault("worker.base_url", "")
	v.SetDefault("worker.timeout", "60s")

	v.SetDefault("defaults.model", "mistral-nemo:12b-instruct-2407-fp16")
	v.SetDefault("defaults.voice", "zh-CN-XiaoxiaoNeural")
	v.SetDefault("defaults.avatar", "avatar_default")
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	if c.Sessions.Max <= 0 {
		return fmt.Errorf("sessions.max must be positive, got %d", c.Sessions.Max)
	}
	if c.Sessions.Timeout <= 0 {
		return fmt.Errorf("sessions.timeout must be positive")
	}
	if c.WebRTC.PortMin > c.WebRTC.PortMax {
		return fmt.Errorf("webrtc.port_min %d > webrtc.port_max %d", c.WebRTC.PortMin, c.WebRTC.PortMax)
	}
	if c.Idle.FPS <= 0 {
		return fmt.Errorf("idle.fps must be positive")
	}
	switch c.Generator.Backend {
	case "ollama", "gemini", "echo":
	default:
		return fmt.Errorf("unknown generator backend %q", c.Generator.Backend)
	}
	return nil
}

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
	Mode         string        `mapstructure:"mode"`
	Port         int           `mapstructure:"port"`
	ReadLimit    int64         `mapstructure:"read_limit"`
	PingPeriod   time.Duration `mapstructure:"ping_period"`
	PongWait     time.Duration `mapstructure:"pong_wait"`
	Secret       string        `mapstructure:"secret"`
	RateLimit    int           `mapstructure:"rate_limit"`
	RateInterval time.Duration `mapstructure:"rate_interval"`
	LogLevel     string        `mapstructure:"log_level"`

	Voice VoiceConfig `mapstructure:"voice"`
}

// VoiceConfig drives a participant process (session controller and its collaborators).
type VoiceConfig struct {
	UserID             string        `mapstructure:"user_id"`
	RelayURL           string        `mapstructure:"relay_url"`
	RosterDSN          string        `mapstructure:"roster_dsn"`
	RosterPollInterval time.Duration `mapstructure:"roster_poll_interval"`
	ICEServers         []string      `mapstructure:"ice_servers"`
	InputDeviceID      string        `mapstructure:"input_device_id"`
	SpeakingThreshold  float64       `mapstructure:"speaking_threshold"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	QueueSize          int           `mapstructure:"queue_size"`
	Audio              AudioConfig   `mapstructure:"audio"`
}

type AudioConfig struct {
	NoiseSuppression bool `mapstructure:"noise_suppression"`
	EchoCancellation bool `mapstructure:"echo_cancellation"`
	AutoGainControl  bool `mapstructure:"auto_gain_control"`
	SampleRate       int  `mapstructure:"sample_rate"`
	ChannelCount     int  `mapstructure:"channel_count"`
	SampleSize       int  `mapstructure:"sample_size"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("read_limit", 65536)
	v.SetDefault("ping_period", "20s")
	v.SetDefault("pong_wait", "30s")
	v.SetDefault("rate_limit", 200)
	v.SetDefault("rate_interval", "1s")
	v.SetDefault("log_level", "info")

	v.SetDefault("voice.relay_url", "ws://localhost:8080/api/ws/signal")
	v.SetDefault("voice.roster_poll_interval", "2s")
	v.SetDefault("voice.ice_servers", []string{
		"stun:stun.l.google.com:19302",
		"stun:global.stun.twilio.com:3478",
	})
	v.SetDefault("voice.input_device_id", "default")
	v.SetDefault("voice.speaking_threshold", 30.0)
	v.SetDefault("voice.poll_interval", "16ms")
	v.SetDefault("voice.queue_size", 256)
	v.SetDefault("voice.audio.noise_suppression", true)
	v.SetDefault("voice.audio.echo_cancellation", true)
	v.SetDefault("voice.audio.auto_gain_control", true)
	v.SetDefault("voice.audio.sample_rate", 48000)
	v.SetDefault("voice.audio.channel_count", 2)
	v.SetDefault("voice.audio.sample_size", 16)
}

func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

// LoadFile reads fileName if present and falls back to defaults otherwise.
// VOICE_* environment variables override file values (VOICE_VOICE_RELAY_URL, VOICE_PORT, ...).
func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("VOICE")
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
	if cfg.Voice.QueueSize <= 0 {
		return nil, fmt.Errorf("voice.queue_size must be positive, got %d", cfg.Voice.QueueSize)
	}
	log.Info().
		Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Float64("speaking_threshold", cfg.Voice.SpeakingThreshold).
		Msg("config ready")
	return &cfg, nil
}

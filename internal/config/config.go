package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type MediaConfig struct {
	Width            int  `mapstructure:"width"`
	Height           int  `mapstructure:"height"`
	FrameRate        int  `mapstructure:"frame_rate"`
	EchoCancellation bool `mapstructure:"echo_cancellation"`
	NoiseSuppression bool `mapstructure:"noise_suppression"`
	AutoGainControl  bool `mapstructure:"auto_gain_control"`
}

// EngineConfig carries the engine timing constants. The defaults come
// from the original tuning; no documented rationale exists for them, so
// they are configurable rather than hardcoded.
type EngineConfig struct {
	WarmupTimeout time.Duration `mapstructure:"warmup_timeout"`
	FailGrace     time.Duration `mapstructure:"fail_grace"`
	RebuildDelay  time.Duration `mapstructure:"rebuild_delay"`
}

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	Secret     string        `mapstructure:"secret"`
	SignalURL  string        `mapstructure:"signal_url"`
	ICEServers []string      `mapstructure:"ice_servers"`
	Media      MediaConfig   `mapstructure:"media"`
	Engine     EngineConfig  `mapstructure:"engine"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	ReadLimit  int64         `mapstructure:"read_limit"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("signal_url", "ws://localhost:8080/api/ws/signal")
	v.SetDefault("ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("media.width", 1280)
	v.SetDefault("media.height", 720)
	v.SetDefault("media.frame_rate", 30)
	v.SetDefault("media.echo_cancellation", true)
	v.SetDefault("media.noise_suppression", true)
	v.SetDefault("media.auto_gain_control", true)
	v.SetDefault("engine.warmup_timeout", "3s")
	v.SetDefault("engine.fail_grace", "1s")
	v.SetDefault("engine.rebuild_delay", "2s")
	v.SetDefault("ping_period", "54s")
	v.SetDefault("read_limit", 32768)

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("config file not found (%s), using defaults\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

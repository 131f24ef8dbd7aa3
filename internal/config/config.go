package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode       string `mapstructure:"mode"`
	Port       int    `mapstructure:"port"`
	StaticPath string `mapstructure:"static_path"`
	Secret     string `mapstructure:"secret"`

	// SignalURL is the RTC backend's signaling endpoint. Its scheme decides
	// whether the environment counts as a secure context.
	SignalURL string `mapstructure:"signal_url"`
	// TokenURL, when set, switches the token provider from local HMAC
	// minting to the remote token service.
	TokenURL string        `mapstructure:"token_url"`
	TokenTTL time.Duration `mapstructure:"token_ttl"`

	JoinTimeout     time.Duration `mapstructure:"join_timeout"`
	JoinDebounce    time.Duration `mapstructure:"join_debounce"`
	LeaveDebounce   time.Duration `mapstructure:"leave_debounce"`
	RetryBackoff    time.Duration `mapstructure:"retry_backoff"`
	MaxJoinAttempts int           `mapstructure:"max_join_attempts"`

	SettleDelay          time.Duration `mapstructure:"settle_delay"`
	FullscreenExitDelay  time.Duration `mapstructure:"fullscreen_exit_delay"`
	CorruptionCheckDelay time.Duration `mapstructure:"corruption_check_delay"`
	PostToggleRefresh    time.Duration `mapstructure:"post_toggle_refresh"`
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
	v.SetDefault("static_path", "./web")
	v.SetDefault("signal_url", "wss://localhost:7880/rtc")
	v.SetDefault("token_url", "")
	v.SetDefault("token_ttl", "1h")
	v.SetDefault("join_timeout", "15s")
	v.SetDefault("join_debounce", "1s")
	v.SetDefault("leave_debounce", "1s")
	v.SetDefault("retry_backoff", "2s")
	v.SetDefault("max_join_attempts", 2)
	v.SetDefault("settle_delay", "500ms")
	v.SetDefault("fullscreen_exit_delay", "1s")
	v.SetDefault("corruption_check_delay", "2s")
	v.SetDefault("post_toggle_refresh", "500ms")

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("config file not found (%s), using defaults\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

package config

import (
	"time"

	"github.com/spf13/viper"

	"courier/pkg/logger"
)

// Default returns the built-in configuration without touching viper state.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{Host: "127.0.0.1", Port: 18990},
		Storage: StorageConfig{Path: "~/.courier/data.db"},
		Log:     logger.LogConfig{Level: "info", Format: "console"},
		Run: RunConfig{
			QueueSize:              100,
			IdleTimeout:            30 * time.Second,
			ChannelQuestionTimeout: 120 * time.Second,
			MultiQuestionTimeout:   300 * time.Second,
			ReplyWindow:            45 * time.Minute,
		},
		Retention: RetentionConfig{
			PruneGrace: 10 * time.Minute,
			MaxAge:     7 * 24 * time.Hour,
		},
	}
}

// SetDefaults registers default values for all configuration keys on the
// given viper instance.
func SetDefaults(v *viper.Viper) {
	// Gateway
	v.SetDefault("gateway.host", "127.0.0.1")
	v.SetDefault("gateway.port", 18990)
	v.SetDefault("gateway.auth_token", "")

	// Log
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.file", "")

	// Storage
	v.SetDefault("storage.path", "~/.courier/data.db")

	// Run orchestration
	v.SetDefault("run.queue_size", 100)
	v.SetDefault("run.idle_timeout", 30*time.Second)
	v.SetDefault("run.approval_timeout", time.Duration(0))
	v.SetDefault("run.channel_question_timeout", 120*time.Second)
	v.SetDefault("run.multi_question_timeout", 300*time.Second)
	v.SetDefault("run.reply_window", 45*time.Minute)

	// Retention
	v.SetDefault("retention.prune_grace", 10*time.Minute)
	v.SetDefault("retention.max_age", 7*24*time.Hour)

	// Channels
	v.SetDefault("channels.enabled", []string{})
}

// Package config loads and holds the courier configuration.
package config

import (
	"errors"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"

	"courier/pkg/logger"
)

// Config is the root configuration structure.
type Config struct {
	Version   string           `mapstructure:"version" yaml:"version"`
	Gateway   GatewayConfig    `mapstructure:"gateway" yaml:"gateway"`
	Storage   StorageConfig    `mapstructure:"storage" yaml:"storage"`
	Log       logger.LogConfig `mapstructure:"log" yaml:"log"`
	Run       RunConfig        `mapstructure:"run" yaml:"run"`
	Retention RetentionConfig  `mapstructure:"retention" yaml:"retention"`
	Channels  ChannelsConfig   `mapstructure:"channels" yaml:"channels"`
}

// GatewayConfig configures the HTTP/WebSocket gateway.
type GatewayConfig struct {
	Host      string `mapstructure:"host" yaml:"host"`
	Port      int    `mapstructure:"port" yaml:"port"`
	AuthToken string `mapstructure:"auth_token" yaml:"auth_token"`
}

// StorageConfig configures the sqlite database.
type StorageConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// RunConfig configures the run orchestrator and approval broker.
type RunConfig struct {
	QueueSize   int           `mapstructure:"queue_size" yaml:"queue_size"`
	IdleTimeout time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`

	// ApprovalTimeout bounds direct (WebSocket) approvals. Zero waits forever.
	ApprovalTimeout time.Duration `mapstructure:"approval_timeout" yaml:"approval_timeout"`

	// ChannelQuestionTimeout bounds single questions asked through a chat channel.
	ChannelQuestionTimeout time.Duration `mapstructure:"channel_question_timeout" yaml:"channel_question_timeout"`

	// MultiQuestionTimeout bounds the multi-question desktop flow.
	MultiQuestionTimeout time.Duration `mapstructure:"multi_question_timeout" yaml:"multi_question_timeout"`

	// ReplyWindow is how long a plain-text chat reply can still be correlated
	// with an outstanding question.
	ReplyWindow time.Duration `mapstructure:"reply_window" yaml:"reply_window"`
}

// RetentionConfig configures event log retention.
type RetentionConfig struct {
	// PruneGrace is how long after a run ends its events stay replayable
	// before per-run pruning may remove them.
	PruneGrace time.Duration `mapstructure:"prune_grace" yaml:"prune_grace"`

	// MaxAge is the coarse time-based retention bound across all sessions.
	MaxAge time.Duration `mapstructure:"max_age" yaml:"max_age"`
}

// ChannelsConfig configures external chat channel adapters.
type ChannelsConfig struct {
	Enabled []string `mapstructure:"enabled" yaml:"enabled"`
}

var (
	globalConfig *Config
	mu           sync.RWMutex
)

// Load loads configuration with precedence: env > config file > defaults.
// Each call reads on its own viper instance, so values from one file never
// leak into a later Load.
func Load(path string) (*Config, error) {
	mu.Lock()
	defer mu.Unlock()

	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix("COURIER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		expandedPath, err := ExpandPath(path)
		if err != nil {
			return nil, err
		}

		v.SetConfigFile(expandedPath)
		if err := v.ReadInConfig(); err != nil {
			// A missing config file falls back to defaults; a broken one is an error.
			var pathErr *os.PathError
			if !errors.As(err, &pathErr) && !os.IsNotExist(err) {
				if _, ok := err.(viper.ConfigParseError); ok {
					return nil, err
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	globalConfig = &cfg
	return &cfg, nil
}

// GetConfig returns the currently loaded configuration.
func GetConfig() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return globalConfig
}

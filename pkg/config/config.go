// Package config provides a reusable loader for a brypt node's configuration
// file and environment variables. It is versioned so that applications can
// depend on a stable API contract.
//
// Version: v0.2.0
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"brypt/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.2.0"

// ProtocolConfig describes one endpoint to stand up: the transport kind
// (spec §6's "tcp"/"lora"/"bridge" tags), the local interfaces to bind, and
// the bootstrap contacts to seed the persistor with on first run.
type ProtocolConfig struct {
	Kind       string   `mapstructure:"kind" json:"kind"`
	Interface  string   `mapstructure:"interface" json:"interface"`
	Bindings   []string `mapstructure:"bindings" json:"bindings"`
	Bootstraps []string `mapstructure:"bootstraps" json:"bootstraps"`
}

// Config represents the unified configuration for a brypt node. It mirrors
// the typed configuration object named by spec §6: a node identifier
// (generated if absent), the set of protocols to bind, the known-peers file
// path, and two timing knobs. The runtime uses CycleTimeout as its
// event-dispatch interval (endpoint workers keep endpoint.CycleTimeout).
// AwaitableTimeout is decoded but the runtime does not read it; requests use
// the Awaitable Tracking Service's DefaultTimeout.
type Config struct {
	NodeIdentifier   string           `mapstructure:"node_identifier" json:"node_identifier"`
	Protocols        []ProtocolConfig `mapstructure:"protocols" json:"protocols"`
	PeersFile        string           `mapstructure:"peers_file" json:"peers_file"`
	AwaitableTimeout time.Duration    `mapstructure:"awaitable_timeout" json:"awaitable_timeout"`
	CycleTimeout     time.Duration    `mapstructure:"cycle_timeout" json:"cycle_timeout"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads the node's configuration file and merges any environment
// specific overrides. The resulting configuration is stored in AppConfig and
// returned.
//
// The function uses the provided environment name to merge additional config
// files. If env is empty, only the default configuration is loaded.
func Load(env string) (*Config, error) {
	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.AutomaticEnv()

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the BRYPT_ENV environment variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("BRYPT_ENV", ""))
}

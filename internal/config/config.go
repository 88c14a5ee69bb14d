// Package config defines the on-disk shape of a bridge deployment: the
// database location and the list of (guildId, spaceId) pairings the
// Orchestrator instantiates a Bridge for (spec §6 "Configuration input").
package config

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/muni-town/roomy-discord-bridge/internal/ids"
)

// Pairing is exactly the three fields spec §6 names: a space, a guild, and
// the auth handle the X client uses to act as the bridge bot in that guild.
type Pairing struct {
	SpaceDid string         `yaml:"space_did"`
	GuildID  ids.XSnowflake `yaml:"guild_id"`
	XToken   string         `yaml:"x_token"`
}

// DatabaseConfig points at the kvstore backing file shared by every Pairing.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// GatewayConfig carries the X-gateway dial target; out-of-scope in spec.md
// §1 but needed to actually construct xplatform.Gateway at startup.
type GatewayConfig struct {
	URL string `yaml:"url"`
}

type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Pairings []Pairing      `yaml:"pairings"`
}

// Load reads and parses a YAML config file at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	return &cfg, nil
}

// Copyright 2024-2026 Aiku AI

package connector

import (
	_ "embed"
	"fmt"
	"strings"
	"text/template"

	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"
	"maunium.net/go/mautrix/id"
)

//go:embed example-config.yaml
var ExampleConfig string

// Config is the bridge configuration file.
type Config struct {
	Homeserver HomeserverConfig  `yaml:"homeserver"`
	AppService AppServiceConfig  `yaml:"appservice"`
	Database   DatabaseConfig    `yaml:"database"`
	Bridge     BridgeConfig      `yaml:"bridge"`
	Gateway    GatewayConfig     `yaml:"gateway"`
	Logging    zeroconfig.Config `yaml:"logging"`

	displaynameTemplate *template.Template `yaml:"-"`
}

type HomeserverConfig struct {
	Address string `yaml:"address"`
	Domain  string `yaml:"domain"`
}

type AppServiceConfig struct {
	// Registration is the path of the appservice registration file.
	Registration string `yaml:"registration"`
	Hostname     string `yaml:"hostname"`
	Port         uint16 `yaml:"port"`
}

type DatabaseConfig struct {
	// Type is either "sqlite" or "memory".
	Type string `yaml:"type"`
	URI  string `yaml:"uri"`
}

type BridgeConfig struct {
	// PuppetPrefix is the localpart prefix of puppet users. It must match
	// the user namespace of the registration.
	PuppetPrefix        string `yaml:"puppet_prefix"`
	DisplaynameTemplate string `yaml:"displayname_template"`
	// Operators are the Matrix users that get a WeChat session on startup.
	Operators []id.UserID `yaml:"operators"`
	// CommandPrefix is optional in the control room, e.g. "!wc".
	CommandPrefix string `yaml:"command_prefix"`
	// AdminAPIAddr is the listen address of the session admin API. Empty
	// disables it.
	AdminAPIAddr string `yaml:"admin_api_addr"`
}

type GatewayConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// DisplaynameParams holds the parameters for rendering the displayname template.
type DisplaynameParams struct {
	Name      string
	ContactID string
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

func (c *Config) PostProcess() error {
	var err error
	c.displaynameTemplate, err = template.New("displayname").Parse(c.Bridge.DisplaynameTemplate)
	return err
}

// Validate checks the fields the bridge can not start without.
func (c *Config) Validate() error {
	if c.Homeserver.Domain == "" {
		return fmt.Errorf("homeserver.domain is required")
	}
	if c.Bridge.PuppetPrefix == "" {
		return fmt.Errorf("bridge.puppet_prefix is required")
	}
	if strings.ContainsAny(c.Bridge.PuppetPrefix, ":@ ") {
		return fmt.Errorf("bridge.puppet_prefix %q is not a valid localpart prefix", c.Bridge.PuppetPrefix)
	}
	for _, operator := range c.Bridge.Operators {
		if _, _, err := operator.Parse(); err != nil {
			return fmt.Errorf("invalid operator %q: %w", operator, err)
		}
	}
	switch c.Database.Type {
	case "sqlite":
		if c.Database.URI == "" {
			return fmt.Errorf("database.uri is required for sqlite")
		}
	case "memory":
	default:
		return fmt.Errorf("unsupported database type %q", c.Database.Type)
	}
	return nil
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "homeserver", "address")
	helper.Copy(up.Str, "homeserver", "domain")
	helper.Copy(up.Str, "appservice", "registration")
	helper.Copy(up.Str, "appservice", "hostname")
	helper.Copy(up.Int, "appservice", "port")
	helper.Copy(up.Str, "database", "type")
	helper.Copy(up.Str, "database", "uri")
	helper.Copy(up.Str, "bridge", "puppet_prefix")
	helper.Copy(up.Str, "bridge", "displayname_template")
	helper.Copy(up.List, "bridge", "operators")
	helper.Copy(up.Str, "bridge", "command_prefix")
	helper.Copy(up.Str, "bridge", "admin_api_addr")
	helper.Copy(up.Str, "gateway", "url")
	helper.Copy(up.Str, "gateway", "token")
	helper.Copy(up.Map, "logging")
}

// ConfigUpgrader returns the upgrader that merges a user config onto
// ExampleConfig.
func ConfigUpgrader() up.BaseUpgrader {
	return &up.StructUpgrader{
		SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
		Blocks:         nil,
		Base:           ExampleConfig,
	}
}

// LoadConfig upgrades the config file at path in place (when save is set),
// then parses and validates it.
func LoadConfig(path string, save bool) (*Config, error) {
	data, _, err := up.Do(path, save, ConfigUpgrader())
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses and validates raw YAML.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.PostProcess(); err != nil {
		return nil, fmt.Errorf("failed to compile displayname template: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FormatDisplayname generates a display name from the template and params.
func (c *Config) FormatDisplayname(params DisplaynameParams) string {
	fallback := params.Name
	if fallback == "" {
		fallback = params.ContactID
	}
	if c.displaynameTemplate == nil {
		return fallback
	}
	var buf strings.Builder
	if err := c.displaynameTemplate.Execute(&buf, params); err != nil {
		return fallback
	}
	if strings.TrimSpace(buf.String()) == "" {
		return fallback
	}
	return buf.String()
}

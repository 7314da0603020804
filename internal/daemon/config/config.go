// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config holds daemon configuration: a YAML file merged with
// environment overrides, validated before the daemon starts.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tombee/foreman/pkg/errors"
)

// ListenConfig configures the daemon listener.
type ListenConfig struct {
	// Address is a host:port for tcp or a filesystem path for unix.
	Address string `yaml:"address"`
	Network string `yaml:"network"`
}

// ForgeConfig points at the forge the daemon reports to.
type ForgeConfig struct {
	// ServerURL is the forge's web root, used in links handed to agents.
	ServerURL string `yaml:"server_url"`
	// APIURL is the forge's REST root, used for commit statuses and
	// remote workflow fetches.
	APIURL string `yaml:"api_url"`
	// Token authenticates outbound forge API calls.
	Token string `yaml:"token"`
}

// WebhookConfig configures the ingress endpoint.
type WebhookConfig struct {
	// Secret verifies webhook HMAC signatures. Empty disables
	// verification.
	Secret string `yaml:"secret"`
	// RatePerSecond bounds accepted webhooks per client address. Zero
	// disables limiting.
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
}

// DispatchConfig tunes the agent long-poll protocol.
type DispatchConfig struct {
	PollTimeout time.Duration `yaml:"poll_timeout"`
	SettleDelay time.Duration `yaml:"settle_delay"`
}

// Config is the complete daemon configuration.
type Config struct {
	Listen  ListenConfig  `yaml:"listen"`
	Forge   ForgeConfig   `yaml:"forge"`
	Webhook WebhookConfig `yaml:"webhook"`

	// TokenSecret signs per-job callback tokens.
	TokenSecret string `yaml:"token_secret"`
	// RegistrationToken authorizes new agent registrations.
	RegistrationToken string `yaml:"registration_token"`

	// DataDir holds the agent roster database.
	DataDir string `yaml:"data_dir"`
	// WorkflowsDir is scanned for workflows with schedule triggers.
	WorkflowsDir string `yaml:"workflows_dir"`

	// Secrets are exposed to workflow expressions as secrets.<name>.
	Secrets map[string]string `yaml:"secrets"`
	// Platform maps a runs-on label to a replacement label set,
	// e.g. ubuntu-latest -> [self-hosted, linux].
	Platform map[string][]string `yaml:"platform"`

	Dispatch DispatchConfig `yaml:"dispatch"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{
			Address: ":8085",
			Network: "tcp",
		},
		Webhook: WebhookConfig{
			RatePerSecond: 10,
			Burst:         20,
		},
		DataDir:  "data",
		Secrets:  map[string]string{},
		Platform: map[string][]string{},
	}
}

// Load reads the config file, if any, applies environment overrides
// and validates the result. A missing file is not an error: an empty
// path loads defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, &errors.ConfigError{Key: path, Reason: "parsing config file", Cause: err}
			}
		case !os.IsNotExist(err):
			return nil, &errors.ConfigError{Key: path, Reason: "reading config file", Cause: err}
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("FOREMAN_LISTEN"); v != "" {
		if strings.HasPrefix(v, "unix:") || strings.HasPrefix(v, "/") {
			cfg.Listen.Network = "unix"
			cfg.Listen.Address = strings.TrimPrefix(v, "unix:")
		} else {
			cfg.Listen.Network = "tcp"
			cfg.Listen.Address = v
		}
	}
	if v := os.Getenv("FOREMAN_FORGE_URL"); v != "" {
		cfg.Forge.ServerURL = v
	}
	if v := os.Getenv("FOREMAN_FORGE_API_URL"); v != "" {
		cfg.Forge.APIURL = v
	}
	if v := os.Getenv("FOREMAN_FORGE_TOKEN"); v != "" {
		cfg.Forge.Token = v
	}
	if v := os.Getenv("FOREMAN_WEBHOOK_SECRET"); v != "" {
		cfg.Webhook.Secret = v
	}
	if v := os.Getenv("FOREMAN_WEBHOOK_RATE"); v != "" {
		if rate, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Webhook.RatePerSecond = rate
		}
	}
	if v := os.Getenv("FOREMAN_TOKEN_SECRET"); v != "" {
		cfg.TokenSecret = v
	}
	if v := os.Getenv("FOREMAN_REGISTRATION_TOKEN"); v != "" {
		cfg.RegistrationToken = v
	}
	if v := os.Getenv("FOREMAN_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("FOREMAN_WORKFLOWS_DIR"); v != "" {
		cfg.WorkflowsDir = v
	}
	if v := os.Getenv("FOREMAN_POLL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Dispatch.PollTimeout = d
		}
	}
}

// Validate checks the configuration for use by a starting daemon.
func (c *Config) Validate() error {
	var verrs errors.ValidationErrors
	if c.Listen.Address == "" {
		verrs.Appendf("listen.address", "listen address is required")
	}
	switch c.Listen.Network {
	case "", "tcp", "unix":
	default:
		verrs.Appendf("listen.network", "network must be tcp or unix, got %q", c.Listen.Network)
	}
	if c.TokenSecret == "" {
		verrs.Appendf("token_secret", "a token secret is required to sign job tokens")
	}
	if c.RegistrationToken == "" {
		verrs.Appendf("registration_token", "a registration token is required for agent enrolment")
	}
	if c.Webhook.RatePerSecond < 0 {
		verrs.Appendf("webhook.rate_per_second", "rate must not be negative")
	}
	if c.Dispatch.PollTimeout < 0 {
		verrs.Appendf("dispatch.poll_timeout", "poll timeout must not be negative")
	}
	return verrs.Err()
}

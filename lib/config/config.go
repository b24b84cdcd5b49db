// Copyright 2026 The FNNDSC Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/fnndsc/cni-store-proxy/lib/envelope"
)

// Environment represents the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// Registration types.
const (
	// RegisterCommand runs a local executable per uploaded plugin.
	RegisterCommand = "command"
	// RegisterSideloader calls the cni-sideloader service.
	RegisterSideloader = "sideloader"
)

// Config is the complete proxy configuration.
type Config struct {
	Environment Environment `yaml:"environment"`

	// ListenAddress is the TCP address the proxy serves on.
	// Default: :8011
	ListenAddress string `yaml:"listen_address"`

	// TrustProxy builds bridge URLs from X-Forwarded-Host and
	// X-Forwarded-Proto instead of Host.
	TrustProxy bool `yaml:"trust_proxy"`

	// CORSOrigin enables CORS for the given origin ("*" for any).
	// Empty disables CORS.
	CORSOrigin string `yaml:"cors_origin"`

	// BridgePrefix is the path namespace of the result bridge.
	// Default: /cni
	BridgePrefix string `yaml:"bridge_prefix"`

	Store        StoreConfig        `yaml:"store"`
	Backend      BackendConfig      `yaml:"backend"`
	Plugins      PluginsConfig      `yaml:"plugins"`
	RunArgs      RunArgsConfig      `yaml:"run_args"`
	Registration RegistrationConfig `yaml:"registration"`

	Development *Overrides `yaml:"development,omitempty"`
	Staging     *Overrides `yaml:"staging,omitempty"`
	Production  *Overrides `yaml:"production,omitempty"`
}

// Overrides contains the fields an environment section may change.
type Overrides struct {
	ListenAddress string              `yaml:"listen_address,omitempty"`
	TrustProxy    *bool               `yaml:"trust_proxy,omitempty"`
	CORSOrigin    *string             `yaml:"cors_origin,omitempty"`
	Store         *StoreConfig        `yaml:"store,omitempty"`
	Backend       *BackendConfig      `yaml:"backend,omitempty"`
	Registration  *RegistrationConfig `yaml:"registration,omitempty"`
}

// StoreConfig locates the ChRIS Store.
type StoreConfig struct {
	// URL is the Store base URL without the /api/v1/ suffix.
	// Default: http://localhost:8010
	URL string `yaml:"url"`
}

// BackendConfig locates CUBE and names its privileged account.
type BackendConfig struct {
	// URL is the CUBE base URL without the /api/v1/ suffix.
	// Default: http://localhost:8000
	URL string `yaml:"url"`

	// Username of the privileged account. Default: cniadmin
	Username string `yaml:"username"`

	// PasswordCredential names the credential holding the password.
	// Default: cube-password
	PasswordCredential string `yaml:"password_credential"`

	// Timeout bounds every request to CUBE and the Store. Default: 5s
	Timeout time.Duration `yaml:"timeout"`
}

// PluginsConfig names the fixed plugins of the job chain.
type PluginsConfig struct {
	Ancestor  AncestorConfig `yaml:"ancestor"`
	Evaluator PluginRef      `yaml:"evaluator"`
}

// AncestorConfig identifies the pre-provisioned data-generating job.
type AncestorConfig struct {
	// Name of the FS plugin. Default: test_data_generator
	Name string `yaml:"name"`
	// Creator is the username that ran it. Defaults to Backend.Username.
	Creator string `yaml:"creator"`
}

// PluginRef names a plugin.
type PluginRef struct {
	// Default for the evaluator: cni-evaluator
	Name string `yaml:"name"`
}

// RunArgsConfig holds the job parameters for each created instance.
// A *File field, when set, replaces the inline list.
type RunArgsConfig struct {
	Submission     []envelope.Item `yaml:"submission"`
	SubmissionFile string          `yaml:"submission_file"`
	Evaluator      []envelope.Item `yaml:"evaluator"`
	EvaluatorFile  string          `yaml:"evaluator_file"`
}

// RegistrationConfig selects how uploaded plugins reach CUBE.
type RegistrationConfig struct {
	// Type is "command" or "sideloader". Default: command
	Type string `yaml:"type"`

	// Command is the executable for the command registrar; the plugin
	// name is its only argument. Default: ./plugin2cube.sh
	Command string `yaml:"command"`

	// SideloaderURL is the sideloader service base URL.
	// Default: http://localhost:8009
	SideloaderURL string `yaml:"sideloader_url"`

	// Timeout bounds one registration. Default: 10m
	Timeout time.Duration `yaml:"timeout"`
}

// Default returns the configuration of the reference deployment.
func Default() *Config {
	return &Config{
		Environment:   Development,
		ListenAddress: ":8011",
		BridgePrefix:  "/cni",
		Store: StoreConfig{
			URL: "http://localhost:8010",
		},
		Backend: BackendConfig{
			URL:                "http://localhost:8000",
			Username:           "cniadmin",
			PasswordCredential: "cube-password",
			Timeout:            5 * time.Second,
		},
		Plugins: PluginsConfig{
			Ancestor:  AncestorConfig{Name: "test_data_generator"},
			Evaluator: PluginRef{Name: "cni-evaluator"},
		},
		Registration: RegistrationConfig{
			Type:          RegisterCommand,
			Command:       "./plugin2cube.sh",
			SideloaderURL: "http://localhost:8009",
			Timeout:       10 * time.Minute,
		},
	}
}

// Load loads the file named by CNI_CONFIG, or only the defaults and the
// environment when CNI_CONFIG is unset.
func Load() (*Config, error) {
	return LoadFile(os.Getenv("CNI_CONFIG"))
}

// LoadFile loads configuration from path (skipped when empty), applies
// the environment section, then environment variables, then resolves
// run-argument files.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	cfg.applyEnvironmentOverrides()

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.RunArgs.resolveFiles(); err != nil {
		return nil, err
	}

	cfg.Store.URL = trimAPIRoot(cfg.Store.URL)
	cfg.Backend.URL = trimAPIRoot(cfg.Backend.URL)

	return cfg, nil
}

// trimAPIRoot accepts base URLs written either way:
// http://cube:8000 and http://cube:8000/api/v1/ are equivalent.
func trimAPIRoot(raw string) string {
	raw = strings.TrimSuffix(raw, "/")
	raw = strings.TrimSuffix(raw, "/api/v1")
	return strings.TrimSuffix(raw, "/")
}

func (c *Config) applyEnvironmentOverrides() {
	var overrides *Overrides
	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
	}
	if overrides == nil {
		return
	}

	if overrides.ListenAddress != "" {
		c.ListenAddress = overrides.ListenAddress
	}
	if overrides.TrustProxy != nil {
		c.TrustProxy = *overrides.TrustProxy
	}
	if overrides.CORSOrigin != nil {
		c.CORSOrigin = *overrides.CORSOrigin
	}
	if overrides.Store != nil && overrides.Store.URL != "" {
		c.Store.URL = overrides.Store.URL
	}
	if overrides.Backend != nil {
		if overrides.Backend.URL != "" {
			c.Backend.URL = overrides.Backend.URL
		}
		if overrides.Backend.Username != "" {
			c.Backend.Username = overrides.Backend.Username
		}
		if overrides.Backend.PasswordCredential != "" {
			c.Backend.PasswordCredential = overrides.Backend.PasswordCredential
		}
		if overrides.Backend.Timeout != 0 {
			c.Backend.Timeout = overrides.Backend.Timeout
		}
	}
	if overrides.Registration != nil {
		if overrides.Registration.Type != "" {
			c.Registration.Type = overrides.Registration.Type
		}
		if overrides.Registration.Command != "" {
			c.Registration.Command = overrides.Registration.Command
		}
		if overrides.Registration.SideloaderURL != "" {
			c.Registration.SideloaderURL = overrides.Registration.SideloaderURL
		}
		if overrides.Registration.Timeout != 0 {
			c.Registration.Timeout = overrides.Registration.Timeout
		}
	}
}

// ApplyEnv overrides fields from environment variables, looked up with
// lookup (os.LookupEnv in production). Variables that are set but empty
// are ignored.
//
//	CUBE_URL, CUBE_USERNAME          Backend.URL, Backend.Username
//	CHRIS_STORE_URL                  Store.URL
//	CNI_FS_PLUGIN_NAME               Plugins.Ancestor.Name
//	CNI_EVALUATOR_PLUGIN_NAME        Plugins.Evaluator.Name
//	CNI_SUBMISSION_ARGS              RunArgs.Submission (JSON list)
//	CNI_EVALUATOR_ARGS               RunArgs.Evaluator (JSON list)
//	CNI_BACKEND_CORS                 CORSOrigin
//	CNI_BACKEND_TRUST_PROXY          TrustProxy ("true"/"1"/"y")
//	CNI_REGISTRATION                 Registration.Type
//	CNI_SIDELOADER_URL               Registration.SideloaderURL
//	PORT                             ListenAddress (":" + PORT)
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	get := func(name string) (string, bool) {
		value, ok := lookup(name)
		if !ok || value == "" {
			return "", false
		}
		return value, true
	}

	if value, ok := get("CUBE_URL"); ok {
		c.Backend.URL = value
	}
	if value, ok := get("CUBE_USERNAME"); ok {
		c.Backend.Username = value
	}
	if value, ok := get("CHRIS_STORE_URL"); ok {
		c.Store.URL = value
	}
	if value, ok := get("CNI_FS_PLUGIN_NAME"); ok {
		c.Plugins.Ancestor.Name = value
	}
	if value, ok := get("CNI_EVALUATOR_PLUGIN_NAME"); ok {
		c.Plugins.Evaluator.Name = value
	}
	if value, ok := get("CNI_SUBMISSION_ARGS"); ok {
		items, err := ParseRunArgs([]byte(value))
		if err != nil {
			return fmt.Errorf("CNI_SUBMISSION_ARGS: %w", err)
		}
		c.RunArgs.Submission = items
		c.RunArgs.SubmissionFile = ""
	}
	if value, ok := get("CNI_EVALUATOR_ARGS"); ok {
		items, err := ParseRunArgs([]byte(value))
		if err != nil {
			return fmt.Errorf("CNI_EVALUATOR_ARGS: %w", err)
		}
		c.RunArgs.Evaluator = items
		c.RunArgs.EvaluatorFile = ""
	}
	if value, ok := get("CNI_BACKEND_CORS"); ok {
		c.CORSOrigin = value
	}
	if value, ok := get("CNI_BACKEND_TRUST_PROXY"); ok {
		c.TrustProxy = truthy(value)
	}
	if value, ok := get("CNI_REGISTRATION"); ok {
		c.Registration.Type = value
	}
	if value, ok := get("CNI_SIDELOADER_URL"); ok {
		c.Registration.SideloaderURL = value
	}
	if value, ok := get("PORT"); ok {
		if _, err := strconv.Atoi(value); err != nil {
			return fmt.Errorf("PORT: %q is not a port number", value)
		}
		c.ListenAddress = ":" + value
	}
	return nil
}

func truthy(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "y", "yes", "on":
		return true
	}
	return false
}

func (r *RunArgsConfig) resolveFiles() error {
	if r.SubmissionFile != "" {
		items, err := ReadRunArgsFile(r.SubmissionFile)
		if err != nil {
			return err
		}
		r.Submission = items
	}
	if r.EvaluatorFile != "" {
		items, err := ReadRunArgsFile(r.EvaluatorFile)
		if err != nil {
			return err
		}
		r.Evaluator = items
	}
	return nil
}

// ReadRunArgsFile reads a JSONC run-argument file. See [ParseRunArgs]
// for the accepted shapes.
func ReadRunArgsFile(path string) ([]envelope.Item, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading run args: %w", err)
	}
	items, err := ParseRunArgs(jsonc.ToJSON(data))
	if err != nil {
		return nil, fmt.Errorf("parsing run args %s: %w", path, err)
	}
	return items, nil
}

// ParseRunArgs accepts either a bare list of {name, value} records or a
// complete write template ({"template": {"data": [...]}}).
func ParseRunArgs(data []byte) ([]envelope.Item, error) {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "{") {
		return envelope.DecodeTemplate([]byte(trimmed))
	}
	var items []envelope.Item
	if err := json.Unmarshal([]byte(trimmed), &items); err != nil {
		return nil, err
	}
	for index, item := range items {
		if item.Name == "" {
			return nil, fmt.Errorf("record %d has no name", index)
		}
	}
	return items, nil
}

// AncestorCreator returns the configured creator, or the Backend user.
func (c *Config) AncestorCreator() string {
	if c.Plugins.Ancestor.Creator != "" {
		return c.Plugins.Ancestor.Creator
	}
	return c.Backend.Username
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Staging && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}
	if c.ListenAddress == "" {
		errs = append(errs, fmt.Errorf("listen_address is required"))
	}
	if !strings.HasPrefix(c.BridgePrefix, "/") || strings.HasSuffix(c.BridgePrefix, "/") {
		errs = append(errs, fmt.Errorf("bridge_prefix must start with / and not end with /: %q", c.BridgePrefix))
	}
	if c.BridgePrefix == "/api" {
		errs = append(errs, fmt.Errorf("bridge_prefix must not shadow /api"))
	}
	for name, raw := range map[string]string{"store.url": c.Store.URL, "backend.url": c.Backend.URL} {
		if err := validateURL(raw); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if c.Backend.Username == "" {
		errs = append(errs, fmt.Errorf("backend.username is required"))
	}
	if c.Backend.PasswordCredential == "" {
		errs = append(errs, fmt.Errorf("backend.password_credential is required"))
	}
	if c.Backend.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("backend.timeout must be positive"))
	}
	if c.Plugins.Ancestor.Name == "" {
		errs = append(errs, fmt.Errorf("plugins.ancestor.name is required"))
	}
	if c.Plugins.Evaluator.Name == "" {
		errs = append(errs, fmt.Errorf("plugins.evaluator.name is required"))
	}
	switch c.Registration.Type {
	case RegisterCommand:
		if c.Registration.Command == "" {
			errs = append(errs, fmt.Errorf("registration.command is required for type command"))
		}
	case RegisterSideloader:
		if err := validateURL(c.Registration.SideloaderURL); err != nil {
			errs = append(errs, fmt.Errorf("registration.sideloader_url: %w", err))
		}
	default:
		errs = append(errs, fmt.Errorf("registration.type must be %q or %q, got %q",
			RegisterCommand, RegisterSideloader, c.Registration.Type))
	}
	if c.Registration.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("registration.timeout must be positive"))
	}

	return errors.Join(errs...)
}

func validateURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("required")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("missing host")
	}
	return nil
}

// Package config loads and validates the gateway's backend and security
// policy configuration, performing ${VAR} environment interpolation the way
// spec §6 describes.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	yaml "gopkg.in/yaml.v3"
)

// SecurityLevel classifies a backend for the Security Monitor.
type SecurityLevel string

const (
	LevelPublic    SecurityLevel = "public"
	LevelInternal  SecurityLevel = "internal"
	LevelSensitive SecurityLevel = "sensitive"
)

func (l SecurityLevel) valid() bool {
	switch l {
	case LevelPublic, LevelInternal, LevelSensitive:
		return true
	default:
		return false
	}
}

// OAuthCredential describes how to obtain a bearer token for a backend via
// an OAuth2 client-credentials grant before it is spawned. See
// internal/credentials.
type OAuthCredential struct {
	TokenURL       string   `yaml:"token_url" toml:"token_url" json:"token_url"`
	ClientID       string   `yaml:"client_id" toml:"client_id" json:"client_id"`
	ClientSecretEnv string  `yaml:"client_secret_env" toml:"client_secret_env" json:"client_secret_env"`
	Scopes         []string `yaml:"scopes" toml:"scopes" json:"scopes"`
	EnvVar         string   `yaml:"env_var" toml:"env_var" json:"env_var"`
}

// BackendConfig describes one configured backend MCP server.
type BackendConfig struct {
	Name        string
	Command     string            `yaml:"command" toml:"command" json:"command"`
	Args        []string          `yaml:"args" toml:"args" json:"args"`
	Env         map[string]string `yaml:"env" toml:"env" json:"env"`
	Description string            `yaml:"description" toml:"description" json:"description"`
	Timeout     time.Duration     `yaml:"-" toml:"-" json:"-"`
	TimeoutRaw  string            `yaml:"timeout" toml:"timeout" json:"timeout"`
	Level       SecurityLevel     `yaml:"security_level" toml:"security_level" json:"security_level"`
	Eager       bool              `yaml:"eager" toml:"eager" json:"eager"`
	OAuth       *OAuthCredential  `yaml:"oauth" toml:"oauth" json:"oauth"`
}

const DefaultTimeout = 30 * time.Second

// SecurityPolicy mirrors spec §3.
type SecurityPolicy struct {
	PreventSensitiveToPublic     bool   `yaml:"prevent_sensitive_to_public" toml:"prevent_sensitive_to_public"`
	PreventSensitiveDataLeak     bool   `yaml:"prevent_sensitive_data_leak" toml:"prevent_sensitive_data_leak"`
	SQLInjectionProtection       bool   `yaml:"sql_injection_protection" toml:"sql_injection_protection"`
	BlockAfterSuspiciousActivity bool   `yaml:"block_after_suspicious_activity" toml:"block_after_suspicious_activity"`
	LogAllCrossBackendAccess     bool   `yaml:"log_all_cross_backend_access" toml:"log_all_cross_backend_access"`
	SessionTimeoutRaw            string `yaml:"session_timeout" toml:"session_timeout"`
	SessionTimeout               time.Duration `yaml:"-" toml:"-"`
}

// Config is the fully parsed, validated, and environment-interpolated
// gateway configuration.
type Config struct {
	Backends map[string]*BackendConfig
	Policy   *SecurityPolicy // nil when no security_policy section is present
}

// fileFormat is the on-disk shape of the config file (spec §6).
type fileFormat struct {
	Backends       map[string]*BackendConfig `yaml:"backends" toml:"backends"`
	SecurityPolicy *SecurityPolicy           `yaml:"security_policy" toml:"security_policy"`
}

// Load reads, parses, interpolates, and validates the config file at path.
// The file format is chosen by extension: .toml is parsed with go-toml/v2,
// everything else (.yaml, .yml, or no extension) with yaml.v3.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var ff fileFormat
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.Unmarshal(data, &ff); err != nil {
			return nil, fmt.Errorf("config: parse toml: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &ff); err != nil {
			return nil, fmt.Errorf("config: parse yaml: %w", err)
		}
	}

	cfg := &Config{Backends: make(map[string]*BackendConfig, len(ff.Backends)), Policy: ff.SecurityPolicy}

	for name, b := range ff.Backends {
		b.Name = name
		if err := interpolateEnv(b.Env); err != nil {
			return nil, fmt.Errorf("config: backend %q: %w", name, err)
		}
		if b.TimeoutRaw == "" {
			b.Timeout = DefaultTimeout
		} else {
			d, err := time.ParseDuration(b.TimeoutRaw)
			if err != nil {
				return nil, fmt.Errorf("config: backend %q: invalid timeout %q: %w", name, b.TimeoutRaw, err)
			}
			b.Timeout = d
		}
		cfg.Backends[name] = b
	}

	if cfg.Policy != nil {
		if cfg.Policy.SessionTimeoutRaw != "" {
			d, err := time.ParseDuration(cfg.Policy.SessionTimeoutRaw)
			if err != nil {
				return nil, fmt.Errorf("config: invalid security_policy.session_timeout %q: %w", cfg.Policy.SessionTimeoutRaw, err)
			}
			cfg.Policy.SessionTimeout = d
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

var interpRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-[^}]*)?\}`)

// interpolateEnv resolves ${VAR} and ${VAR:-default} references in env
// values in place, using the process environment. An unresolved reference
// with no default is a fatal configuration error.
func interpolateEnv(env map[string]string) error {
	for k, v := range env {
		resolved, err := interpolate(v)
		if err != nil {
			return fmt.Errorf("env %q: %w", k, err)
		}
		env[k] = resolved
	}
	return nil
}

func interpolate(s string) (string, error) {
	var firstErr error
	out := interpRef.ReplaceAllStringFunc(s, func(ref string) string {
		m := interpRef.FindStringSubmatch(ref)
		name, def := m[1], m[2]
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		if def != "" {
			return strings.TrimPrefix(def, ":-")
		}
		if firstErr == nil {
			firstErr = fmt.Errorf("unresolved variable ${%s}", name)
		}
		return ref
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

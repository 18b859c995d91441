// Package config resolves loader settings from built-in defaults, an
// optional YAML file, the environment and command-line flags, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/afero"
	"github.com/xyproto/env/v2"
	"gopkg.in/yaml.v3"
)

// ConfigEnv names the variable holding the config file path.
const ConfigEnv = "LDSO_CONFIG"

// Hardening selects the control-flow protections objects must support.
type Hardening struct {
	BTI   bool `yaml:"bti"`
	IBT   bool `yaml:"ibt"`
	SHSTK bool `yaml:"shstk"`
}

// Config holds every loader setting.
type Config struct {
	LibraryPath      []string  `yaml:"library_path"`
	DefaultDirs      []string  `yaml:"default_dirs"`
	CacheFile        string    `yaml:"cache_file"`
	InhibitCache     bool      `yaml:"inhibit_cache"`
	InhibitRPath     []string  `yaml:"inhibit_rpath"`
	Audit            []string  `yaml:"audit"`
	Preload          []string  `yaml:"preload"`
	BindNow          bool      `yaml:"bind_now"`
	StaticTLSSurplus uint64    `yaml:"static_tls_surplus"`
	MaxNamespaces    int       `yaml:"max_namespaces"`
	Hardening        Hardening `yaml:"hardening"`
	Debug            bool      `yaml:"debug"`
	Secure           bool      `yaml:"secure"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		DefaultDirs:      []string{"/lib64", "/usr/lib64", "/lib", "/usr/lib"},
		CacheFile:        "/etc/ld.so.cache",
		StaticTLSSurplus: 1664,
		MaxNamespaces:    16,
	}
}

// Environ reads environment variables.
type Environ interface {
	Str(name string) string
}

// processEnv reads through env's cache, which Resolve reloads so variables
// set after the first read are seen.
type processEnv struct{}

func (processEnv) Str(name string) string { return env.Str(name) }

func (processEnv) reload() { env.Load() }

// ProcessEnv is the process environment.
var ProcessEnv Environ = processEnv{}

// MapEnv is an Environ over a fixed set of variables.
type MapEnv map[string]string

func (m MapEnv) Str(name string) string { return m[name] }

// LoadFile merges the YAML file at path into c. A missing file is not an error.
func (c *Config) LoadFile(fs afero.Fs, path string) error {
	if path == "" {
		return nil
	}
	data, err := afero.ReadFile(fs, path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func split(s, seps string) []string {
	return strings.FieldsFunc(s, func(r rune) bool { return strings.ContainsRune(seps, r) })
}

// ApplyEnv overrides c with the LD_* variables that are set.
func (c *Config) ApplyEnv(e Environ) {
	if v := e.Str("LD_LIBRARY_PATH"); v != "" {
		c.LibraryPath = split(v, ":;")
	}
	if v := e.Str("LD_PRELOAD"); v != "" {
		c.Preload = split(v, " \t\n:")
	}
	if v := e.Str("LD_AUDIT"); v != "" {
		c.Audit = split(v, ":")
	}
	if e.Str("LD_BIND_NOW") != "" {
		c.BindNow = true
	}
	if e.Str("LD_DEBUG") != "" {
		c.Debug = true
	}
}

// Restrict applies set-id rules: LD_LIBRARY_PATH is ignored and preload and
// audit entries naming a path are dropped.
func (c *Config) Restrict() {
	c.Secure = true
	c.LibraryPath = nil
	c.Preload = bare(c.Preload)
	c.Audit = bare(c.Audit)
}

func bare(names []string) []string {
	out := names[:0]
	for _, n := range names {
		if !strings.ContainsRune(n, '/') {
			out = append(out, n)
		}
	}
	return out
}

// Resolve builds the configuration from defaults, the file named by path (or
// LDSO_CONFIG when path is empty) and e. Flags are applied by the caller.
func Resolve(fs afero.Fs, path string, e Environ) (Config, error) {
	if r, ok := e.(interface{ reload() }); ok {
		r.reload()
	}
	c := Default()
	if path == "" {
		path = e.Str(ConfigEnv)
	}
	if err := c.LoadFile(fs, path); err != nil {
		return c, err
	}
	c.ApplyEnv(e)
	if c.Secure || SetID() {
		c.Restrict()
	}
	return c, nil
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/loopgate/loopgate/internal/infrastructure/toolserver"
	apperrors "github.com/loopgate/loopgate/pkg/errors"
)

// ServerEntry is one tool server in servers.yaml. Durations use Go syntax
// ("30s", "2m"); enabled defaults to true when omitted.
type ServerEntry struct {
	Name          string            `yaml:"name" json:"name"`
	Transport     string            `yaml:"transport" json:"transport"`
	Command       string            `yaml:"command,omitempty" json:"command,omitempty"`
	Args          []string          `yaml:"args,omitempty" json:"args,omitempty"`
	URL           string            `yaml:"url,omitempty" json:"url,omitempty"`
	Headers       map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	Env           map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Enabled       *bool             `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Timeout       string            `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	RetryAttempts int               `yaml:"retry_attempts,omitempty" json:"retry_attempts,omitempty"`
	RetryDelay    string            `yaml:"retry_delay,omitempty" json:"retry_delay,omitempty"`
}

// ServersFile is the servers.yaml document.
type ServersFile struct {
	Servers []ServerEntry `yaml:"servers"`
}

// DefaultServersPath returns ~/.loopgate/servers.yaml.
func DefaultServersPath() string {
	return filepath.Join(HomeDir(), "servers.yaml")
}

// LoadServers reads and validates the fleet file. A missing file yields an
// empty fleet and, best effort, creates the file so operators can edit it.
func LoadServers(path string) ([]toolserver.ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			_ = os.MkdirAll(filepath.Dir(path), 0755)
			_ = SaveServersFile(path, &ServersFile{})
			return nil, nil
		}
		return nil, apperrors.Wrap(apperrors.CodeConfigInvalid, fmt.Sprintf("read %s", path), err)
	}

	var file ServersFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeConfigInvalid, fmt.Sprintf("parse %s", path), err)
	}
	return convertEntries(file.Servers)
}

func convertEntries(entries []ServerEntry) ([]toolserver.ServerConfig, error) {
	seen := make(map[string]bool, len(entries))
	out := make([]toolserver.ServerConfig, 0, len(entries))
	for _, e := range entries {
		if seen[e.Name] {
			return nil, apperrors.NewConfigInvalidError(fmt.Sprintf("duplicate server %q", e.Name))
		}
		seen[e.Name] = true

		cfg, err := e.ToServerConfig()
		if err != nil {
			return nil, err
		}
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, nil
}

// ToServerConfig converts a yaml entry into the registry's descriptor.
func (e ServerEntry) ToServerConfig() (toolserver.ServerConfig, error) {
	cfg := toolserver.ServerConfig{
		Name:          e.Name,
		Transport:     toolserver.TransportKind(e.Transport),
		Command:       e.Command,
		Args:          e.Args,
		URL:           e.URL,
		Headers:       e.Headers,
		Env:           e.Env,
		Enabled:       e.Enabled == nil || *e.Enabled,
		RetryAttempts: e.RetryAttempts,
	}
	var err error
	if cfg.Timeout, err = parseEntryDuration(e.Name, "timeout", e.Timeout); err != nil {
		return cfg, err
	}
	if cfg.RetryDelay, err = parseEntryDuration(e.Name, "retry_delay", e.RetryDelay); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func parseEntryDuration(server, field, raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, apperrors.NewConfigInvalidError(
			fmt.Sprintf("server %s: %s %q is not a duration", server, field, raw))
	}
	return d, nil
}

func entryFromConfig(cfg toolserver.ServerConfig) ServerEntry {
	e := ServerEntry{
		Name:          cfg.Name,
		Transport:     string(cfg.Transport),
		Command:       cfg.Command,
		Args:          cfg.Args,
		URL:           cfg.URL,
		Headers:       cfg.Headers,
		Env:           cfg.Env,
		RetryAttempts: cfg.RetryAttempts,
	}
	if !cfg.Enabled {
		enabled := false
		e.Enabled = &enabled
	}
	if cfg.Timeout > 0 {
		e.Timeout = cfg.Timeout.String()
	}
	if cfg.RetryDelay > 0 {
		e.RetryDelay = cfg.RetryDelay.String()
	}
	return e
}

// SaveServersFile writes the document to disk.
func SaveServersFile(path string, file *ServersFile) error {
	data, err := yaml.Marshal(file)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// AddServerEntry appends a server to servers.yaml. The caller has already
// validated the config by registering it.
func AddServerEntry(path string, cfg toolserver.ServerConfig) error {
	file, err := readOrEmpty(path)
	if err != nil {
		return err
	}
	for _, e := range file.Servers {
		if e.Name == cfg.Name {
			return apperrors.NewAlreadyExistsError(fmt.Sprintf("server %q already in %s", cfg.Name, path))
		}
	}
	file.Servers = append(file.Servers, entryFromConfig(cfg))
	return SaveServersFile(path, file)
}

// RemoveServerEntry deletes a server from servers.yaml. Absent entries are
// not an error; the registry is the authority on existence.
func RemoveServerEntry(path, name string) error {
	file, err := readOrEmpty(path)
	if err != nil {
		return err
	}
	kept := file.Servers[:0]
	for _, e := range file.Servers {
		if e.Name != name {
			kept = append(kept, e)
		}
	}
	file.Servers = kept
	return SaveServersFile(path, file)
}

func readOrEmpty(path string) (*ServersFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &ServersFile{}, nil
		}
		return nil, err
	}
	var file ServersFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeConfigInvalid, fmt.Sprintf("parse %s", path), err)
	}
	return &file, nil
}

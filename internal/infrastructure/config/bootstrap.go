package config

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// AppName is the canonical application name.
const AppName = "loopgate"

// HomeDir returns the loopgate configuration home: ~/.loopgate
func HomeDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "."+AppName)
}

// Bootstrap ensures ~/.loopgate exists with default files. Safe to call on
// every start; existing files are never overwritten.
func Bootstrap(logger *zap.Logger) error {
	root := HomeDir()

	dirs := []string{
		root,
		filepath.Join(root, "logs"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create dir %s: %w", dir, err)
		}
	}

	defaults := map[string]string{
		filepath.Join(root, "config.yaml"):  defaultConfig,
		filepath.Join(root, "servers.yaml"): defaultServers,
	}

	created := 0
	for path, content := range defaults {
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			logger.Warn("Failed to write default file", zap.String("path", path), zap.Error(err))
			continue
		}
		created++
	}

	if created > 0 {
		logger.Info("Bootstrap complete",
			zap.String("home", root),
			zap.Int("files_created", created),
		)
	} else {
		logger.Debug("Config home OK", zap.String("home", root))
	}
	return nil
}

const defaultConfig = `# loopgate configuration
# Auto-generated on first launch — feel free to edit.

# HTTP listener.
gateway:
  host: 0.0.0.0
  port: 18789
  mode: release                # debug | release

# Upstream OpenAI-compatible provider. api_key is usually set via
# OPENAI_API_KEY; model via LLM_MODEL.
upstream:
  provider: openai
  base_url: https://api.openai.com/v1
  api_key: ""
  model: gpt-4o-mini
  timeout: 120s

# Reasoning pipeline.
pipeline:
  enabled: true
  backend: llm                 # llm | rules
  model: ""                    # agent model; empty = upstream.model
  phase_timeout: 30s
  max_parallel_tools: 3

# Capability discovery.
catalog:
  discovery_ttl: 5m
  auto_discovery: true
  discovery_interval: 5m

# Tool invocation.
invoker:
  strategy: first_available    # first_available | round_robin | fastest_response | least_used | random
  cache_enabled: true
  cache_ttl: 5m
  allow_tools: []              # empty = all
  deny_tools: []

# Background health checks.
health:
  enabled: true
  interval: 30s

# Tool-server fleet file.
servers:
  file: ""                     # empty = ~/.loopgate/servers.yaml
  hot_reload: true

# Logging.
log:
  level: info                  # debug | info | warn | error
  format: json                 # json | console
  file: ""                     # empty = stderr only
  max_size_mb: 50
  max_backups: 5
  max_age_days: 14
  compress: true
`

const defaultServers = `# loopgate tool servers
# Each server speaks line-delimited JSON-RPC over stdio or http-sse.
# This file is hot-reloaded while the proxy runs.
#
# servers:
#   - name: jira
#     transport: stdio
#     command: jira-tool-server
#     args: ["--mode", "rpc"]
#     env:
#       JIRA_TOKEN: "..."
#     timeout: 30s
#     retry_attempts: 3
#     retry_delay: 5s
#   - name: search
#     transport: http-sse
#     url: http://localhost:9200/rpc
#     headers:
#       Authorization: "Bearer ..."
servers: []
`

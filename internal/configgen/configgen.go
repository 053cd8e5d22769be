// Package configgen materializes the per-session configuration files the
// engine process reads at startup (MCP server registration) into a
// scratch directory, mirroring the small JSON-config
// generation the teacher does per worker (internal/orchestration/mcp).
package configgen

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dpaulsen/sessionrunner/internal/model"
)

// Result is what a ConfigGenerator hands back to the caller: the
// directory the engine process should be pointed at via
// ENGINE_CONFIG_DIR.
type Result struct {
	ConfigDir string
}

// ConfigGenerator materializes a session's engine configuration. A
// failure here is a distinct, pre-spawn failure mode: the Group Runner
// never starts a process when this errors. The Queue Runner does not use
// a ConfigGenerator.
type ConfigGenerator interface {
	GenerateSessionConfig(ctx context.Context, session model.Session, group model.SessionGroup) (Result, error)
}

// mcpServerConfig is the single stdio MCP server entry written for a
// session, matching the shape the engine's --mcp-config flag expects.
type mcpServerConfig struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

type mcpConfig struct {
	MCPServers map[string]mcpServerConfig `json:"mcpServers"`
}

// DirConfigGenerator writes each session's config.json under
// {baseDir}/{sessionID}/ and returns that directory.
type DirConfigGenerator struct {
	baseDir string
}

// NewDirConfigGenerator builds a generator rooted at baseDir. An empty
// baseDir defaults to os.TempDir().
func NewDirConfigGenerator(baseDir string) *DirConfigGenerator {
	if baseDir == "" {
		baseDir = os.TempDir()
	}
	return &DirConfigGenerator{baseDir: baseDir}
}

// GenerateSessionConfig writes a minimal MCP config naming no servers
// (the session needs no tool augmentation by default) and returns the
// directory containing it. The group's model setting is not written.
func (g *DirConfigGenerator) GenerateSessionConfig(ctx context.Context, session model.Session, group model.SessionGroup) (Result, error) {
	dir := filepath.Join(g.baseDir, session.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Result{}, fmt.Errorf("create config dir: %w", err)
	}

	cfg := mcpConfig{MCPServers: map[string]mcpServerConfig{}}
	payload, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return Result{}, fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.json"), payload, 0o644); err != nil {
		return Result{}, fmt.Errorf("write config: %w", err)
	}

	return Result{ConfigDir: dir}, nil
}

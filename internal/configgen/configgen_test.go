package configgen

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/dpaulsen/sessionrunner/internal/model"
	"github.com/stretchr/testify/require"
)

func TestDirConfigGenerator_WritesConfigUnderSessionDir(t *testing.T) {
	base := t.TempDir()
	g := NewDirConfigGenerator(base)

	result, err := g.GenerateSessionConfig(context.Background(), model.Session{ID: "s1"}, model.SessionGroup{})
	require.NoError(t, err)
	require.Equal(t, filepath.Join(base, "s1"), result.ConfigDir)

	data, err := os.ReadFile(filepath.Join(result.ConfigDir, "config.json"))
	require.NoError(t, err)

	var cfg mcpConfig
	require.NoError(t, json.Unmarshal(data, &cfg))
	require.NotNil(t, cfg.MCPServers)
}

func TestNewDirConfigGenerator_EmptyBaseDirDefaultsToTempDir(t *testing.T) {
	g := NewDirConfigGenerator("")
	require.Equal(t, os.TempDir(), g.baseDir)
}

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleSettings = `
active_profile: default
profiles:
  default:
    provider: anthropic
    model: claude-sonnet-4
    browser_tool: true
  compat:
    provider: relay
    model: claude-sonnet-4
providers:
  anthropic:
    api_key_env: SKIFF_TEST_API_KEY
  relay:
    base_url: https://relay.example.com/v1
    api_key: relay-key
    model_map:
      claude-sonnet-4: relay/claude-sonnet-4-20250514
mcp_servers:
  notes:
    command: notes-mcp
    args: ["--stdio"]
`

func loadSample(t *testing.T) *Settings {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleSettings), 0o644))
	s, err := LoadSettings(path)
	require.NoError(t, err)
	return s
}

func TestLoadSettingsMissingFileUsesDefaults(t *testing.T) {
	s, err := LoadSettings(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Empty(t, s.ActiveProfile)
	assert.Empty(t, s.Profiles)
}

func TestResolveActiveProfile(t *testing.T) {
	t.Setenv("SKIFF_TEST_API_KEY", "env-key")
	s := loadSample(t)

	profile, mc, err := s.Resolve("")
	require.NoError(t, err)
	assert.True(t, profile.BrowserTool)
	assert.Equal(t, "claude-sonnet-4", mc.ModelID)
	assert.Equal(t, "claude-sonnet-4", mc.EffectiveModel)
	assert.Equal(t, "env-key", mc.APIKey)
	assert.False(t, mc.UsesCompatModelMapping)
}

func TestResolveCompatModelMapping(t *testing.T) {
	s := loadSample(t)

	_, mc, err := s.Resolve("compat")
	require.NoError(t, err)
	assert.Equal(t, "relay/claude-sonnet-4-20250514", mc.ModelID)
	assert.Equal(t, "claude-sonnet-4", mc.EffectiveModel)
	assert.Equal(t, "https://relay.example.com/v1", mc.BaseURL)
	assert.Equal(t, "relay-key", mc.APIKey)
	assert.True(t, mc.UsesCompatModelMapping)
}

func TestResolveUnknownProfile(t *testing.T) {
	s := loadSample(t)
	_, _, err := s.Resolve("nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown profile")
}

func TestSignatureVariesWithEndpoint(t *testing.T) {
	a := ModelConfig{BaseURL: "https://a.example.com", APIKey: "k"}
	b := ModelConfig{BaseURL: "https://b.example.com", APIKey: "k"}
	assert.NotEqual(t, a.Signature(), b.Signature())
	assert.Equal(t, a.Signature(), a.Signature())
}

func TestPluginMCPHashStableAcrossMapOrder(t *testing.T) {
	s1 := &Settings{MCPServers: map[string]MCPServer{
		"a": {Command: "a-mcp"},
		"b": {Command: "b-mcp", Env: map[string]string{"X": "1", "Y": "2"}},
	}}
	s2 := &Settings{MCPServers: map[string]MCPServer{
		"b": {Command: "b-mcp", Env: map[string]string{"Y": "2", "X": "1"}},
		"a": {Command: "a-mcp"},
	}}
	assert.Equal(t, s1.PluginMCPHash(), s2.PluginMCPHash())

	s2.MCPServers["a"] = MCPServer{Command: "a-mcp", Args: []string{"--flag"}}
	assert.NotEqual(t, s1.PluginMCPHash(), s2.PluginMCPHash())

	empty := &Settings{}
	assert.Empty(t, empty.PluginMCPHash())
}

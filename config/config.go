// Package config loads skiff settings: provider credentials, model
// profiles, and plugin MCP server definitions.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// Settings represents the structure of ~/.skiff/settings.yaml
type Settings struct {
	DBPath        string               `yaml:"db_path,omitempty"`
	Debug         *bool                `yaml:"debug,omitempty"`
	CLIPath       string               `yaml:"cli_path,omitempty"`
	ActiveProfile string               `yaml:"active_profile,omitempty"`
	Profiles      map[string]Profile   `yaml:"profiles,omitempty"`
	Providers     map[string]Provider  `yaml:"providers,omitempty"`
	MCPServers    map[string]MCPServer `yaml:"mcp_servers,omitempty"`
	ResourceDirs  []string             `yaml:"resource_dirs,omitempty"`
}

// Profile selects a provider/model pair plus per-profile feature toggles.
type Profile struct {
	Provider    string `yaml:"provider"`
	Model       string `yaml:"model"`
	BrowserTool bool   `yaml:"browser_tool,omitempty"`
	LazySkills  bool   `yaml:"lazy_skills,omitempty"`
}

// Provider holds the connection details for one model provider. ModelMap
// translates canonical model names to provider-native ids for
// OpenAI-compatible endpoints.
type Provider struct {
	BaseURL   string            `yaml:"base_url,omitempty"`
	APIKey    string            `yaml:"api_key,omitempty"`
	APIKeyEnv string            `yaml:"api_key_env,omitempty"`
	ModelMap  map[string]string `yaml:"model_map,omitempty"`
}

// MCPServer describes one plugin MCP server to attach to backend sessions.
type MCPServer struct {
	Command string            `yaml:"command,omitempty"`
	Args    []string          `yaml:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
	URL     string            `yaml:"url,omitempty"`
}

// ModelConfig is the resolver output consumed when building a session.
type ModelConfig struct {
	BaseURL                string
	APIKey                 string
	ModelID                string
	EffectiveModel         string
	UsesCompatModelMapping bool
}

// Signature identifies the provider endpoint for session fingerprinting
// without exposing the key itself.
func (m ModelConfig) Signature() string {
	sum := sha256.Sum256([]byte(m.BaseURL + "|" + m.APIKey))
	return hex.EncodeToString(sum[:8])
}

// LoadSettings loads settings from path, or ~/.skiff/settings.yaml when path
// is empty. A missing file is not an error; defaults apply.
func LoadSettings(path string) (*Settings, error) {
	if path == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, ".skiff", "settings.yaml")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Settings{}, nil
		}
		return nil, fmt.Errorf("failed to read settings file: %w", err)
	}

	var settings Settings
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("invalid settings file: %w", err)
	}

	if settings.DBPath != "" {
		settings.DBPath = expandPath(settings.DBPath)
	}
	for i, dir := range settings.ResourceDirs {
		settings.ResourceDirs[i] = expandPath(dir)
	}

	return &settings, nil
}

// Resolve turns a profile id into the concrete model configuration. An
// empty profileID uses the active profile.
func (s *Settings) Resolve(profileID string) (Profile, ModelConfig, error) {
	if profileID == "" {
		profileID = s.ActiveProfile
	}
	profile, ok := s.Profiles[profileID]
	if !ok {
		return Profile{}, ModelConfig{}, fmt.Errorf("unknown profile %q", profileID)
	}
	provider, ok := s.Providers[profile.Provider]
	if !ok {
		return Profile{}, ModelConfig{}, fmt.Errorf("profile %q references unknown provider %q", profileID, profile.Provider)
	}

	mc := ModelConfig{
		BaseURL:        provider.BaseURL,
		APIKey:         provider.APIKey,
		EffectiveModel: profile.Model,
		ModelID:        profile.Model,
	}
	if mc.APIKey == "" && provider.APIKeyEnv != "" {
		mc.APIKey = os.Getenv(provider.APIKeyEnv)
	}
	if mapped, ok := provider.ModelMap[profile.Model]; ok {
		mc.ModelID = mapped
		mc.UsesCompatModelMapping = true
	}
	return profile, mc, nil
}

// PluginMCPHash returns a stable digest of the MCP server definitions, used
// to detect config changes that require a session rebuild.
func (s *Settings) PluginMCPHash() string {
	if len(s.MCPServers) == 0 {
		return ""
	}
	names := make([]string, 0, len(s.MCPServers))
	for name := range s.MCPServers {
		names = append(names, name)
	}
	sort.Strings(names)

	h := sha256.New()
	for _, name := range names {
		srv := s.MCPServers[name]
		fmt.Fprintf(h, "%s\x00%s\x00%s\x00", name, srv.Command, srv.URL)
		for _, arg := range srv.Args {
			fmt.Fprintf(h, "%s\x00", arg)
		}
		envKeys := make([]string, 0, len(srv.Env))
		for k := range srv.Env {
			envKeys = append(envKeys, k)
		}
		sort.Strings(envKeys)
		for _, k := range envKeys {
			fmt.Fprintf(h, "%s=%s\x00", k, srv.Env[k])
		}
	}
	return hex.EncodeToString(h.Sum(nil)[:8])
}

// expandPath expands ~ to home directory in paths
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		if len(path) == 1 {
			return homeDir
		}
		return filepath.Join(homeDir, path[1:])
	}
	return path
}

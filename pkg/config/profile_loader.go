package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mbathe/LLMOS-Bridge-sub001/pkg/guard"
)

// CustomProfile is an operator-defined permission profile loaded from
// YAML. It extends the four built-ins with site-specific tables.
type CustomProfile struct {
	Name              string   `yaml:"name"`
	AllowedPatterns   []string `yaml:"allowed_patterns"`
	DeniedPatterns    []string `yaml:"denied_patterns"`
	MaxPlanActions    int      `yaml:"max_plan_actions"`
	AllowEnvTemplates bool     `yaml:"allow_env_templates"`
}

func (p *CustomProfile) toGuardProfile() *guard.ProfileConfig {
	max := p.MaxPlanActions
	if max <= 0 {
		max = 50
	}
	return &guard.ProfileConfig{
		Profile:           guard.Profile(p.Name),
		AllowedPatterns:   p.AllowedPatterns,
		DeniedPatterns:    p.DeniedPatterns,
		MaxPlanActions:    max,
		AllowEnvTemplates: p.AllowEnvTemplates,
	}
}

// LoadProfile resolves a profile name against the built-ins first, then
// against profile_<name>.yaml files in the profiles directory.
func LoadProfile(profilesDir, name string) (*guard.ProfileConfig, error) {
	if cfg, err := guard.ProfileByName(name); err == nil {
		return cfg, nil
	}
	if profilesDir == "" {
		return nil, fmt.Errorf("unknown permission profile %q and no profiles_dir configured", name)
	}

	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", strings.ToLower(name)))
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", name, err)
	}

	var profile CustomProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", name, err)
	}
	if profile.Name == "" {
		profile.Name = strings.ToLower(name)
	}
	if len(profile.AllowedPatterns) == 0 {
		return nil, fmt.Errorf("profile %q allows nothing; allowed_patterns is required", name)
	}
	return profile.toGuardProfile(), nil
}

// LoadAllProfiles loads every profile_*.yaml in the directory, keyed by
// profile name.
func LoadAllProfiles(profilesDir string) (map[string]*guard.ProfileConfig, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*guard.ProfileConfig, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		var profile CustomProfile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if profile.Name == "" {
			base := filepath.Base(path)
			profile.Name = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		}
		profiles[profile.Name] = profile.toGuardProfile()
	}
	return profiles, nil
}

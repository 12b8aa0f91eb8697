// Package manifest loads a skill directory's declaration: skill.yaml (or
// .yml/.json, first found wins) plus its sibling SKILL.md instructions
// file. Parsing style — defaulting then field-by-field validation —
// follows apps/ReleaseParty/backend/internal/releaseparty/config.go's
// ParseRepoConfigYAML.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/seksbot/seks/internal/model"
)

var nameRe = regexp.MustCompile(`^[a-z][a-z0-9-]*$`)

// rawManifest mirrors the wire shape in spec.md §6, with yaml/json tags for
// both supported manifest formats.
type rawManifest struct {
	Version      int               `yaml:"version" json:"version"`
	Name         string            `yaml:"name" json:"name"`
	Description  string            `yaml:"description" json:"description"`
	Emoji        string            `yaml:"emoji" json:"emoji"`
	Author       string            `yaml:"author" json:"author"`
	Capabilities []string          `yaml:"capabilities" json:"capabilities"`
	Container    *rawContainerSpec `yaml:"container" json:"container"`
	OS           []string          `yaml:"os" json:"os"`
	Always       bool              `yaml:"always" json:"always"`
	SkillMDPath  string            `yaml:"skillMdPath" json:"skillMdPath"`
}

type rawContainerSpec struct {
	Image          string            `yaml:"image" json:"image"`
	MemoryLimit    string            `yaml:"memoryLimit" json:"memoryLimit"`
	CPULimit       float64           `yaml:"cpuLimit" json:"cpuLimit"`
	TimeoutSeconds int               `yaml:"timeoutSeconds" json:"timeoutSeconds"`
	Network        string            `yaml:"network" json:"network"`
	Env            map[string]string `yaml:"env" json:"env"`
}

// candidateFilenames is the manifest search order: first found wins.
var candidateFilenames = []string{"skill.yaml", "skill.yml", "skill.json"}

// Loaded is a parsed manifest plus the raw instructions text read from its
// SKILL.md (or overridden skillMdPath).
type Loaded struct {
	Manifest     model.SkillManifest
	Instructions string
	Dir          string
}

// Load reads and validates the skill manifest in dir.
func Load(dir string) (Loaded, error) {
	var (
		raw  rawManifest
		path string
		err  error
	)
	for _, candidate := range candidateFilenames {
		p := filepath.Join(dir, candidate)
		data, readErr := os.ReadFile(p)
		if readErr != nil {
			if os.IsNotExist(readErr) {
				continue
			}
			return Loaded{}, readErr
		}
		path = p
		if strings.HasSuffix(candidate, ".json") {
			err = json.Unmarshal(data, &raw)
		} else {
			err = yaml.Unmarshal(data, &raw)
		}
		break
	}
	if path == "" {
		return Loaded{}, fmt.Errorf("manifest: no skill.yaml/skill.yml/skill.json found in %s", dir)
	}
	if err != nil {
		return Loaded{}, fmt.Errorf("manifest: parse %s: %w", path, err)
	}

	m, err := validate(raw)
	if err != nil {
		return Loaded{}, fmt.Errorf("manifest: %s: %w", path, err)
	}

	mdPath := raw.SkillMDPath
	if mdPath == "" {
		mdPath = "SKILL.md"
	}
	instructions, err := os.ReadFile(filepath.Join(dir, mdPath))
	if err != nil && !os.IsNotExist(err) {
		return Loaded{}, fmt.Errorf("manifest: instructions: %w", err)
	}

	return Loaded{Manifest: m, Instructions: string(instructions), Dir: dir}, nil
}

func validate(raw rawManifest) (model.SkillManifest, error) {
	if raw.Version != 1 {
		return model.SkillManifest{}, errors.New("unsupported version (only version: 1 is recognised)")
	}
	name := strings.TrimSpace(raw.Name)
	if !nameRe.MatchString(name) {
		return model.SkillManifest{}, fmt.Errorf("invalid name %q: must match ^[a-z][a-z0-9-]*$", raw.Name)
	}
	if len(raw.Description) > 200 {
		return model.SkillManifest{}, errors.New("description exceeds 200 characters")
	}
	if len(raw.Capabilities) == 0 {
		return model.SkillManifest{}, errors.New("capabilities must declare at least one entry")
	}
	for _, c := range raw.Capabilities {
		if _, ok := model.ParseCapability(c); !ok {
			return model.SkillManifest{}, fmt.Errorf("invalid capability %q", c)
		}
	}

	m := model.SkillManifest{
		Version:      raw.Version,
		Name:         name,
		Description:  raw.Description,
		Emoji:        raw.Emoji,
		Author:       raw.Author,
		Capabilities: raw.Capabilities,
		OS:           raw.OS,
		Always:       raw.Always,
		SkillMDPath:  raw.SkillMDPath,
	}

	if raw.Container != nil {
		net := model.NetworkPolicy(raw.Container.Network)
		switch net {
		case "", model.NetworkBrokerOnly:
			net = model.NetworkBrokerOnly
		case model.NetworkNone:
		default:
			return model.SkillManifest{}, fmt.Errorf("invalid container.network %q: must be broker-only or none", raw.Container.Network)
		}
		memMB, err := parseMemoryLimit(raw.Container.MemoryLimit)
		if err != nil {
			return model.SkillManifest{}, err
		}
		timeout := raw.Container.TimeoutSeconds
		if timeout <= 0 {
			timeout = 120
		}
		m.Container = &model.ContainerSpec{
			Image:          raw.Container.Image,
			MemoryLimitMB:  memMB,
			CPULimit:       raw.Container.CPULimit,
			TimeoutSeconds: timeout,
			Network:        net,
			Env:            raw.Container.Env,
		}
	}

	return m, nil
}

// parseMemoryLimit accepts bare megabytes ("512") or a suffixed form
// ("512m", "1g"), matching the shorthand skill authors use in practice.
func parseMemoryLimit(raw string) (int64, error) {
	raw = strings.TrimSpace(strings.ToLower(raw))
	if raw == "" {
		return 0, nil
	}
	mult := int64(1)
	switch {
	case strings.HasSuffix(raw, "g"):
		mult = 1024
		raw = strings.TrimSuffix(raw, "g")
	case strings.HasSuffix(raw, "m"):
		raw = strings.TrimSuffix(raw, "m")
	}
	var n int64
	if _, err := fmt.Sscanf(raw, "%d", &n); err != nil {
		return 0, fmt.Errorf("invalid container.memoryLimit %q", raw)
	}
	return n * mult, nil
}

package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/seksbot/seks/internal/model"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestLoadYAMLWithContainer(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "skill.yaml", `
version: 1
name: weather-lookup
description: Looks up current weather for a city.
capabilities:
  - anthropic/messages.create
  - custom/weather-api-key
container:
  image: seks-skill-runner:weather
  memoryLimit: 256m
  cpuLimit: 0.5
  timeoutSeconds: 30
  network: broker-only
  env:
    UNITS: metric
`)
	writeFile(t, dir, "SKILL.md", "# Weather Lookup\nUse the weather API.\n")

	loaded, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Manifest.Name != "weather-lookup" {
		t.Errorf("name = %q", loaded.Manifest.Name)
	}
	if loaded.Manifest.Container == nil {
		t.Fatal("expected container spec")
	}
	if loaded.Manifest.Container.MemoryLimitMB != 256 {
		t.Errorf("memory = %d, want 256", loaded.Manifest.Container.MemoryLimitMB)
	}
	if loaded.Manifest.Container.Network != model.NetworkBrokerOnly {
		t.Errorf("network = %q", loaded.Manifest.Container.Network)
	}
	if loaded.Instructions == "" {
		t.Error("expected instructions to be read")
	}
}

func TestLoadJSONPreferredOverMissingYAML(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "skill.json", `{
		"version": 1,
		"name": "no-net",
		"description": "Offline skill.",
		"capabilities": ["custom/local-only"],
		"container": {"network": "none"}
	}`)

	loaded, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Manifest.Container.Network != model.NetworkNone {
		t.Errorf("network = %q, want none", loaded.Manifest.Container.Network)
	}
}

func TestLoadRejectsInvalidName(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "skill.yaml", `
version: 1
name: Not_Valid
description: bad name
capabilities: ["custom/x"]
`)
	if _, err := Load(dir); err == nil {
		t.Fatal("expected error for invalid name")
	}
}

func TestLoadRejectsSecretNamingCapability(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "skill.yaml", `
version: 1
name: bad-skill
description: names a secret directly, which manifests must never do
capabilities: ["anthropic"]
`)
	if _, err := Load(dir); err == nil {
		t.Fatal("expected error for malformed capability")
	}
}

func TestLoadMissingManifest(t *testing.T) {
	dir := t.TempDir()
	if _, err := Load(dir); err == nil {
		t.Fatal("expected error when no manifest file is present")
	}
}

// Package skillmanifest reads the optional skill.toml manifest carried
// alongside a skill's deployed source: language, entrypoint extension, and
// a free-form changelog. The manifest is read-only metadata — evolution
// itself never edits it, it only edits SKILL.<ext>.
package skillmanifest

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Manifest describes a skill's static metadata.
type Manifest struct {
	Language   string   `toml:"language"`
	Extension  string   `toml:"extension"`
	Changelog  []string `toml:"changelog"`
}

// DefaultManifest is returned when no skill.toml is present.
func DefaultManifest() Manifest {
	return Manifest{Language: "rhai", Extension: "rhai"}
}

// Load reads skills/<name>/skill.toml, if present, or returns
// DefaultManifest() if it is absent.
func Load(skillsDir, skill string) (Manifest, error) {
	path := filepath.Join(skillsDir, skill, "skill.toml")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return DefaultManifest(), nil
	}

	var m Manifest
	if _, err := toml.DecodeFile(path, &m); err != nil {
		return Manifest{}, err
	}
	if m.Extension == "" {
		m.Extension = "rhai"
	}
	if m.Language == "" {
		m.Language = "rhai"
	}
	return m, nil
}

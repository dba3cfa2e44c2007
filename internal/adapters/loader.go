package adapters

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/ternarybob/arbor"
)

// LoadDefinitions reads platform definition files (*.toml) from dir and
// registers a generic adapter for each. A missing directory is not an
// error; the registry just stays empty.
func LoadDefinitions(dir string, renderer HTMLRenderer, registry *Registry, logger arbor.ILogger) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Warn().Str("dir", dir).Msg("Platform definitions directory not found, no adapters registered")
			return nil
		}
		return fmt.Errorf("failed to read platform definitions directory %s: %w", dir, err)
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".toml") {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read platform definition %s: %w", path, err)
		}

		var def Definition
		if err := toml.Unmarshal(data, &def); err != nil {
			return fmt.Errorf("failed to parse platform definition %s: %w", path, err)
		}

		adapter, err := NewGeneric(def, renderer)
		if err != nil {
			return fmt.Errorf("invalid platform definition %s: %w", path, err)
		}

		registry.Register(adapter)
		loaded++

		logger.Info().
			Str("platform", def.Platform).
			Str("file", entry.Name()).
			Msg("Platform adapter registered")
	}

	if loaded == 0 {
		logger.Warn().Str("dir", dir).Msg("No platform definitions found")
	}

	return nil
}

package pagi

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// loadConfigFile reads path and decodes it onto a, selecting the JSON/
// TOML/YAML decoder from its extension, exactly as teacher's `Air.Serve`
// does inline — pulled out here into its own function since App.Serve now
// shares it with App.LoadConfig below.
func loadConfigFile(path string, a *App) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	m := map[string]interface{}{}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		err = json.Unmarshal(b, &m)
	case ".toml":
		err = toml.Unmarshal(b, &m)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &m)
	default:
		err = fmt.Errorf("pagi: unsupported configuration file extension: %s", ext)
	}
	if err != nil {
		return err
	}

	return mapstructure.Decode(m, a)
}

// LoadConfig loads path onto the App outside of Serve, useful for tests or
// tools that want the decoded configuration without starting the server.
func (a *App) LoadConfig(path string) error {
	return loadConfigFile(path, a)
}

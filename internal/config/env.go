package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// EnvPrefix prefixes environment variable overrides, e.g.
// LLMGATE_SERVER_API_PORT.
const EnvPrefix = "LLMGATE"

// LoadDotEnv loads the .env file of each directory that has one. Variables
// already set in the environment win over the files, and earlier
// directories win over later ones.
func LoadDotEnv(dirs ...string) error {
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		path := filepath.Join(dir, ".env")
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("checking %s: %w", path, err)
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("loading %s: %w", path, err)
		}
	}
	return nil
}

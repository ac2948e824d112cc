package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
)

// defaultEnvFile is loaded when ENV_FILE is not set.
const defaultEnvFile = ".env"

// LoadEnvFile loads KEY=VALUE pairs from the file named by ENV_FILE (default
// ".env") into the process environment. Variables already set in the
// environment win over the file. A missing file is not an error; the returned
// path is empty in that case.
//
// It must run before kong parses flags so env-backed flags such as
// GEMINI_API_KEY pick the values up.
func LoadEnvFile() (string, error) {
	path := os.Getenv("ENV_FILE")
	if path == "" {
		path = defaultEnvFile
	}

	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("config: load env file %s: %w", path, err)
	}
	return path, nil
}

package utils

import (
	"errors"
	"io/fs"

	"github.com/joho/godotenv"
)

// LoadEnvFile loads KEY=VALUE pairs from path into the environment. A missing file is not
// an error and variables that are already set win.
func LoadEnvFile(path string) (bool, error) {
	if path == "" {
		return false, nil
	}

	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}

	return true, nil
}

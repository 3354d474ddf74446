package conf

import (
	"os"
	"path/filepath"

	"github.com/tphakala/trackfill/internal/errors"
)

const (
	configFileName = "config.yaml"
	systemConfDir  = "/etc/trackfill"
)

// userConfigDir is ~/.config/trackfill, where a missing config is created.
func userConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.New(err).
			Component("conf").
			Category(errors.CategoryConfiguration).
			Build()
	}
	return filepath.Join(home, ".config", "trackfill"), nil
}

// searchPaths lists the directories viper looks in, working directory
// first. If one of them already holds a config file it is returned alone
// so a later directory cannot shadow it.
func searchPaths() ([]string, error) {
	userDir, err := userConfigDir()
	if err != nil {
		return nil, err
	}
	dirs := []string{".", userDir, systemConfDir}
	for _, dir := range dirs {
		if info, err := os.Stat(filepath.Join(dir, configFileName)); err == nil && info.Mode().IsRegular() {
			return []string{dir}, nil
		}
	}
	return dirs, nil
}

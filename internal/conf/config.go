// Package conf loads trackfill settings from config.yaml, the environment and
// command line flags.
package conf

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/tphakala/trackfill/internal/errors"
	"github.com/tphakala/trackfill/internal/logger"
)

// MainSettings holds process-wide settings.
type MainSettings struct {
	Name string               `yaml:"name" mapstructure:"name"`
	Log  logger.LoggingConfig `yaml:"log" mapstructure:"log"`
}

// TatorSettings configures the annotation service client.
type TatorSettings struct {
	Host              string        `yaml:"host" mapstructure:"host"`
	Token             string        `yaml:"token" mapstructure:"token"`         // may reference ${VAR}
	TokenFile         string        `yaml:"tokenfile" mapstructure:"tokenfile"` // read the token from this file instead
	Timeout           time.Duration `yaml:"timeout" mapstructure:"timeout"`
	RequestsPerSecond float64       `yaml:"requestspersecond" mapstructure:"requestspersecond"`
	Burst             int           `yaml:"burst" mapstructure:"burst"`
	CacheTTL          time.Duration `yaml:"cachettl" mapstructure:"cachettl"`
	MaxRetries        int           `yaml:"maxretries" mapstructure:"maxretries"`
}

// DetectorSettings configures the ONNX face detector.
type DetectorSettings struct {
	ModelPath    string        `yaml:"modelpath" mapstructure:"modelpath"`
	LibraryPath  string        `yaml:"librarypath" mapstructure:"librarypath"` // onnxruntime shared library
	InputWidth   int           `yaml:"inputwidth" mapstructure:"inputwidth"`
	InputHeight  int           `yaml:"inputheight" mapstructure:"inputheight"`
	Anchors      int           `yaml:"anchors" mapstructure:"anchors"` // predictions per frame in the model output
	Normalized   bool          `yaml:"normalized" mapstructure:"normalized"`
	ScoreFloor   float64       `yaml:"scorefloor" mapstructure:"scorefloor"`
	IoUThreshold float64       `yaml:"iouthreshold" mapstructure:"iouthreshold"`
	Threads      int           `yaml:"threads" mapstructure:"threads"`
	Timeout      time.Duration `yaml:"timeout" mapstructure:"timeout"` // per frame
}

// PropagationSettings tunes the propagation run.
type PropagationSettings struct {
	SettleDelay             time.Duration `yaml:"settledelay" mapstructure:"settledelay"`
	MinConfidence           float64       `yaml:"minconfidence" mapstructure:"minconfidence"`
	PreserveCorpusOrder     bool          `yaml:"preservecorpusorder" mapstructure:"preservecorpusorder"`
	ContinueOnDetectorError bool          `yaml:"continueondetectorerror" mapstructure:"continueondetectorerror"`
	Prefetch                int           `yaml:"prefetch" mapstructure:"prefetch"` // decoded frames buffered ahead of the engine
}

// MQTTSettings configures refresh signal publishing.
type MQTTSettings struct {
	Enabled  bool   `yaml:"enabled" mapstructure:"enabled"`
	Broker   string `yaml:"broker" mapstructure:"broker"`
	Topic    string `yaml:"topic" mapstructure:"topic"`
	ClientID string `yaml:"clientid" mapstructure:"clientid"`
	Username string `yaml:"username" mapstructure:"username"`
	Password string `yaml:"password" mapstructure:"password"`
	// PasswordFile holds the password, e.g. a mounted Docker secret.
	PasswordFile string `yaml:"passwordfile" mapstructure:"passwordfile"`
}

// SQLiteSettings configures the SQLite run ledger.
type SQLiteSettings struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// MySQLSettings configures the MySQL run ledger.
type MySQLSettings struct {
	Username     string `yaml:"username" mapstructure:"username"`
	Password     string `yaml:"password" mapstructure:"password"`
	PasswordFile string `yaml:"passwordfile" mapstructure:"passwordfile"`
	Host         string `yaml:"host" mapstructure:"host"`
	Port         string `yaml:"port" mapstructure:"port"`
	Database     string `yaml:"database" mapstructure:"database"`
}

// OutputSettings selects the run ledger backend.
type OutputSettings struct {
	Type   string         `yaml:"type" mapstructure:"type"` // sqlite or mysql
	SQLite SQLiteSettings `yaml:"sqlite" mapstructure:"sqlite"`
	MySQL  MySQLSettings  `yaml:"mysql" mapstructure:"mysql"`
}

// WebServerSettings configures the HTTP API.
type WebServerSettings struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Port    string `yaml:"port" mapstructure:"port"`
}

// SentrySettings configures error telemetry.
type SentrySettings struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	DSN     string `yaml:"dsn" mapstructure:"dsn"`
}

// FramesSettings locates decoded frames on disk.
type FramesSettings struct {
	Directory string `yaml:"directory" mapstructure:"directory"`
	Pattern   string `yaml:"pattern" mapstructure:"pattern"`
}

// Settings is the root of the configuration.
type Settings struct {
	Debug       bool                `yaml:"debug" mapstructure:"debug"`
	Main        MainSettings        `yaml:"main" mapstructure:"main"`
	Tator       TatorSettings       `yaml:"tator" mapstructure:"tator"`
	Detector    DetectorSettings    `yaml:"detector" mapstructure:"detector"`
	Propagation PropagationSettings `yaml:"propagation" mapstructure:"propagation"`
	MQTT        MQTTSettings        `yaml:"mqtt" mapstructure:"mqtt"`
	Output      OutputSettings      `yaml:"output" mapstructure:"output"`
	WebServer   WebServerSettings   `yaml:"webserver" mapstructure:"webserver"`
	Sentry      SentrySettings      `yaml:"sentry" mapstructure:"sentry"`
	Frames      FramesSettings      `yaml:"frames" mapstructure:"frames"`
}

var (
	settingsInstance *Settings
	settingsMutex    sync.RWMutex
)

// Load reads .env, config.yaml and the environment into Settings and
// validates the result. A missing config file is created with defaults.
func Load() (*Settings, error) {
	settingsMutex.Lock()
	defer settingsMutex.Unlock()

	if err := LoadDotEnv(); err != nil {
		return nil, err
	}

	if err := initViper(); err != nil {
		return nil, fmt.Errorf("error initializing viper: %w", err)
	}

	settings := &Settings{}
	if err := viper.Unmarshal(settings); err != nil {
		return nil, errors.New(err).
			Component("conf").
			Category(errors.CategoryConfiguration).
			Context("operation", "unmarshal").
			Build()
	}

	if err := resolveSecrets(settings); err != nil {
		return nil, err
	}

	if err := ValidateSettings(settings); err != nil {
		return nil, fmt.Errorf("error validating settings: %w", err)
	}

	settingsInstance = settings
	return settingsInstance, nil
}

// initViper sets defaults and environment bindings, then reads the config
// file. The "config" key, bound to the --config flag, names an explicit file.
func initViper() error {
	viper.SetConfigType("yaml")
	setDefaultConfig()
	if err := configureEnvironmentVariables(); err != nil {
		return err
	}

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if _, err := os.Stat(cfgFile); os.IsNotExist(err) {
			return createDefaultConfig(cfgFile)
		}
	} else {
		viper.SetConfigName("config")
		configPaths, err := searchPaths()
		if err != nil {
			return err
		}
		for _, path := range configPaths {
			viper.AddConfigPath(path)
		}
	}

	err := viper.ReadInConfig()
	if err == nil {
		return nil
	}
	var notFound viper.ConfigFileNotFoundError
	if errors.As(err, &notFound) {
		dir, dirErr := userConfigDir()
		if dirErr != nil {
			return dirErr
		}
		return createDefaultConfig(filepath.Join(dir, configFileName))
	}
	return fmt.Errorf("fatal error reading config file: %w", err)
}

// createDefaultConfig writes the current defaults to configPath and reads it back.
func createDefaultConfig(configPath string) error {
	defaults := &Settings{}
	if err := viper.Unmarshal(defaults); err != nil {
		return fmt.Errorf("error building default settings: %w", err)
	}
	// credentials from the environment are not persisted
	defaults.Tator.Token = ""
	defaults.MQTT.Password = ""
	defaults.Output.MySQL.Password = ""

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return errors.New(err).
			Component("conf").
			Category(errors.CategoryFileIO).
			Context("path", configPath).
			Build()
	}
	if err := SaveYAMLConfig(configPath, defaults); err != nil {
		return err
	}

	logger.Global().Module("conf").Info("created default config file", logger.String("path", configPath))
	viper.SetConfigFile(configPath)
	return viper.ReadInConfig()
}

// GetSettings returns the settings loaded by the last successful Load.
func GetSettings() *Settings {
	settingsMutex.RLock()
	defer settingsMutex.RUnlock()
	return settingsInstance
}

// SaveYAMLConfig writes settings to configPath atomically.
func SaveYAMLConfig(configPath string, settings *Settings) error {
	yamlData, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("error marshaling settings to YAML: %w", err)
	}

	tempFile, err := os.CreateTemp(filepath.Dir(configPath), "config-*.yaml")
	if err != nil {
		return fmt.Errorf("error creating temporary file: %w", err)
	}
	tempFileName := tempFile.Name()
	defer func() { _ = os.Remove(tempFileName) }()

	if _, err := tempFile.Write(yamlData); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("error writing to temporary file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("error closing temporary file: %w", err)
	}

	if err := os.Rename(tempFileName, configPath); err != nil {
		return fmt.Errorf("error replacing config file: %w", err)
	}
	return nil
}

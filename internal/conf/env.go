package conf

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/tphakala/trackfill/internal/errors"
)

// EnvPrefix prefixes every environment variable trackfill reads.
const EnvPrefix = "TRACKFILL"

// envBinding holds metadata for environment variable bindings.
type envBinding struct {
	ConfigKey string             // Viper config key
	EnvVar    string             // Environment variable name
	Validate  func(string) error // Optional validation function
}

// getEnvBindings returns all environment variable bindings with validation.
func getEnvBindings() []envBinding {
	return []envBinding{
		{"debug", "TRACKFILL_DEBUG", validateEnvBool},

		{"tator.host", "TRACKFILL_TATOR_HOST", validateEnvURL},
		{"tator.token", "TRACKFILL_TATOR_TOKEN", nil},
		{"tator.tokenfile", "TRACKFILL_TATOR_TOKENFILE", nil},
		{"tator.timeout", "TRACKFILL_TATOR_TIMEOUT", validateEnvDuration},

		{"detector.modelpath", "TRACKFILL_DETECTOR_MODELPATH", nil},
		{"detector.librarypath", "TRACKFILL_DETECTOR_LIBRARYPATH", nil},
		{"detector.threads", "TRACKFILL_DETECTOR_THREADS", validateEnvPositiveInt},

		{"propagation.settledelay", "TRACKFILL_PROPAGATION_SETTLEDELAY", validateEnvDuration},
		{"propagation.minconfidence", "TRACKFILL_PROPAGATION_MINCONFIDENCE", validateEnvUnitInterval},

		{"mqtt.enabled", "TRACKFILL_MQTT_ENABLED", validateEnvBool},
		{"mqtt.broker", "TRACKFILL_MQTT_BROKER", validateEnvURL},
		{"mqtt.username", "TRACKFILL_MQTT_USERNAME", nil},
		{"mqtt.password", "TRACKFILL_MQTT_PASSWORD", nil},
		{"mqtt.passwordfile", "TRACKFILL_MQTT_PASSWORDFILE", nil},

		{"output.type", "TRACKFILL_OUTPUT_TYPE", validateEnvOutputType},
		{"output.mysql.password", "TRACKFILL_OUTPUT_MYSQL_PASSWORD", nil},
		{"output.mysql.passwordfile", "TRACKFILL_OUTPUT_MYSQL_PASSWORDFILE", nil},

		{"sentry.enabled", "TRACKFILL_SENTRY_ENABLED", validateEnvBool},
		{"sentry.dsn", "TRACKFILL_SENTRY_DSN", validateEnvURL},
	}
}

// bindEnvVars binds every environment variable and validates any value that is set.
func bindEnvVars() error {
	var warnings []string

	for _, binding := range getEnvBindings() {
		if err := viper.BindEnv(binding.ConfigKey, binding.EnvVar); err != nil {
			warnings = append(warnings, fmt.Sprintf("Failed to bind %s: %v", binding.EnvVar, err))
			continue
		}
		if binding.Validate == nil {
			continue
		}
		if envValue := os.Getenv(binding.EnvVar); envValue != "" {
			if err := binding.Validate(envValue); err != nil {
				warnings = append(warnings, fmt.Sprintf("Invalid %s value '%s': %v", binding.EnvVar, envValue, err))
			}
		}
	}

	if len(warnings) > 0 {
		return errors.Newf("environment variable issues:\n  - %s", strings.Join(warnings, "\n  - ")).
			Component("conf").
			Category(errors.CategoryConfiguration).
			Build()
	}
	return nil
}

func validateEnvBool(value string) error {
	if _, err := strconv.ParseBool(value); err != nil {
		return fmt.Errorf("must be true or false")
	}
	return nil
}

func validateEnvDuration(value string) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	if d < 0 {
		return fmt.Errorf("duration must not be negative, got %s", d)
	}
	return nil
}

func validateEnvPositiveInt(value string) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid integer: %w", err)
	}
	if n <= 0 {
		return fmt.Errorf("must be positive, got %d", n)
	}
	return nil
}

func validateEnvUnitInterval(value string) error {
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("invalid number: %w", err)
	}
	if f < 0 || f > 1 {
		return fmt.Errorf("must be between 0.0 and 1.0, got %g", f)
	}
	return nil
}

func validateEnvURL(value string) error {
	u, err := url.Parse(value)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("URL must include scheme and host")
	}
	return nil
}

func validateEnvOutputType(value string) error {
	switch value {
	case outputSQLite, outputMySQL:
		return nil
	default:
		return fmt.Errorf("must be %q or %q", outputSQLite, outputMySQL)
	}
}

// configureEnvironmentVariables sets up environment variable support for viper.
func configureEnvironmentVariables() error {
	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	return bindEnvVars()
}

// LoadDotEnv loads a .env file from the working directory if one exists.
// Variables already present in the environment are not overridden.
func LoadDotEnv() error {
	return loadDotEnvFile(".env")
}

func loadDotEnvFile(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return errors.New(err).
			Component("conf").
			Category(errors.CategoryConfiguration).
			Context("path", path).
			Build()
	}
	return nil
}

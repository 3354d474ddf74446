package conf

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

const (
	outputSQLite = "sqlite"
	outputMySQL  = "mysql"
)

// ValidationError represents a collection of validation errors.
type ValidationError struct {
	Errors []string
}

// Error returns a string representation of the validation errors.
func (ve ValidationError) Error() string {
	return fmt.Sprintf("Validation errors: %v", ve.Errors)
}

// ValidateSettings validates the entire Settings struct.
func ValidateSettings(settings *Settings) error {
	ve := ValidationError{}

	validators := []func(*Settings) error{
		func(s *Settings) error { return validateTatorSettings(&s.Tator) },
		func(s *Settings) error { return validateDetectorSettings(&s.Detector) },
		func(s *Settings) error { return validatePropagationSettings(&s.Propagation) },
		func(s *Settings) error { return validateMQTTSettings(&s.MQTT) },
		func(s *Settings) error { return validateOutputSettings(&s.Output) },
		func(s *Settings) error { return validateWebServerSettings(&s.WebServer) },
		func(s *Settings) error { return validateSentrySettings(&s.Sentry) },
	}
	for _, validate := range validators {
		if err := validate(settings); err != nil {
			ve.Errors = append(ve.Errors, err.Error())
		}
	}

	if len(ve.Errors) > 0 {
		return ve
	}
	return nil
}

func validateTatorSettings(s *TatorSettings) error {
	var problems []string
	if s.Host != "" {
		if u, err := url.Parse(s.Host); err != nil || u.Scheme == "" || u.Host == "" {
			problems = append(problems, fmt.Sprintf("invalid host %q", s.Host))
		}
	}
	if s.Timeout < 0 {
		problems = append(problems, "timeout must not be negative")
	}
	if s.RequestsPerSecond < 0 {
		problems = append(problems, "requestspersecond must not be negative")
	}
	if s.MaxRetries < 0 {
		problems = append(problems, "maxretries must not be negative")
	}
	return section("tator", problems)
}

func validateDetectorSettings(s *DetectorSettings) error {
	var problems []string
	if s.InputWidth < 0 || s.InputHeight < 0 {
		problems = append(problems, "input size must not be negative")
	}
	if s.Anchors < 0 {
		problems = append(problems, "anchors must not be negative")
	}
	if s.ScoreFloor < 0 || s.ScoreFloor > 1 {
		problems = append(problems, fmt.Sprintf("scorefloor must be between 0 and 1, got %g", s.ScoreFloor))
	}
	if s.IoUThreshold < 0 || s.IoUThreshold > 1 {
		problems = append(problems, fmt.Sprintf("iouthreshold must be between 0 and 1, got %g", s.IoUThreshold))
	}
	if s.Timeout < 0 {
		problems = append(problems, "timeout must not be negative")
	}
	return section("detector", problems)
}

func validatePropagationSettings(s *PropagationSettings) error {
	var problems []string
	if s.MinConfidence < 0 || s.MinConfidence > 1 {
		problems = append(problems, fmt.Sprintf("minconfidence must be between 0 and 1, got %g", s.MinConfidence))
	}
	if s.SettleDelay < 0 {
		problems = append(problems, "settledelay must not be negative")
	}
	if s.Prefetch < 0 {
		problems = append(problems, "prefetch must not be negative")
	}
	return section("propagation", problems)
}

func validateMQTTSettings(s *MQTTSettings) error {
	if !s.Enabled {
		return nil
	}
	var problems []string
	if s.Broker == "" {
		problems = append(problems, "broker is required when enabled")
	} else if u, err := url.Parse(s.Broker); err != nil || u.Scheme == "" {
		problems = append(problems, fmt.Sprintf("invalid broker %q", s.Broker))
	}
	if s.Topic == "" {
		problems = append(problems, "topic is required when enabled")
	}
	return section("mqtt", problems)
}

func validateOutputSettings(s *OutputSettings) error {
	var problems []string
	switch s.Type {
	case outputSQLite:
		if s.SQLite.Path == "" {
			problems = append(problems, "sqlite path is required")
		}
	case outputMySQL:
		if s.MySQL.Host == "" || s.MySQL.Database == "" {
			problems = append(problems, "mysql host and database are required")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown type %q", s.Type))
	}
	return section("output", problems)
}

func validateWebServerSettings(s *WebServerSettings) error {
	if !s.Enabled {
		return nil
	}
	port, err := strconv.Atoi(s.Port)
	if err != nil || port < 1 || port > 65535 {
		return section("webserver", []string{fmt.Sprintf("invalid port %q", s.Port)})
	}
	return nil
}

func validateSentrySettings(s *SentrySettings) error {
	if s.Enabled && s.DSN == "" {
		return section("sentry", []string{"dsn is required when enabled"})
	}
	return nil
}

func section(name string, problems []string) error {
	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%s settings: %s", name, strings.Join(problems, "; "))
}

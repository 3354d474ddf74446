package conf

import (
	"github.com/tphakala/trackfill/internal/errors"
	"github.com/tphakala/trackfill/internal/secrets"
)

// resolveSecrets replaces every credential with its resolved value: the
// contents of its *file setting when set, else the value with ${VAR}
// references expanded.
func resolveSecrets(s *Settings) error {
	fields := []struct {
		key   string
		file  string
		value *string
	}{
		{"tator.token", s.Tator.TokenFile, &s.Tator.Token},
		{"mqtt.password", s.MQTT.PasswordFile, &s.MQTT.Password},
		{"output.mysql.password", s.Output.MySQL.PasswordFile, &s.Output.MySQL.Password},
	}

	var errs []error
	for _, f := range fields {
		resolved, err := secrets.Resolve(f.file, *f.value)
		if err != nil {
			errs = append(errs, errors.New(err).
				Component("conf").
				Category(errors.CategoryConfiguration).
				Context("setting", f.key).
				Build())
			continue
		}
		*f.value = resolved
	}
	return errors.Join(errs...)
}

package secrets

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/trackfill/internal/errors"
)

func TestExpandString(t *testing.T) {
	t.Setenv("TRACKFILL_TEST_TOKEN", "abc123")

	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"empty", "", "", false},
		{"literal", "literal", "literal", false},
		{"variable", "${TRACKFILL_TEST_TOKEN}", "abc123", false},
		{"embedded", "pre-${TRACKFILL_TEST_TOKEN}-post", "pre-abc123-post", false},
		{"default used", "${TRACKFILL_TEST_UNSET:-fallback}", "fallback", false},
		{"empty default", "${TRACKFILL_TEST_UNSET:-}", "", false},
		{"missing", "${TRACKFILL_TEST_UNSET}", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExpandString(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "TRACKFILL_TEST_UNSET")
				assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func writeSecret(t *testing.T, content string, mode os.FileMode) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "secret")
	require.NoError(t, os.WriteFile(path, []byte(content), mode))
	return path
}

func TestReadFile(t *testing.T) {
	t.Parallel()

	got, err := ReadFile(writeSecret(t, "s3cret\n", 0o600))
	require.NoError(t, err)
	assert.Equal(t, "s3cret", got)

	got, err = ReadFile(writeSecret(t, " spaced \r\n", 0o644))
	require.NoError(t, err)
	assert.Equal(t, " spaced ", got, "permissive files are read, inner spaces kept")
}

func TestReadFileErrors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	big := filepath.Join(dir, "big")
	require.NoError(t, os.WriteFile(big, make([]byte, maxSecretFileSize+1), 0o600))

	tests := []struct {
		name string
		path string
	}{
		{"empty path", ""},
		{"missing", filepath.Join(dir, "missing")},
		{"directory", dir},
		{"too large", big},
		{"empty file", writeSecret(t, "\n", 0o600)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := ReadFile(tt.path)
			require.Error(t, err)
			assert.True(t, errors.IsCategory(err, errors.CategoryFileIO))
		})
	}
}

func TestResolvePrefersFile(t *testing.T) {
	t.Setenv("TRACKFILL_TEST_TOKEN", "from-env")
	path := writeSecret(t, "from-file", 0o600)

	got, err := Resolve(path, "${TRACKFILL_TEST_TOKEN}")
	require.NoError(t, err)
	assert.Equal(t, "from-file", got)

	got, err = Resolve("", "${TRACKFILL_TEST_TOKEN}")
	require.NoError(t, err)
	assert.Equal(t, "from-env", got)

	got, err = Resolve("", "")
	require.NoError(t, err)
	assert.Empty(t, got)
}

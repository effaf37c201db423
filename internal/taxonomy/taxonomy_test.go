package taxonomy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultLookup(t *testing.T) {
	for _, name := range []string{"industry", "company", "comprehensive"} {
		logic, details, err := Lookup(name)
		require.NoError(t, err, name)
		assert.NotEmpty(t, logic, name)
		assert.NotEmpty(t, details, name)
	}

	logic, _, err := Lookup("  Company ")
	require.NoError(t, err)
	assert.Contains(t, logic, "Profile the company")
}

func TestLookupUnknown(t *testing.T) {
	_, _, err := Lookup("qa")
	assert.ErrorIs(t, err, ErrUnknownDomain)
}

func TestLoadOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "domains.yaml")
	require.NoError(t, os.WriteFile(path, []byte("domains:\n  travel:\n    logic: pick a place\n    details: go\n"), 0o600))

	tx, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"travel"}, tx.Names())

	logic, details, err := tx.Lookup("travel")
	require.NoError(t, err)
	assert.Equal(t, "pick a place", logic)
	assert.Equal(t, "go", details)

	_, _, err = tx.Lookup("industry")
	assert.ErrorIs(t, err, ErrUnknownDomain)
}

func TestParseRejectsBadDocuments(t *testing.T) {
	tests := map[string]string{
		"unknown field": "domains:\n  a:\n    logic: x\n    colour: red\n",
		"no domains":    "domains: {}\n",
		"missing logic": "domains:\n  a:\n    details: x\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

package dotenv

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeEnv(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFile_MissingFileIsNoop(t *testing.T) {
	t.Parallel()
	require.NoError(t, LoadFile(filepath.Join(t.TempDir(), ".env")))
}

func TestLoadFile_LoadsValuesAndPreservesExisting(t *testing.T) {
	path := writeEnv(t, t.TempDir(), ".env", ""+
		"# comment\n"+
		"SCREEN_T_FROM_FILE=loaded\n"+
		"SCREEN_T_QUOTED=\"hello world\"\n"+
		"SCREEN_T_SINGLE='a # b'\n"+
		"export SCREEN_T_EXPORTED=ok\n"+
		"SCREEN_T_INLINE=value # trailing\n"+
		"SCREEN_T_EXISTING=from_file\n"+
		"not a pair\n"+
		"1BAD=skipped\n")

	t.Setenv("SCREEN_T_EXISTING", "already_set")
	for _, k := range []string{"SCREEN_T_FROM_FILE", "SCREEN_T_QUOTED", "SCREEN_T_SINGLE", "SCREEN_T_EXPORTED", "SCREEN_T_INLINE"} {
		t.Setenv(k, "")
		require.NoError(t, os.Unsetenv(k))
	}

	require.NoError(t, LoadFile(path))

	assert.Equal(t, "loaded", os.Getenv("SCREEN_T_FROM_FILE"))
	assert.Equal(t, "hello world", os.Getenv("SCREEN_T_QUOTED"))
	assert.Equal(t, "a # b", os.Getenv("SCREEN_T_SINGLE"))
	assert.Equal(t, "ok", os.Getenv("SCREEN_T_EXPORTED"))
	assert.Equal(t, "value", os.Getenv("SCREEN_T_INLINE"))
	assert.Equal(t, "already_set", os.Getenv("SCREEN_T_EXISTING"))
	_, exists := os.LookupEnv("1BAD")
	assert.False(t, exists)
}

func TestLoadFiles_FirstFileWins(t *testing.T) {
	dir := t.TempDir()
	local := writeEnv(t, dir, ".env.local", "SCREEN_T_ORDER=local\n")
	shared := writeEnv(t, dir, ".env", "SCREEN_T_ORDER=shared\nSCREEN_T_ONLY_SHARED=yes\n")

	for _, k := range []string{"SCREEN_T_ORDER", "SCREEN_T_ONLY_SHARED"} {
		t.Setenv(k, "")
		require.NoError(t, os.Unsetenv(k))
	}

	require.NoError(t, LoadFiles(local, filepath.Join(dir, "missing"), shared))
	assert.Equal(t, "local", os.Getenv("SCREEN_T_ORDER"))
	assert.Equal(t, "yes", os.Getenv("SCREEN_T_ONLY_SHARED"))
}

func TestParseLine(t *testing.T) {
	t.Parallel()
	tests := []struct {
		line string
		key  string
		val  string
		ok   bool
	}{
		{line: "A=1", key: "A", val: "1", ok: true},
		{line: "  B = two  ", key: "B", val: "two", ok: true},
		{line: `C="x\ny"`, key: "C", val: "x\ny", ok: true},
		{line: "D=", key: "D", val: "", ok: true},
		{line: "=nokey"},
		{line: "# E=1"},
		{line: "bad-key=1"},
	}
	for _, tt := range tests {
		key, val, ok := parseLine(tt.line)
		assert.Equal(t, tt.ok, ok, tt.line)
		if tt.ok {
			assert.Equal(t, tt.key, key, tt.line)
			assert.Equal(t, tt.val, val, tt.line)
		}
	}
}

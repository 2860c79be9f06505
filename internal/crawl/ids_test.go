package crawl

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadIDs(t *testing.T) {
	ids, err := ReadIDs(strings.NewReader("730\n\n  570  \r\n# not a comment\n\t\n440"))
	require.NoError(t, err)
	assert.Equal(t, []string{"730", "570", "# not a comment", "440"}, ids)
}

func TestReadIDFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ids.txt")
	require.NoError(t, os.WriteFile(path, []byte("com.example.one\ncom.example.two\n"), 0o644))

	ids, err := ReadIDFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"com.example.one", "com.example.two"}, ids)

	_, err = ReadIDFile(filepath.Join(t.TempDir(), "missing.txt"))
	assert.Error(t, err)
}

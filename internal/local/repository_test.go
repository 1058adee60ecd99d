package local

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRepositoryWrite(t *testing.T) {
	dir := t.TempDir()
	r := New(dir, WithPrefix("batch-1"))

	require.NoError(t, r.Write(context.Background(), "nested/file.txt", strings.NewReader("hello")))

	assert.Equal(t, filepath.Join(dir, "batch-1", "nested", "file.txt"), r.Path("nested/file.txt"))
	bs, err := os.ReadFile(r.Path("nested/file.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(bs))
}

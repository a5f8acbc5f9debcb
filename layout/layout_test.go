package layout

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobisme/botcrit/criterr"
)

func TestInitIsIdempotent(t *testing.T) {
	root := t.TempDir()

	p1, err := Init(root)
	require.NoError(t, err)
	assert.NoError(t, p1.CheckVersion())

	p2, err := Init(root)
	require.NoError(t, err)
	assert.Equal(t, p1, p2)
	assert.NoError(t, p2.CheckVersion())
}

func TestCheckVersionNotInitialized(t *testing.T) {
	root := t.TempDir()
	p := For(root)
	err := p.CheckVersion()
	require.Error(t, err)
	assert.Equal(t, criterr.NotInitialized, criterr.KindOf(err))
}

func TestCheckVersionMismatch(t *testing.T) {
	root := t.TempDir()
	p := For(root)
	require.NoError(t, os.MkdirAll(p.Dir, 0o755))
	require.NoError(t, os.WriteFile(p.VersionFile, []byte("1\n"), 0o644))

	err := p.CheckVersion()
	require.Error(t, err)
	assert.Equal(t, criterr.VersionMismatch, criterr.KindOf(err))
}

func TestFindWalksUpToCritDirectory(t *testing.T) {
	root := t.TempDir()
	_, err := Init(root)
	require.NoError(t, err)

	nested := filepath.Join(root, "src", "pkg")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	p, err := Find(nested)
	require.NoError(t, err)
	assert.Equal(t, root, p.Root)
}

func TestFindNotInitialized(t *testing.T) {
	root := t.TempDir()
	_, err := Find(root)
	require.Error(t, err)
	assert.Equal(t, criterr.NotInitialized, criterr.KindOf(err))
}

func TestReviewLogPath(t *testing.T) {
	p := For("/work")
	assert.Equal(t, filepath.Join("/work", ".crit", "reviews", "cr-ab12", "events.jsonl"), p.ReviewLog("cr-ab12"))
}

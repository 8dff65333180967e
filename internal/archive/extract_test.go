package archive

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractPlainTar(t *testing.T) {
	data := tarBytes(t, map[string][]byte{
		"a.mp3":        []byte("clip a"),
		"nested/b.mp3": []byte("clip b"),
		"meta.parquet": []byte("tabular"),
	})
	archivePath := writeTemp(t, "archive.tar", data)
	dest := t.TempDir()

	require.NoError(t, Extract(archivePath, dest))

	content, err := os.ReadFile(filepath.Join(dest, "a.mp3"))
	require.NoError(t, err)
	assert.Equal(t, []byte("clip a"), content)

	content, err = os.ReadFile(filepath.Join(dest, "nested", "b.mp3"))
	require.NoError(t, err)
	assert.Equal(t, []byte("clip b"), content)
}

// A .tar.gz name with plain tar content must extract: detection is by
// magic, and the compressed variant works the same way.
func TestExtractMislabeledAndCompressed(t *testing.T) {
	data := tarBytes(t, map[string][]byte{"clip.mp3": []byte("audio")})

	t.Run("plain tar named tar.gz", func(t *testing.T) {
		archivePath := writeTemp(t, "batch.tar.gz", data)
		dest := t.TempDir()
		require.NoError(t, Extract(archivePath, dest))
		assert.FileExists(t, filepath.Join(dest, "clip.mp3"))
	})

	t.Run("gzipped tar named tar", func(t *testing.T) {
		archivePath := writeTemp(t, "batch.tar", gzipBytes(t, data))
		dest := t.TempDir()
		require.NoError(t, Extract(archivePath, dest))
		assert.FileExists(t, filepath.Join(dest, "clip.mp3"))
	})
}

func TestExtractUnknownFormat(t *testing.T) {
	archivePath := writeTemp(t, "batch.tar", []byte{0x00, 0x01, 0x02, 0x03})
	err := Extract(archivePath, t.TempDir())
	assert.ErrorIs(t, err, ErrUnknownFormat)
}

func TestExtractRejectsPathTraversal(t *testing.T) {
	data := tarBytes(t, map[string][]byte{
		"ok.mp3":        []byte("fine"),
		"../escape.mp3": []byte("bad"),
	})
	archivePath := writeTemp(t, "batch.tar", data)
	dest := t.TempDir()

	err := Extract(archivePath, dest)
	assert.ErrorIs(t, err, ErrPathTraversal)

	// Nothing may exist outside the extraction root
	parent := filepath.Dir(dest)
	assert.NoFileExists(t, filepath.Join(parent, "escape.mp3"))
}

func TestExtractRejectsAbsolutePath(t *testing.T) {
	data := tarBytes(t, map[string][]byte{"/tmp/abs.mp3": []byte("bad")})
	archivePath := writeTemp(t, "batch.tar", data)

	err := Extract(archivePath, t.TempDir())
	assert.ErrorIs(t, err, ErrPathTraversal)
}

func TestFindByExtension(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0o755))
	for _, name := range []string{"a.mp3", "b.MP3", "sub/c.mp3", "d.wav", "e.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(root, name), []byte("x"), 0o644))
	}

	matches, err := FindByExtension(root, []string{".mp3"})
	require.NoError(t, err)
	assert.Len(t, matches, 3, "extension match is case-insensitive and recursive")

	matches, err = FindByExtension(root, []string{".mp3", ".wav"})
	require.NoError(t, err)
	assert.Len(t, matches, 4)
}

func TestStem(t *testing.T) {
	assert.Equal(t, "clip", Stem("/data/scratch/b1/clip.mp3"))
	assert.Equal(t, "clip.part", Stem("clip.part.mp3"))
	assert.Equal(t, "noext", Stem("dir/noext"))
}

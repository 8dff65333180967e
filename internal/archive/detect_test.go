package archive

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tarBytes builds an in-memory tar archive with the given files.
func tarBytes(t *testing.T, files map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name,
			Mode: 0o644,
			Size: int64(len(content)),
		}))
		_, err := tw.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func gzipBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write(data)
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func writeTemp(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestDetectBytes(t *testing.T) {
	plainTar := tarBytes(t, map[string][]byte{"a.mp3": []byte("xx")})

	tests := []struct {
		name   string
		header []byte
		want   Type
	}{
		{"plain tar", plainTar, TypeTar},
		{"gzip", gzipBytes(t, plainTar), TypeGzip},
		{"bzip2", []byte("BZh91AY&SY"), TypeBzip2},
		{"random bytes", []byte{0xde, 0xad, 0xbe, 0xef}, TypeUnknown},
		{"empty", nil, TypeUnknown},
		{"short tar-ish", []byte("ustar"), TypeUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectBytes(tt.header))
		})
	}
}

// Detection must be pure over content: the same bytes classify the same
// regardless of what the file is called.
func TestDetectIgnoresExtension(t *testing.T) {
	plainTar := tarBytes(t, map[string][]byte{"clip.mp3": []byte("audio")})

	for _, name := range []string{"batch.tar", "batch.tar.gz", "batch.bin", "noext"} {
		path := writeTemp(t, name, plainTar)
		got, err := Detect(path)
		require.NoError(t, err)
		assert.Equal(t, TypeTar, got, "filename %s must not affect detection", name)
	}

	gzPath := writeTemp(t, "mislabeled.tar", gzipBytes(t, plainTar))
	got, err := Detect(gzPath)
	require.NoError(t, err)
	assert.Equal(t, TypeGzip, got)
}

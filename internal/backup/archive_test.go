package backup

import (
	"archive/tar"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"
)

func TestSuffixes(t *testing.T) {
	tests := []struct {
		name string
		want []string
	}{
		{"backup.tar.gz", []string{".tar", ".gz"}},
		{"/tmp/upload/backup.zip", []string{".zip"}},
		{"backup", nil},
		{"backup.", nil},
		{".hidden", nil},
		{"..tar.xz", []string{".xz"}},
		{"my.backup.tar", []string{".backup", ".tar"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Suffixes(tt.name))
		})
	}
}

func TestFinalSuffix(t *testing.T) {
	assert.Equal(t, ".gz", FinalSuffix("backup.tar.gz"))
	assert.Equal(t, ".sql", FinalSuffix("/srv/dump.sql"))
	assert.Equal(t, "", FinalSuffix("backup"))
	assert.Equal(t, "", FinalSuffix(".bashrc"))
	assert.Equal(t, "", FinalSuffix("backup."))
}

func TestDetectArchive(t *testing.T) {
	tests := []struct {
		name string
		kind ArchiveKind
		ok   bool
	}{
		{"a.zip", ArchiveKindZip, true},
		{"a.tar", ArchiveKindTar, true},
		{"a.tar.gz", ArchiveKindTarGz, true},
		{"a.tar.xz", ArchiveKindTarXz, true},
		{"a.tar.zst", "", false},
		{"a.tar.lz4", "", false},
		{"a.tar.bz2", "", false},
		{"a.tgz", "", false},
		{"a.gz", "", false},
		{"a.old.tar", "", false},
		{"a.zip.tar", "", false},
		{"a", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, ok := DetectArchive(tt.name)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.kind, kind)
			assert.Equal(t, tt.ok, IsArchiveFilename(tt.name))
		})
	}
}

type archiveEntry struct {
	name string
	body string
}

func writeTar(t *testing.T, w io.Writer, entries []archiveEntry) {
	t.Helper()
	tw := tar.NewWriter(w)
	for _, e := range entries {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     e.name,
			Mode:     0644,
			Size:     int64(len(e.body)),
			Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write([]byte(e.body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
}

// createArchive writes entries into dir/name using the format implied by name
func createArchive(t *testing.T, dir, name string, entries []archiveEntry) string {
	t.Helper()
	path := filepath.Join(dir, name)
	var buf bytes.Buffer

	kind, ok := DetectArchive(name)
	require.True(t, ok, "unsupported test archive %s", name)

	switch kind {
	case ArchiveKindZip:
		zw := zip.NewWriter(&buf)
		for _, e := range entries {
			w, err := zw.Create(e.name)
			require.NoError(t, err)
			_, err = w.Write([]byte(e.body))
			require.NoError(t, err)
		}
		require.NoError(t, zw.Close())
	case ArchiveKindTar:
		writeTar(t, &buf, entries)
	case ArchiveKindTarGz:
		gw := gzip.NewWriter(&buf)
		writeTar(t, gw, entries)
		require.NoError(t, gw.Close())
	case ArchiveKindTarXz:
		xw, err := xz.NewWriter(&buf)
		require.NoError(t, err)
		writeTar(t, xw, entries)
		require.NoError(t, xw.Close())
	}

	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
	return path
}

func TestExtractArchive(t *testing.T) {
	entries := []archiveEntry{
		{"config.yaml", "port: 8080"},
		{"data/db.sql", "CREATE TABLE x;"},
	}

	for _, name := range []string{"b.zip", "b.tar", "b.tar.gz", "b.tar.xz"} {
		t.Run(name, func(t *testing.T) {
			src := createArchive(t, t.TempDir(), name, entries)
			dest := t.TempDir()

			kind, _ := DetectArchive(name)
			require.NoError(t, ExtractArchive(kind, src, dest))

			data, err := os.ReadFile(filepath.Join(dest, "data", "db.sql"))
			require.NoError(t, err)
			assert.Equal(t, "CREATE TABLE x;", string(data))

			data, err = os.ReadFile(filepath.Join(dest, "config.yaml"))
			require.NoError(t, err)
			assert.Equal(t, "port: 8080", string(data))
		})
	}
}

func TestExtractArchive_RejectsEscapingEntries(t *testing.T) {
	for _, name := range []string{"evil.zip", "evil.tar"} {
		t.Run(name, func(t *testing.T) {
			src := createArchive(t, t.TempDir(), name, []archiveEntry{
				{"../outside.txt", "nope"},
			})
			parent := t.TempDir()
			dest := filepath.Join(parent, "dest")
			require.NoError(t, os.Mkdir(dest, 0755))

			kind, _ := DetectArchive(name)
			err := ExtractArchive(kind, src, dest)
			require.Error(t, err)
			assert.True(t, IsValidationError(err))

			_, statErr := os.Stat(filepath.Join(parent, "outside.txt"))
			assert.True(t, os.IsNotExist(statErr))
		})
	}
}

func TestPackTarXz_RoundTrip(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "nested"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("alpha"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "nested", "b.txt"), []byte("beta"), 0644))

	out := filepath.Join(t.TempDir(), "out", "pack.tar.xz")
	require.NoError(t, PackTarXz(src, out))

	dest := t.TempDir()
	require.NoError(t, ExtractArchive(ArchiveKindTarXz, out, dest))

	data, err := os.ReadFile(filepath.Join(dest, "nested", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "beta", string(data))
}

package historystore

import (
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeZip(t *testing.T, path string, members map[string][]byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, payload := range members {
		member, err := w.Create(name)
		require.NoError(t, err)
		_, err = member.Write(payload)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func TestPrepareHistoryWithoutSeedReturnsCanonicalPath(t *testing.T) {
	base := t.TempDir()
	result := PrepareHistory(base)
	require.Equal(t, HistoryPathForDirectory(base), result.Path)
	require.Empty(t, result.SeedSource)
	require.NoFileExists(t, result.Path)
}

func TestPrepareHistoryEmptyBaseUsesDefault(t *testing.T) {
	result := PrepareHistory("")
	require.Equal(t, DefaultHistoryPath(), result.Path)
	require.Empty(t, result.SeedSource)
}

func TestPrepareHistoryCopiesSeedFile(t *testing.T) {
	base := t.TempDir()
	seed := filepath.Join(base, "agent_chats.sqlite")
	require.NoError(t, os.WriteFile(seed, []byte("seed-bytes"), 0o644))

	result := PrepareHistory(base)
	require.Equal(t, seed, result.SeedSource)
	require.Equal(t, SeedKindFile, result.SeedKind)

	payload, err := os.ReadFile(result.Path)
	require.NoError(t, err)
	require.Equal(t, []byte("seed-bytes"), payload)

	// The seed itself is untouched.
	require.FileExists(t, seed)
}

func TestPrepareHistoryExtractsSeedArchive(t *testing.T) {
	base := t.TempDir()
	writeZip(t, filepath.Join(base, "agent_chats.zip"), map[string][]byte{
		"readme.txt":                      []byte("ignore me"),
		"exported/agent_chats.sqlite":     []byte("zipped-db"),
		"exported/agent_chats.sqlite-wal": []byte("not the payload"),
	})

	result := PrepareHistory(base)
	require.Equal(t, filepath.Join(base, "agent_chats.zip"), result.SeedSource)
	require.Equal(t, SeedKindArchive, result.SeedKind)

	payload, err := os.ReadFile(result.Path)
	require.NoError(t, err)
	require.Equal(t, []byte("zipped-db"), payload)
}

func TestPrepareHistoryArchiveInHistoryDirectory(t *testing.T) {
	base := t.TempDir()
	writeZip(t, filepath.Join(base, ".agentchat", "agent_chats.zip"), map[string][]byte{
		"agent_chats.sqlite": []byte("nested-zip-db"),
	})

	result := PrepareHistory(base)
	require.Equal(t, SeedKindArchive, result.SeedKind)

	payload, err := os.ReadFile(result.Path)
	require.NoError(t, err)
	require.Equal(t, []byte("nested-zip-db"), payload)
}

func TestPrepareHistorySeedFileWinsOverArchive(t *testing.T) {
	base := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(base, "agent_chats.sqlite"), []byte("raw"), 0o644))
	writeZip(t, filepath.Join(base, "agent_chats.zip"), map[string][]byte{
		"agent_chats.sqlite": []byte("zipped"),
	})

	result := PrepareHistory(base)
	require.Equal(t, SeedKindFile, result.SeedKind)

	payload, err := os.ReadFile(result.Path)
	require.NoError(t, err)
	require.Equal(t, []byte("raw"), payload)
}

func TestPrepareHistoryNeverOverwritesExisting(t *testing.T) {
	base := t.TempDir()
	canonical := HistoryPathForDirectory(base)
	require.NoError(t, os.MkdirAll(filepath.Dir(canonical), 0o755))
	require.NoError(t, os.WriteFile(canonical, []byte("live-data"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(base, "agent_chats.sqlite"), []byte("seed"), 0o644))

	result := PrepareHistory(base)
	require.Equal(t, canonical, result.Path)
	require.Empty(t, result.SeedSource)

	payload, err := os.ReadFile(canonical)
	require.NoError(t, err)
	require.Equal(t, []byte("live-data"), payload)
}

func TestPrepareHistorySecondCallIsIdempotent(t *testing.T) {
	base := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(base, "agent_chats.sqlite"), []byte("seed"), 0o644))

	first := PrepareHistory(base)
	require.Equal(t, SeedKindFile, first.SeedKind)

	second := PrepareHistory(base)
	require.Equal(t, first.Path, second.Path)
	require.Empty(t, second.SeedSource, "seeding happens once")
}

func TestPrepareHistoryArchiveWithoutPayloadDegrades(t *testing.T) {
	base := t.TempDir()
	writeZip(t, filepath.Join(base, "agent_chats.zip"), map[string][]byte{
		"notes.txt": []byte("nothing useful"),
	})

	result := PrepareHistory(base)
	require.Equal(t, HistoryPathForDirectory(base), result.Path)
	require.Empty(t, result.SeedSource)
	require.NoFileExists(t, result.Path)
}

func TestPrepareHistoryCorruptArchiveDegrades(t *testing.T) {
	base := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(base, "agent_chats.zip"), []byte("not a zip"), 0o644))

	result := PrepareHistory(base)
	require.Equal(t, HistoryPathForDirectory(base), result.Path)
	require.Empty(t, result.SeedSource)
}

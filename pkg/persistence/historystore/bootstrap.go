package historystore

import (
	"archive/zip"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// SeedKind describes how a fresh history file was seeded.
type SeedKind string

const (
	SeedKindFile    SeedKind = "file"
	SeedKindArchive SeedKind = "archive"
)

// BootstrapResult describes the outcome of preparing a history file for use.
type BootstrapResult struct {
	Path       string
	SeedSource string
	SeedKind   SeedKind
}

// PrepareHistory returns a ready-to-use history path for baseDirectory.
// When the directory ships a packaged demo history (raw file or zip archive),
// it is copied into the canonical location on demand. An existing canonical
// file is never overwritten, and any seeding failure degrades to returning
// the canonical path so first real use starts empty.
func PrepareHistory(baseDirectory string) BootstrapResult {
	historyPath := HistoryPathForDirectory(baseDirectory)
	if baseDirectory == "" {
		return BootstrapResult{Path: historyPath}
	}
	basePath := NormalizePath(baseDirectory)
	if fileExists(historyPath) {
		return BootstrapResult{Path: historyPath}
	}

	if seed := findSeedFile(basePath); seed != "" {
		if err := copySeedFile(seed, historyPath); err != nil {
			log.Warn().Err(err).Str("seed", seed).Str("target", historyPath).
				Msg("failed to copy seeded chat history")
		} else {
			return BootstrapResult{Path: historyPath, SeedSource: seed, SeedKind: SeedKindFile}
		}
	}

	if archive := findSeedArchive(basePath); archive != "" {
		if err := extractSeedArchive(archive, historyPath); err != nil {
			log.Warn().Err(err).Str("archive", archive).Str("target", historyPath).
				Msg("failed to extract seeded chat history")
		} else {
			return BootstrapResult{Path: historyPath, SeedSource: archive, SeedKind: SeedKindArchive}
		}
	}

	return BootstrapResult{Path: historyPath}
}

func fileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

func findSeedFile(basePath string) string {
	candidates := []string{
		filepath.Join(basePath, historyFileName),
		filepath.Join(basePath, historyDirName, historyFileName),
	}
	for _, candidate := range candidates {
		if fileExists(candidate) {
			return candidate
		}
	}
	return ""
}

func findSeedArchive(basePath string) string {
	candidates := []string{
		filepath.Join(basePath, "agent_chats.zip"),
		filepath.Join(basePath, historyDirName, "agent_chats.zip"),
	}
	for _, candidate := range candidates {
		if fileExists(candidate) {
			return candidate
		}
	}
	return ""
}

func copySeedFile(source, target string) error {
	if source == target {
		return nil
	}
	src, err := os.Open(source)
	if err != nil {
		return errors.Wrap(err, "history bootstrap: open seed")
	}
	defer func() { _ = src.Close() }()
	return writeAtomically(target, src)
}

func extractSeedArchive(archive, target string) error {
	reader, err := zip.OpenReader(archive)
	if err != nil {
		return errors.Wrap(err, "history bootstrap: open archive")
	}
	defer func() { _ = reader.Close() }()

	member := resolveArchiveMember(&reader.Reader)
	if member == nil {
		return errors.Errorf("history bootstrap: archive %s does not contain a chat history payload", archive)
	}
	stream, err := member.Open()
	if err != nil {
		return errors.Wrap(err, "history bootstrap: open archive member")
	}
	defer func() { _ = stream.Close() }()
	return writeAtomically(target, stream)
}

// resolveArchiveMember picks the first archive member whose base name ends in
// the history file extension.
func resolveArchiveMember(reader *zip.Reader) *zip.File {
	for _, f := range reader.File {
		normalized := strings.TrimRight(f.Name, "/")
		if normalized == "" {
			continue
		}
		if strings.HasSuffix(path.Base(normalized), ".sqlite") {
			return f
		}
	}
	return nil
}

// writeAtomically copies src through a temporary file in the destination
// directory and renames it into place, so a crash mid-copy never leaves a
// partially written canonical file.
func writeAtomically(target string, src io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return errors.Wrap(err, "history bootstrap: create target directory")
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), historyFileName+"-*.tmp")
	if err != nil {
		return errors.Wrap(err, "history bootstrap: create temporary file")
	}
	tmpPath := tmp.Name()
	if _, err := io.Copy(tmp, src); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return errors.Wrap(err, "history bootstrap: copy seed payload")
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrap(err, "history bootstrap: close temporary file")
	}
	if err := os.Rename(tmpPath, target); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrap(err, "history bootstrap: move seed into place")
	}
	return nil
}

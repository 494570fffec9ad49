package historystore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	historyDirName  = ".agentchat"
	historyFileName = "agent_chats.sqlite"
)

// DefaultHistoryPath returns the per-user fallback location for the history
// file.
func DefaultHistoryPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(historyDirName, historyFileName)
	}
	return filepath.Join(home, historyDirName, historyFileName)
}

// NormalizePath expands a leading "~" and cleans the path.
func NormalizePath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") || strings.HasPrefix(path, "~"+string(filepath.Separator)) {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, strings.TrimPrefix(path[1:], string(filepath.Separator)))
		}
	}
	return filepath.Clean(path)
}

// HistoryPathForDirectory returns the canonical history file path colocated
// with a document base directory. An empty base selects the per-user default.
func HistoryPathForDirectory(baseDirectory string) string {
	if baseDirectory == "" {
		return DefaultHistoryPath()
	}
	return filepath.Join(NormalizePath(baseDirectory), historyDirName, historyFileName)
}

// DSNForFile builds the sqlite DSN for a history file. busy_timeout avoids
// transient SQLITE_BUSY, foreign_keys makes entry deletion cascade.
func DSNForFile(path string) string {
	return fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=on", path)
}

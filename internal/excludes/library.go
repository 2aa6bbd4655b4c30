// Package excludes provides the transient-path patterns skipped by full,
// incremental and differential captures, and a matcher over them.
package excludes

import (
	"path"
	"path/filepath"
	"strings"
)

// Category represents a category of exclude patterns.
type Category string

const (
	CategoryOS      Category = "os"
	CategoryTemp    Category = "temp"
	CategoryCache   Category = "cache"
	CategoryLogs    Category = "logs"
	CategoryRuntime Category = "runtime"
	CategoryBackup  Category = "backup"
)

// BuiltInPattern is a named group of exclude patterns. A pattern ending in
// "/" matches a directory name; any other pattern matches a file base name
// using filepath.Match syntax.
type BuiltInPattern struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Patterns    []string `json:"patterns"`
	Category    Category `json:"category"`
}

// Library contains all built-in exclude patterns.
var Library = []BuiltInPattern{
	{
		Name:        "OS metadata",
		Description: "Desktop and filesystem metadata files",
		Category:    CategoryOS,
		Patterns:    []string{".DS_Store", "._*", "Thumbs.db", "desktop.ini", ".Trash-*/", "lost+found/"},
	},
	{
		Name:        "Temporary Files",
		Description: "Scratch files and directories",
		Category:    CategoryTemp,
		Patterns:    []string{"*.tmp", "*.temp", "*.swp", "*.swo", "*~", "*.partial", "tmp/", "temp/"},
	},
	{
		Name:        "Caches",
		Description: "Rebuildable caches",
		Category:    CategoryCache,
		Patterns:    []string{"cache/", ".cache/", "__pycache__/", "node_modules/"},
	},
	{
		Name:        "Log Files",
		Description: "Application logs",
		Category:    CategoryLogs,
		Patterns:    []string{"*.log", "*.log.*", "logs/", "log/"},
	},
	{
		Name:        "Runtime State",
		Description: "Sockets, pid files and lock files of running processes",
		Category:    CategoryRuntime,
		Patterns:    []string{"*.pid", "*.sock", "*.lock", "*-wal", "*-shm", "run/"},
	},
	{
		Name:        "Backup Output",
		Description: "Previously produced backup and restore artifacts",
		Category:    CategoryBackup,
		Patterns:    []string{"*.enc", "backups/", "restore/"},
	},
}

// GetAllCategories returns a list of all available categories.
func GetAllCategories() []Category {
	return []Category{CategoryOS, CategoryTemp, CategoryCache, CategoryLogs, CategoryRuntime, CategoryBackup}
}

// GetPatternsByCategory returns all built-in patterns for a given category.
func GetPatternsByCategory(category Category) []BuiltInPattern {
	var patterns []BuiltInPattern
	for _, p := range Library {
		if p.Category == category {
			patterns = append(patterns, p)
		}
	}
	return patterns
}

// FlattenPatterns takes a list of BuiltInPatterns and returns all patterns as a single slice.
func FlattenPatterns(patterns []BuiltInPattern) []string {
	var result []string
	seen := make(map[string]bool)
	for _, p := range patterns {
		for _, pattern := range p.Patterns {
			if !seen[pattern] {
				seen[pattern] = true
				result = append(result, pattern)
			}
		}
	}
	return result
}

// Transient returns the patterns every full capture skips.
func Transient() []string {
	return FlattenPatterns(Library)
}

// Matcher decides whether a path inside a capture root is excluded.
type Matcher struct {
	dirs  []string
	files []string
}

// NewMatcher compiles patterns. Invalid globs are kept and simply never match.
func NewMatcher(patterns []string) *Matcher {
	m := &Matcher{}
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if strings.HasSuffix(p, "/") {
			m.dirs = append(m.dirs, strings.TrimSuffix(p, "/"))
			continue
		}
		m.files = append(m.files, p)
	}
	return m
}

// Excluded reports whether rel, a slash- or OS-separated path relative to the
// capture root, should be skipped. isDir selects directory patterns.
func (m *Matcher) Excluded(rel string, isDir bool) bool {
	if m == nil {
		return false
	}
	base := path.Base(filepath.ToSlash(rel))
	patterns := m.files
	if isDir {
		patterns = m.dirs
	}
	for _, p := range patterns {
		if ok, _ := filepath.Match(p, base); ok {
			return true
		}
	}
	return false
}

// Package projects resolves and lists project directories under a root.
package projects

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Dir is one directory candidate.
type Dir struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// Root is the directory new projects may be created in.
type Root string

// DefaultRoot returns ~/ai/projects.
func DefaultRoot() Root {
	home, err := os.UserHomeDir()
	if err != nil {
		return Root(filepath.Join(".", "projects"))
	}
	return Root(filepath.Join(home, "ai", "projects"))
}

// Resolve checks that path exists. A missing path is created only when it is
// a direct child of the root.
func (r Root) Resolve(path string) (string, error) {
	clean := filepath.Clean(path)
	if info, err := os.Stat(clean); err == nil {
		if !info.IsDir() {
			return "", fmt.Errorf("project path is not a directory: %s", path)
		}
		return clean, nil
	}

	root := filepath.Clean(string(r))
	if r != "" && filepath.Dir(clean) == root && clean != root {
		if err := os.MkdirAll(clean, 0o755); err != nil {
			return "", fmt.Errorf("create project dir: %w", err)
		}
		return clean, nil
	}
	return "", fmt.Errorf("project path does not exist: %s", path)
}

// List returns directory suggestions for query. An empty or relative query
// searches the root by name; an absolute query ending in a slash lists that
// directory; any other absolute query lists its parent filtered by prefix.
func (r Root) List(query string) []Dir {
	switch {
	case query == "":
		return listDirs(string(r), "")
	case !filepath.IsAbs(query):
		return listDirs(string(r), query)
	case strings.HasSuffix(query, "/"):
		return listDirs(query, "")
	default:
		return listDirs(filepath.Dir(query), filepath.Base(query))
	}
}

func listDirs(dir, filter string) []Dir {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return []Dir{}
	}
	filter = strings.ToLower(filter)

	dirs := []Dir{}
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") || name == "node_modules" {
			continue
		}
		path := filepath.Join(dir, name)
		info, err := os.Stat(path)
		if err != nil || !info.IsDir() {
			continue
		}
		if filter != "" && !strings.Contains(strings.ToLower(name), filter) {
			continue
		}
		dirs = append(dirs, Dir{Name: name, Path: path})
	}
	sort.Slice(dirs, func(i, j int) bool { return dirs[i].Name < dirs[j].Name })
	return dirs
}

package git

import (
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
)

// maxTreeEntries caps the listing included in prompts
const maxTreeEntries = 200

var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
	"target":       true,
	"dist":         true,
	"__pycache__":  true,
	".venv":        true,
}

// TreeSummary lists the files in a worktree up to maxDepth levels deep,
// one relative path per line, directories suffixed with "/"
func TreeSummary(root string, maxDepth int) string {
	var entries []string
	truncated := false

	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || path == root {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		depth := strings.Count(rel, string(filepath.Separator)) + 1

		if d.IsDir() {
			if skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			if depth > maxDepth {
				return filepath.SkipDir
			}
			rel += "/"
		} else if depth > maxDepth {
			return nil
		}

		if len(entries) >= maxTreeEntries {
			truncated = true
			return filepath.SkipAll
		}
		entries = append(entries, filepath.ToSlash(rel))
		return nil
	})

	if len(entries) == 0 {
		return "(empty repository)"
	}
	sort.Strings(entries)
	if truncated {
		entries = append(entries, "...")
	}
	return strings.Join(entries, "\n")
}

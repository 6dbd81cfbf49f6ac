// Copyright 2025 James Ross
// DirectorySource is a batch convenience: it walks a directory tree,
// filtering files through include/exclude doublestar globs, and returns one
// FileSource per match — sugar over the public FileSource constructor, not
// a new transport.
package ingest

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// DirectoryOptions configures DirectorySource's walk.
type DirectoryOptions struct {
	// IncludeGlobs, if non-empty, restricts matches to files whose
	// root-relative path matches at least one pattern. Empty means "match
	// everything".
	IncludeGlobs []string
	// ExcludeGlobs drops any match from IncludeGlobs (or from the
	// unrestricted walk) whose root-relative path matches.
	ExcludeGlobs []string
}

// DirectorySource walks root, returning a FileSource for every file that
// passes IncludeGlobs/ExcludeGlobs, tagged with format. A walk error (e.g. a
// permission-denied subdirectory) aborts the scan and is returned as-is.
func DirectorySource(root string, format Format, opts DirectoryOptions) ([]IngestionSource, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}

	var sources []IngestionSource
	walkErr := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil
		}
		if !strings.HasPrefix(abs, absRoot+string(os.PathSeparator)) && abs != absRoot {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}

		if len(opts.IncludeGlobs) > 0 {
			matched := false
			for _, g := range opts.IncludeGlobs {
				if ok, _ := doublestar.PathMatch(g, rel); ok {
					matched = true
					break
				}
			}
			if !matched {
				return nil
			}
		}
		for _, g := range opts.ExcludeGlobs {
			if ok, _ := doublestar.PathMatch(g, rel); ok {
				return nil
			}
		}

		sources = append(sources, FileSource(path, format))
		return nil
	})
	if walkErr != nil {
		return nil, walkErr
	}
	return sources, nil
}

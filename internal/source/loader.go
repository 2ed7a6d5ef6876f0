// Package source scans directories of .star files into source units.
// The qualified name of a unit is its path relative to the root, with
// directories as package segments: com/acme/InvoiceTrigger.star becomes
// com.acme.InvoiceTrigger.
package source

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/leapstack-labs/tenantrt/pkg/core"
)

// Ext is the extension of source files.
const Ext = ".star"

// Loader scans a directory tree for source files.
type Loader struct {
	dir string
}

// NewLoader creates a loader rooted at dir.
func NewLoader(dir string) *Loader {
	return &Loader{dir: dir}
}

// File is one source file found by the loader.
type File struct {
	Unit *core.SourceUnit
	// Path is the file the unit was read from.
	Path string
}

// Load reads every source file below the root, sorted by qualified name.
// A missing root yields no files.
func (l *Loader) Load() ([]File, error) {
	info, err := os.Stat(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to access source directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("source path is not a directory: %s", l.dir)
	}

	var files []File
	err = filepath.WalkDir(l.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != l.dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if filepath.Ext(path) != Ext {
			return nil
		}
		f, err := l.loadFile(path)
		if err != nil {
			return err
		}
		files = append(files, f)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].Unit.QualifiedName() < files[j].Unit.QualifiedName()
	})
	return files, nil
}

// QualifiedName derives the qualified name of a file below the root.
func (l *Loader) QualifiedName(path string) (string, error) {
	rel, err := filepath.Rel(l.dir, path)
	if err != nil {
		return "", err
	}
	rel = strings.TrimSuffix(filepath.ToSlash(rel), Ext)
	segments := strings.Split(rel, "/")
	for _, seg := range segments {
		if err := validateSegment(seg); err != nil {
			return "", err
		}
	}
	return strings.Join(segments, "."), nil
}

func (l *Loader) loadFile(path string) (File, error) {
	content, err := os.ReadFile(path) //nolint:gosec // G304: path comes from WalkDir below the source root
	if err != nil {
		return File{}, &LoadError{File: path, Message: fmt.Sprintf("failed to read file: %v", err)}
	}

	qn, err := l.QualifiedName(path)
	if err != nil {
		return File{}, &LoadError{File: path, Message: err.Error()}
	}
	pkg, name := core.SplitQualifiedName(qn)

	return File{
		Unit: &core.SourceUnit{Package: pkg, Name: name, Source: string(content)},
		Path: path,
	}, nil
}

// validateSegment checks that a path segment is a valid identifier.
func validateSegment(name string) error {
	if name == "" {
		return fmt.Errorf("name segment cannot be empty")
	}
	for i, r := range name {
		if i == 0 {
			if !isLetter(r) && r != '_' {
				return fmt.Errorf("name must start with letter or underscore: %s", name)
			}
		} else if !isLetter(r) && !isDigit(r) && r != '_' {
			return fmt.Errorf("name contains invalid character: %s", name)
		}
	}
	return nil
}

func isLetter(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

func isDigit(r rune) bool {
	return r >= '0' && r <= '9'
}

// LoadError is a source file that could not be turned into a unit.
type LoadError struct {
	File    string
	Message string
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("%s: %s", filepath.Base(e.File), e.Message)
}

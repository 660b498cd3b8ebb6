// Package chart extracts title serial codes from markdown chart files.
package chart

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// serialPattern matches release serial codes such as ABP-123.
var serialPattern = regexp.MustCompile(`[A-Z]{2,}-\d{2,}`)

// Entry is one title extracted from a chart.
type Entry struct {
	SerialCode string
	// Position is the 1-based order of first appearance in the chart.
	Position int
	// Source is the chart file the entry came from, when known.
	Source string
}

// ExtractSerials returns the serial codes in content in order of first
// appearance, deduplicated.
func ExtractSerials(content string) []string {
	matches := serialPattern.FindAllString(content, -1)
	if len(matches) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(matches))
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		if _, dup := seen[m]; dup {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out
}

// Parse reads one chart and returns its entries in chart order.
func Parse(r io.Reader) ([]Entry, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read chart: %w", err)
	}

	serials := ExtractSerials(string(content))
	entries := make([]Entry, len(serials))
	for i, serial := range serials {
		entries[i] = Entry{SerialCode: serial, Position: i + 1}
	}
	return entries, nil
}

// ParseFile reads one chart file.
func ParseFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open chart %s: %w", path, err)
	}
	defer f.Close()

	entries, err := Parse(f)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		entries[i].Source = filepath.Base(path)
	}
	return entries, nil
}

// ParseDir reads every markdown chart under dir, in lexical file order.
// Entries keep per-file positions; duplicates across files are dropped,
// first file wins.
func ParseDir(dir string) ([]Entry, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.EqualFold(filepath.Ext(path), ".md") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk chart dir %s: %w", dir, err)
	}
	sort.Strings(files)

	seen := make(map[string]struct{})
	var out []Entry
	for _, path := range files {
		entries, err := ParseFile(path)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if _, dup := seen[e.SerialCode]; dup {
				continue
			}
			seen[e.SerialCode] = struct{}{}
			out = append(out, e)
		}
	}
	return out, nil
}

// Copyright (c) 2026 Keyloader Team
// Keyloader - PED key injection system
// This source code is licensed under the MIT license found in the LICENSE file.

// i18n-linter checks translation keys. Every key passed to i18n.T must exist
// in the primary locale, every other locale must carry the primary's keys,
// and primary keys no code refers to are reported as orphaned.
//
// Usage (from the repository root):
//
//	go run ./tools/i18n-linter
package main

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Location stores the file and line number of a found key.
type Location struct {
	Filepath string
	Line     int
}

const (
	localesDir    = "internal/i18n/locales"
	primaryLocale = "en.yaml"
)

// keyCall matches i18n.T("key", ...), i18n.T("key") and the prefix form
// i18n.T("prefix." + suffix).
var keyCall = regexp.MustCompile(`i18n\.T\("([a-z0-9_.]+)"\s*([,)+])`)

// skipDirs are never scanned for source files.
var skipDirs = map[string]bool{"tools": true, "_examples": true, ".git": true, "vendor": true}

type report struct {
	Missing  map[string][]Location
	Orphaned []string
	// Untranslated maps a secondary locale to the primary keys it lacks.
	Untranslated map[string][]string
}

func (r report) failed() bool { return len(r.Missing) > 0 || len(r.Untranslated) > 0 }

func main() {
	r, err := lint(".")
	if err != nil {
		fmt.Fprintf(os.Stderr, "i18n-linter: %v\n", err)
		os.Exit(1)
	}
	printReport(r)
	if r.failed() {
		os.Exit(1)
	}
}

func printReport(r report) {
	fmt.Println("--- Keys used in code but missing from " + primaryLocale + " ---")
	if len(r.Missing) == 0 {
		fmt.Println("  none")
	}
	for _, k := range sortedKeys(r.Missing) {
		loc := r.Missing[k][0]
		fmt.Printf("  - %s (%s:%d)\n", k, loc.Filepath, loc.Line)
	}

	fmt.Println("--- Keys missing from secondary locales ---")
	if len(r.Untranslated) == 0 {
		fmt.Println("  none")
	}
	for _, file := range sortedKeys(r.Untranslated) {
		for _, k := range r.Untranslated[file] {
			fmt.Printf("  - %s: %s\n", file, k)
		}
	}

	fmt.Println("--- Orphaned keys (never used in code) ---")
	if len(r.Orphaned) == 0 {
		fmt.Println("  none")
	}
	for _, k := range r.Orphaned {
		fmt.Printf("  - %s\n", k)
	}
}

func lint(root string) (report, error) {
	used, prefixes, err := findUsedKeys(root)
	if err != nil {
		return report{}, fmt.Errorf("scan sources: %w", err)
	}
	primary, err := loadKeysFromLocale(filepath.Join(root, localesDir, primaryLocale))
	if err != nil {
		return report{}, fmt.Errorf("load %s: %w", primaryLocale, err)
	}

	r := report{Missing: map[string][]Location{}, Untranslated: map[string][]string{}}
	for k, locs := range used {
		if _, ok := primary[k]; !ok {
			r.Missing[k] = locs
		}
	}
	for k := range primary {
		if _, ok := used[k]; ok {
			continue
		}
		if hasPrefix(k, prefixes) {
			continue
		}
		r.Orphaned = append(r.Orphaned, k)
	}
	sort.Strings(r.Orphaned)

	files, err := filepath.Glob(filepath.Join(root, localesDir, "*.yaml"))
	if err != nil {
		return report{}, err
	}
	for _, file := range files {
		if filepath.Base(file) == primaryLocale {
			continue
		}
		keys, err := loadKeysFromLocale(file)
		if err != nil {
			return report{}, fmt.Errorf("load %s: %w", file, err)
		}
		var missing []string
		for k := range primary {
			if _, ok := keys[k]; !ok {
				missing = append(missing, k)
			}
		}
		if len(missing) > 0 {
			sort.Strings(missing)
			r.Untranslated[filepath.Base(file)] = missing
		}
	}
	return r, nil
}

func hasPrefix(key string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

// findUsedKeys scans non-test .go files for i18n.T calls. Calls that build
// the key by concatenation contribute a prefix instead.
func findUsedKeys(root string) (map[string][]Location, []string, error) {
	keys := map[string][]Location{}
	var prefixes []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(path, ".go") || strings.HasSuffix(path, "_test.go") {
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		for i, line := range strings.Split(string(content), "\n") {
			for _, m := range keyCall.FindAllStringSubmatch(line, -1) {
				if m[2] == "+" {
					prefixes = append(prefixes, m[1])
					continue
				}
				keys[m[1]] = append(keys[m[1]], Location{Filepath: path, Line: i + 1})
			}
		}
		return nil
	})
	return keys, prefixes, err
}

// loadKeysFromLocale reads a YAML file and returns a flat map of its keys.
func loadKeysFromLocale(path string) (map[string]struct{}, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var data map[string]interface{}
	if err := yaml.Unmarshal(content, &data); err != nil {
		return nil, err
	}
	keys := make(map[string]struct{})
	flattenYAML("", data, keys)
	return keys, nil
}

// flattenYAML converts a nested map into dot-separated keys.
func flattenYAML(prefix string, node interface{}, keys map[string]struct{}) {
	switch v := node.(type) {
	case map[string]interface{}:
		for k, val := range v {
			next := k
			if prefix != "" {
				next = prefix + "." + k
			}
			flattenYAML(next, val, keys)
		}
	default:
		if prefix != "" {
			keys[prefix] = struct{}{}
		}
	}
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

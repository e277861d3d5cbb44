package config

import (
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"reflect"
	"slices"

	"gopkg.in/yaml.v3"
)

// namedSections are the top-level sections keyed by resource name: packages,
// playgrounds, sources, and secrets. Their entries merge by name across
// files, so one file can declare a bundle and another fill it in.
var namedSections = map[string]bool{
	"packages":    true,
	"playgrounds": true,
	"sources":     true,
	"secrets":     true,
}

// Merge reads the given configuration files (directories are walked) and
// folds them into a single YAML document, section by section. With
// conflictError set, two files assigning different scalar values to the same
// path is an error; otherwise the later file wins.
func Merge(configFiles []string, conflictError bool) ([]byte, error) {

	var paths []string
	for _, f := range configFiles {
		if err := filepath.Walk(f, func(path string, fi fs.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if fi.IsDir() {
				return nil
			}
			paths = append(paths, path)
			return nil
		}); err != nil {
			return nil, err
		}
	}

	result := make(map[string]any)
	for _, f := range paths {
		bs, err := os.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read configuration file %v: %v", f, err)
		}
		var doc map[string]any
		if err := yaml.Unmarshal(bs, &doc); err != nil {
			return nil, fmt.Errorf("failed to unmarshal configuration file %v: %v", f, err)
		}
		if err := mergeRoot(result, doc, conflictError); err != nil {
			return nil, err
		}
	}

	bs, err := yaml.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal merged configuration: %v", err)
	}

	return bs, nil
}

// mergeRoot folds one document into the accumulated configuration. Sections
// are visited in sorted order so merge errors are deterministic.
func mergeRoot(result, doc map[string]any, conflictError bool) error {
	for _, section := range slices.Sorted(maps.Keys(doc)) {
		var (
			merged any
			err    error
		)
		if namedSections[section] {
			merged, err = mergeNamed(result[section], doc[section], section, conflictError)
		} else {
			merged, err = mergeValue(result[section], doc[section], "/"+section, conflictError)
		}
		if err != nil {
			return err
		}
		result[section] = merged
	}
	return nil
}

// mergeNamed merges a name-keyed section. An entry given as null reserves
// the name without clobbering a definition from another file:
//
//	sources:
//	  core:
//
// declares the source and leaves its configuration to a later file, or keeps
// an earlier one.
func mergeNamed(existing, incoming any, section string, conflictError bool) (any, error) {
	incomingEntries, ok := incoming.(map[string]any)
	if !ok {
		if incoming == nil {
			return existing, nil
		}
		return nil, fmt.Errorf("configuration section %s is not a mapping", section)
	}

	entries, ok := existing.(map[string]any)
	if !ok {
		entries = make(map[string]any, len(incomingEntries))
	}

	for _, name := range slices.Sorted(maps.Keys(incomingEntries)) {
		entry := incomingEntries[name]
		if entry == nil {
			if _, declared := entries[name]; !declared {
				entries[name] = nil
			}
			continue
		}
		merged, err := mergeValue(entries[name], entry, "/"+section+"/"+name, conflictError)
		if err != nil {
			return nil, err
		}
		entries[name] = merged
	}
	return entries, nil
}

// mergeValue merges mappings recursively; for anything else the later file
// wins, or conflicting values are an error when conflictError is set.
func mergeValue(existing, incoming any, path string, conflictError bool) (any, error) {
	existingMap, ok1 := existing.(map[string]any)
	incomingMap, ok2 := incoming.(map[string]any)
	if ok1 && ok2 {
		for _, key := range slices.Sorted(maps.Keys(incomingMap)) {
			merged, err := mergeValue(existingMap[key], incomingMap[key], path+"/"+key, conflictError)
			if err != nil {
				return nil, err
			}
			existingMap[key] = merged
		}
		return existingMap, nil
	}

	if existing != nil && conflictError && !reflect.DeepEqual(existing, incoming) {
		return nil, fmt.Errorf("conflict for config path %s", path)
	}
	return incoming, nil
}

// Package templates embeds the example manifests shipped with the CLI.
package templates

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
)

// ErrUnknownExample is returned by Example for a name that is not embedded.
var ErrUnknownExample = errors.New("unknown example")

// The structure is manifests/<name>.yaml.
//
//go:embed manifests
var manifests embed.FS

// ManifestFS returns the embedded filesystem rooted at the manifests directory.
func ManifestFS() fs.FS {
	sub, err := fs.Sub(manifests, "manifests")
	if err != nil {
		panic(err) // directory is embedded above
	}
	return sub
}

// Names lists the embedded examples, sorted.
func Names() []string {
	entries, err := fs.ReadDir(ManifestFS(), ".")
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if name, ok := strings.CutSuffix(e.Name(), ".yaml"); ok && !e.IsDir() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Example returns the manifest called name.
func Example(name string) ([]byte, error) {
	data, err := fs.ReadFile(ManifestFS(), path.Clean(name)+".yaml")
	if err != nil {
		return nil, fmt.Errorf("%w: %s (have %s)", ErrUnknownExample, name, strings.Join(Names(), ", "))
	}
	return data, nil
}

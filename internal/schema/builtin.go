package schema

import (
	"embed"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"

	"golang.org/x/mod/semver"
)

// Kinds of built-in schemas.
const (
	KindMetadata = "cbc-meta-data"
	KindIndex    = "cbc-library-index"
)

const builtinSuffix = ".schema.json"

var ErrNoSuchVersion = errors.New("no such schema version")

//go:embed schemas/*.schema.json
var builtinFS embed.FS

var (
	builtinMu    sync.Mutex
	builtinCache = map[string]*Schema{}
)

// splitBuiltinName splits "cbc-meta-data-v1.0.0.schema.json" into kind and version.
func splitBuiltinName(name string) (kind, version string, ok bool) {
	base, ok := strings.CutSuffix(name, builtinSuffix)
	if !ok {
		return "", "", false
	}
	i := strings.LastIndex(base, "-v")
	if i < 0 {
		return "", "", false
	}
	kind, version = base[:i], base[i+1:]
	if !semver.IsValid(version) {
		return "", "", false
	}
	return kind, version, true
}

// Versions returns the available versions of the given built-in schema kind,
// in ascending semver order.
func Versions(kind string) []string {
	entries, err := builtinFS.ReadDir("schemas")
	if err != nil {
		return nil
	}
	var versions []string
	for _, e := range entries {
		k, v, ok := splitBuiltinName(e.Name())
		if ok && k == kind {
			versions = append(versions, v)
		}
	}
	semver.Sort(versions)
	return versions
}

// Builtin returns an embedded schema of the given kind.
// version may be empty (latest), a major version ("v1"), a major.minor
// version ("v1.0") or an exact version ("v1.0.0"). The leading "v" is optional.
func Builtin(kind, version string) (*Schema, error) {
	if version != "" && !strings.HasPrefix(version, "v") {
		version = "v" + version
	}
	if version != "" && !semver.IsValid(version) {
		return nil, fmt.Errorf("%w: %s %q is not a valid version", ErrNoSuchVersion, kind, version)
	}
	var match string
	for _, v := range Versions(kind) {
		switch version {
		case "", semver.Major(v), semver.MajorMinor(v), v:
			match = v // ascending order: the last match is the latest
		}
	}
	if match == "" {
		return nil, fmt.Errorf("%w: %s %s", ErrNoSuchVersion, kind, version)
	}
	name := path.Join("schemas", kind+"-"+match+builtinSuffix)

	builtinMu.Lock()
	defer builtinMu.Unlock()
	if s, ok := builtinCache[name]; ok {
		return s, nil
	}
	raw, err := builtinFS.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("could not read built-in schema %s: %w", name, err)
	}
	s, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid built-in schema %s: %w", name, err)
	}
	builtinCache[name] = s
	return s, nil
}

// Metadata returns the latest built-in metadata schema.
func Metadata() *Schema {
	s, err := Builtin(KindMetadata, "")
	if err != nil {
		panic(err)
	}
	return s
}

// Index returns the latest built-in library index schema.
func Index() *Schema {
	s, err := Builtin(KindIndex, "")
	if err != nil {
		panic(err)
	}
	return s
}

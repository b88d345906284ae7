package library

import (
	"fmt"
	"log"
	"os"

	"github.com/dnswlt/cbcflow/internal/jsonutil"
	"github.com/dnswlt/cbcflow/internal/merge"
	"github.com/dnswlt/cbcflow/internal/schema"
)

// readJSONOr reads the JSON object at path. If the file cannot be read or
// does not hold a JSON object, fallback is returned.
func readJSONOr(path, role string, fallback map[string]any) map[string]any {
	bs, err := os.ReadFile(path)
	if err == nil {
		var m map[string]any
		if m, err = jsonutil.UnmarshalObject(bs); err == nil {
			return m
		}
	}
	log.Printf("Could not read %s %s, proceeding as if it were unchanged: %v", role, path, err)
	return jsonutil.CopyObject(fallback)
}

// MergeFiles is a git merge driver for metadata documents: it merges the
// documents at basePath (ours) and headPath (theirs) with their common
// ancestor at ancestorPath and writes the result over basePath.
//
// An unreadable ancestor is treated as empty; an unreadable base or head as
// unchanged from the ancestor. Conflicts are not errors: they are embedded
// in the written document as marker strings and reported in the result.
func MergeFiles(s *schema.Schema, ancestorPath, basePath, headPath string) (*merge.Result, error) {
	ancestor := readJSONOr(ancestorPath, "ancestor", map[string]any{})
	base := readJSONOr(basePath, "base", ancestor)
	head := readJSONOr(headPath, "head", ancestor)

	res := merge.Merge(s, ancestor, base, head)
	bs, err := jsonutil.MarshalIndent(res.Document)
	if err != nil {
		return nil, fmt.Errorf("failed to encode merge result: %w", err)
	}
	if err := os.WriteFile(basePath, bs, 0644); err != nil {
		return nil, fmt.Errorf("failed to write merge result: %w", err)
	}
	for _, c := range res.Conflicts {
		log.Printf("Merge conflict at %s", c.Path)
	}
	return res, nil
}

// Merge runs MergeFiles with the library's schema and returns the merge status.
func (l *Library) Merge(ancestorPath, basePath, headPath string) (merge.Status, error) {
	res, err := MergeFiles(l.schema, ancestorPath, basePath, headPath)
	if err != nil {
		return merge.Conflict, err
	}
	return res.Status, nil
}

// Package metadata implements the lifecycle of a superevent's metadata document:
// load, validate, mutate, diff and persist.
package metadata

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"path"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/ohler55/ojg/jp"
	jsonpatch "gopkg.in/evanphx/json-patch.v4"

	"github.com/dnswlt/cbcflow/internal/jsonutil"
	"github.com/dnswlt/cbcflow/internal/schema"
	"github.com/dnswlt/cbcflow/internal/store"
	"github.com/dnswlt/cbcflow/internal/update"
)

var (
	ErrInvalidSname  = errors.New("invalid superevent name")
	ErrSnameMismatch = errors.New("document belongs to a different superevent")
)

var snameRE = regexp.MustCompile(`^S\d{6}[a-z]+$`)

// ValidSname reports whether s is a well-formed superevent name, e.g. "S230101abc".
func ValidSname(s string) bool {
	return snameRE.MatchString(s)
}

// Filename returns the name of the file holding the metadata of sname.
func Filename(sname string) string {
	return sname + store.MetadataSuffix
}

// ParseFilename extracts the superevent name from a metadata file name or path.
func ParseFilename(name string) (string, bool) {
	sname, ok := strings.CutSuffix(path.Base(strings.ReplaceAll(name, "\\", "/")), store.MetadataSuffix)
	if !ok || !ValidSname(sname) {
		return "", false
	}
	return sname, true
}

// Document is the metadata of a single superevent.
// A Document is not safe for concurrent use.
type Document struct {
	sname  string
	path   string
	store  store.Store
	engine *update.Engine

	data map[string]any
	// snapshot is the state last read from or written to the store. nil for new documents.
	snapshot map[string]any
}

type Option func(*Document)

// WithLinker sets the Linker used to fill in linked files.
func WithLinker(l update.Linker) Option {
	return func(d *Document) {
		d.engine.Linker = l
	}
}

// Open loads the document of sname from dir in st. If no such file exists,
// a new document is created from the schema defaults; it is dirty until
// written. Existing documents and defaults alike are validated against s.
func Open(st store.Store, dir, sname string, s *schema.Schema, opts ...Option) (*Document, error) {
	if !ValidSname(sname) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSname, sname)
	}
	d := &Document{
		sname:  sname,
		path:   path.Join(dir, Filename(sname)),
		store:  st,
		engine: update.New(s, nil),
	}
	for _, opt := range opts {
		opt(d)
	}

	bs, err := st.ReadFile(d.path)
	if errors.Is(err, fs.ErrNotExist) {
		log.Printf("No library file for %s: creating defaults", sname)
		data := s.Defaults()
		data["Sname"] = sname
		if err := s.Validate(data); err != nil {
			return nil, fmt.Errorf("defaults for %s: %w", sname, err)
		}
		d.data = data
		return d, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", d.path, err)
	}
	data, err := Decode(bs, s)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", d.path, err)
	}
	if data["Sname"] != sname {
		return nil, fmt.Errorf("%s: %w: Sname is %v", d.path, ErrSnameMismatch, data["Sname"])
	}
	d.data = data
	d.snapshot = jsonutil.CopyObject(data)
	return d, nil
}

// Decode parses and validates a metadata document.
func Decode(bs []byte, s *schema.Schema) (map[string]any, error) {
	data, err := jsonutil.UnmarshalObject(bs)
	if err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := s.Validate(data); err != nil {
		return nil, err
	}
	return data, nil
}

// Encode renders doc the way documents are stored: indented JSON with sorted keys.
func Encode(doc map[string]any) ([]byte, error) {
	return jsonutil.MarshalIndent(doc)
}

func (d *Document) Sname() string {
	return d.sname
}

// Path returns the location of the document within its store.
func (d *Document) Path() string {
	return d.path
}

func (d *Document) Schema() *schema.Schema {
	return d.engine.Schema
}

// Data returns a copy of the document's current content.
func (d *Document) Data() map[string]any {
	return jsonutil.CopyObject(d.data)
}

// Get returns the value at the given chain of object keys.
func (d *Document) Get(keys ...string) (any, bool) {
	var cur any = d.data
	for _, k := range keys {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[k]; !ok {
			return nil, false
		}
	}
	return jsonutil.DeepCopy(cur), true
}

// Query evaluates a JSONPath expression, e.g. "$.GraceDB.Events[?(@.State == 'preferred')]",
// against the document.
func (d *Document) Query(expr string) ([]any, error) {
	x, err := jp.ParseString(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid jsonpath %q: %w", expr, err)
	}
	res := x.Get(d.data)
	out := make([]any, len(res))
	for i, r := range res {
		out[i] = jsonutil.DeepCopy(r)
	}
	return out, nil
}

func (d *Document) accept(data map[string]any) error {
	if data["Sname"] != d.sname {
		return fmt.Errorf("%w: cannot change Sname of %s to %v", ErrSnameMismatch, d.sname, data["Sname"])
	}
	d.data = data
	return nil
}

// Update applies an update document. On error the document is unchanged.
func (d *Document) Update(upd map[string]any, removal bool) error {
	data, err := d.engine.ApplyDocument(d.data, upd, removal)
	if err != nil {
		return err
	}
	return d.accept(data)
}

// ApplyOps applies key path operations. On error the document is unchanged.
func (d *Document) ApplyOps(ops []update.Op) error {
	data, err := d.engine.ApplyOps(d.data, ops)
	if err != nil {
		return err
	}
	return d.accept(data)
}

// Replace sets the whole content of the document, e.g. to the result of a
// merge or to a known good state. data must be valid.
func (d *Document) Replace(data map[string]any) error {
	data = jsonutil.Normalize(data).(map[string]any)
	if err := d.engine.Schema.Validate(data); err != nil {
		return err
	}
	return d.accept(jsonutil.CopyObject(data))
}

// IsNew reports whether the document has never been written.
func (d *Document) IsNew() bool {
	return d.snapshot == nil
}

// IsDirty reports whether the document differs from its stored state.
// New documents are always dirty.
func (d *Document) IsDirty() bool {
	return d.IsNew() || !jsonutil.Equal(d.snapshot, d.data)
}

// Diff returns a JSON merge patch (RFC 7386) from the stored state to the
// current content. For new documents the patch is the whole document.
func (d *Document) Diff() ([]byte, error) {
	before := []byte("{}")
	if d.snapshot != nil {
		var err error
		if before, err = Encode(d.snapshot); err != nil {
			return nil, err
		}
	}
	after, err := Encode(d.data)
	if err != nil {
		return nil, err
	}
	patch, err := jsonpatch.CreateMergePatch(before, after)
	if err != nil {
		return nil, fmt.Errorf("failed to compute diff of %s: %w", d.sname, err)
	}
	return patch, nil
}

// TopLevelDiff returns the sorted top-level keys that changed.
func (d *Document) TopLevelDiff() []string {
	var before map[string]any
	if d.snapshot != nil {
		before = d.snapshot
	}
	var keys []string
	for k, v := range d.data {
		if old, ok := before[k]; !ok || !jsonutil.Equal(old, v) {
			keys = append(keys, k)
		}
	}
	for k := range before {
		if _, ok := d.data[k]; !ok {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys
}

// Write persists the document if it is dirty and reports whether it did.
// The document is validated before writing.
func (d *Document) Write() (bool, error) {
	if !d.IsDirty() {
		log.Printf("No changes made to %s, not writing", d.sname)
		return false, nil
	}
	if err := d.engine.Schema.Validate(d.data); err != nil {
		return false, fmt.Errorf("not writing %s: %w", d.sname, err)
	}
	bs, err := Encode(d.data)
	if err != nil {
		return false, err
	}
	log.Printf("Writing file %s", d.path)
	if err := d.store.WriteFile(d.path, bs); err != nil {
		return false, fmt.Errorf("failed to write %s: %w", d.path, err)
	}
	d.snapshot = jsonutil.CopyObject(d.data)
	return true, nil
}

// LastModified returns the modification time of the stored document.
func (d *Document) LastModified() (time.Time, error) {
	return d.store.ModTime(d.path)
}

package library

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"slices"

	jsonpatch "gopkg.in/evanphx/json-patch.v4"

	"github.com/dnswlt/cbcflow/internal/jsonutil"
	"github.com/dnswlt/cbcflow/internal/keypath"
	"github.com/dnswlt/cbcflow/internal/update"
)

const (
	// TimeFormat is the format of LastUpdated timestamps in the index (UTC).
	TimeFormat = "2006-01-02 15:04:05"
	// DefaultLastUpdated is the LastUpdated of a library without superevents: GW150914.
	DefaultLastUpdated = "2015-09-14 00:00:00"
)

// IndexEntry is one superevent summary of the index.
type IndexEntry struct {
	UID         string
	LastUpdated string
	Labels      []string
}

// Entries extracts the superevent summaries of an index document.
func Entries(index map[string]any) []IndexEntry {
	evs, _ := index["Superevents"].([]any)
	entries := make([]IndexEntry, 0, len(evs))
	for _, ev := range evs {
		m, ok := ev.(map[string]any)
		if !ok {
			continue
		}
		e := IndexEntry{}
		e.UID, _ = m["UID"].(string)
		e.LastUpdated, _ = m["LastUpdated"].(string)
		labels, _ := m["Labels"].([]any)
		for _, l := range labels {
			if s, ok := l.(string); ok {
				e.Labels = append(e.Labels, s)
			}
		}
		entries = append(entries, e)
	}
	return entries
}

// GenerateIndex derives the index from the downselected documents.
// Superevents are sorted by UID; the library's LastUpdated is the most
// recent LastUpdated of all superevents.
func (l *Library) GenerateIndex() (map[string]any, error) {
	snames, err := l.Downselected()
	if err != nil {
		return nil, err
	}
	index := l.indexSchema.Defaults()
	entryDefault, _ := l.indexSchema.EntityDefault(keypath.New("Superevents"))
	latest := DefaultLastUpdated
	superevents := make([]any, 0, len(snames))
	for _, sname := range snames {
		doc, err := l.Document(sname)
		if err != nil {
			return nil, err
		}
		t, err := l.lastModified(doc)
		if err != nil {
			return nil, fmt.Errorf("last modification of %s: %w", sname, err)
		}
		data := doc.Data()
		preferred, _ := PreferredEvent(data)
		labels, err := l.labeller.Labels(sname, data, preferred)
		if err != nil {
			return nil, err
		}
		entry := jsonutil.CopyObject(entryDefault)
		entry["UID"] = sname
		entry["LastUpdated"] = t.UTC().Format(TimeFormat)
		entry["Labels"] = jsonutil.Normalize(labels)
		superevents = append(superevents, entry)
		// The format sorts lexicographically in time order.
		if ts := entry["LastUpdated"].(string); ts > latest {
			latest = ts
		}
	}
	slices.SortFunc(superevents, func(a, b any) int {
		return jsonutil.Compare(a.(map[string]any)["UID"], b.(map[string]any)["UID"])
	})
	index["Superevents"] = superevents
	status, _ := index["LibraryStatus"].(map[string]any)
	if status == nil {
		status = map[string]any{}
	}
	status["LastUpdated"] = latest
	index["LibraryStatus"] = status
	if err := l.indexSchema.Validate(index); err != nil {
		return nil, fmt.Errorf("generated index is invalid: %w", err)
	}
	return index, nil
}

// UpdatedIndex is like GenerateIndex, but keeps the entries and labels of
// the index file: superevents that are no longer selected stay in the index
// and labels are added to the existing ones.
func (l *Library) UpdatedIndex() (map[string]any, error) {
	generated, err := l.GenerateIndex()
	if err != nil {
		return nil, err
	}
	current, err := l.IndexFromFile()
	if err != nil {
		return nil, err
	}
	e := update.New(l.indexSchema, nil)
	return e.ApplyDocument(current, generated, false)
}

// IndexFromFile reads the index file of the library. A missing or invalid
// index yields an empty document.
func (l *Library) IndexFromFile() (map[string]any, error) {
	name := l.cfg.IndexFilename()
	bs, err := l.store.ReadFile(name)
	if errors.Is(err, fs.ErrNotExist) {
		log.Printf("No index file %s currently present", name)
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read index %s: %w", name, err)
	}
	index, err := jsonutil.UnmarshalObject(bs)
	if err == nil {
		err = l.indexSchema.Validate(index)
	}
	if err != nil {
		log.Printf("Present index data in %s failed validation: %v", name, err)
		return map[string]any{}, nil
	}
	return index, nil
}

// IndexDiff compares index with the index file. It returns a JSON merge
// patch from the file to index and whether they differ.
func (l *Library) IndexDiff(index map[string]any) ([]byte, bool, error) {
	current, err := l.IndexFromFile()
	if err != nil {
		return nil, false, err
	}
	if jsonutil.Equal(current, index) {
		return []byte("{}"), false, nil
	}
	before, err := jsonutil.MarshalIndent(current)
	if err != nil {
		return nil, false, err
	}
	after, err := jsonutil.MarshalIndent(index)
	if err != nil {
		return nil, false, err
	}
	patch, err := jsonpatch.CreateMergePatch(before, after)
	if err != nil {
		return nil, false, fmt.Errorf("failed to diff index: %w", err)
	}
	return patch, true, nil
}

// WriteIndex writes index to the index file if it differs from the file's
// content, and reports whether it did.
func (l *Library) WriteIndex(index map[string]any) (bool, error) {
	patch, changed, err := l.IndexDiff(index)
	if err != nil {
		return false, err
	}
	name := l.cfg.IndexFilename()
	if !changed {
		log.Printf("Index %s is up to date, not writing", name)
		return false, nil
	}
	if err := l.indexSchema.Validate(index); err != nil {
		return false, fmt.Errorf("not writing index %s: %w", name, err)
	}
	log.Printf("Index data has changed since it was last written: %s", patch)
	bs, err := jsonutil.MarshalIndent(index)
	if err != nil {
		return false, err
	}
	if err := l.store.WriteFile(name, bs); err != nil {
		return false, fmt.Errorf("failed to write index %s: %w", name, err)
	}
	return true, nil
}

// Package library manages a directory of superevent metadata documents:
// its configuration, the selection of superevents for the index, the index
// itself, the merge driver used by git and the synchronization from an
// upstream source of update documents.
package library

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/dnswlt/cbcflow/internal/gitclient"
	"github.com/dnswlt/cbcflow/internal/metadata"
	"github.com/dnswlt/cbcflow/internal/schema"
	"github.com/dnswlt/cbcflow/internal/store"
	"github.com/dnswlt/cbcflow/internal/update"
)

const (
	// LockFile is created in the library directory to serialize writers.
	LockFile = ".cbcflow.lock"

	defaultCacheSize = 256
)

var ErrLocked = errors.New("library is locked by another process")

type cachedDoc struct {
	doc     *metadata.Document
	modTime time.Time
}

// Library is a directory holding one metadata document per superevent.
// A Library is not safe for concurrent use.
type Library struct {
	dir         string
	store       *store.DiskStore
	schema      *schema.Schema
	indexSchema *schema.Schema
	cfg         *Config
	labeller    *Labeller
	git         *gitclient.Client // nil if the library is not in a git repository
	noGit       bool
	linker      update.Linker
	now         func() time.Time
	cacheSize   int
	cache       *lru.Cache[string, cachedDoc]
	lock        *flock.Flock

	// selected caches the result of Downselected until the next Reload.
	selected []string
}

type Option func(*Library)

// WithIndexSchema sets the schema the index is validated against.
func WithIndexSchema(s *schema.Schema) Option {
	return func(l *Library) {
		l.indexSchema = s
	}
}

// WithCacheSize sets the number of documents kept in memory.
func WithCacheSize(n int) Option {
	return func(l *Library) {
		l.cacheSize = n
	}
}

// WithClock sets the function used to obtain the current time.
func WithClock(now func() time.Time) Option {
	return func(l *Library) {
		l.now = now
	}
}

// WithLinker sets the Linker used for linked files of all documents.
func WithLinker(linker update.Linker) Option {
	return func(l *Library) {
		l.linker = linker
	}
}

// WithoutGit makes the library ignore an enclosing git repository.
// Modification times are then taken from the file system.
func WithoutGit() Option {
	return func(l *Library) {
		l.noGit = true
	}
}

// Open opens the library in dir, whose documents follow s.
func Open(dir string, s *schema.Schema, opts ...Option) (*Library, error) {
	fi, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot open library: %w", err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("cannot open library: %s is not a directory", dir)
	}
	l := &Library{
		dir:         dir,
		store:       store.NewDiskStore(dir),
		schema:      s,
		indexSchema: schema.Index(),
		now:         time.Now,
		cacheSize:   defaultCacheSize,
		lock:        flock.New(filepath.Join(dir, LockFile)),
	}
	for _, opt := range opts {
		opt(l)
	}

	if l.cfg, err = LoadConfig(l.store, ConfigFile); err != nil {
		return nil, err
	}
	if l.labeller, err = NewLabeller(l.cfg.LabelRules()); err != nil {
		return nil, fmt.Errorf("invalid label rules in %s: %w", ConfigFile, err)
	}
	if l.cache, err = lru.New[string, cachedDoc](l.cacheSize); err != nil {
		return nil, fmt.Errorf("invalid cache size %d: %w", l.cacheSize, err)
	}
	if !l.noGit {
		c, err := gitclient.Open(dir)
		switch {
		case errors.Is(err, gitclient.ErrNotARepository):
			log.Printf("Library %s is not in a git repository, using file modification times", dir)
		case err != nil:
			return nil, err
		default:
			l.git = c
		}
	}
	return l, nil
}

// Dir returns the library directory.
func (l *Library) Dir() string {
	return l.dir
}

func (l *Library) Config() *Config {
	return l.cfg
}

func (l *Library) Schema() *schema.Schema {
	return l.schema
}

// Store returns the store holding the library's files.
func (l *Library) Store() store.Store {
	return l.store
}

// Reload drops all cached documents and the cached selection.
func (l *Library) Reload() {
	l.cache.Purge()
	l.selected = nil
}

// Snames lists the superevents that have a document in the library, sorted.
func (l *Library) Snames() ([]string, error) {
	files, err := store.MetadataFiles(l.store, "")
	if err != nil {
		return nil, fmt.Errorf("failed to list library %s: %w", l.dir, err)
	}
	snames := make([]string, 0, len(files))
	for _, f := range files {
		sname, ok := metadata.ParseFilename(f)
		if !ok {
			log.Printf("Ignoring %s: not a valid superevent file name", f)
			continue
		}
		snames = append(snames, sname)
	}
	return snames, nil
}

func (l *Library) docOptions() []metadata.Option {
	if l.linker == nil {
		return nil
	}
	return []metadata.Option{metadata.WithLinker(l.linker)}
}

// Document returns the document of sname. Documents that do not exist yet
// are created from the schema defaults (and are not written).
//
// Loaded documents are cached and shared between callers until the file
// changes on disk.
func (l *Library) Document(sname string) (*metadata.Document, error) {
	mtime, statErr := l.store.ModTime(metadata.Filename(sname))
	if e, ok := l.cache.Get(sname); ok && statErr == nil && e.modTime.Equal(mtime) {
		return e.doc, nil
	}
	doc, err := metadata.Open(l.store, "", sname, l.schema, l.docOptions()...)
	if err != nil {
		return nil, err
	}
	if statErr == nil {
		l.cache.Add(sname, cachedDoc{doc: doc, modTime: mtime})
	}
	return doc, nil
}

// LoadAll loads all documents of the library. Documents that fail to load
// are skipped; their errors are joined in the returned error.
func (l *Library) LoadAll() (map[string]*metadata.Document, error) {
	snames, err := l.Snames()
	if err != nil {
		return nil, err
	}
	docs := make(map[string]*metadata.Document, len(snames))
	var errs []error
	for _, sname := range snames {
		doc, err := l.Document(sname)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		docs[sname] = doc
	}
	return docs, errors.Join(errs...)
}

// Downselected returns the sorted superevents selected for the index.
// The selection is computed once and cached until Reload.
func (l *Library) Downselected() ([]string, error) {
	if l.selected != nil {
		return l.selected, nil
	}
	snames, err := l.Snames()
	if err != nil {
		return nil, err
	}
	sel := NewSelector(l.cfg.Events, l.now())
	selected := []string{}
	for _, sname := range snames {
		doc, err := l.Document(sname)
		if err != nil {
			return nil, err
		}
		if sel.Include(sname, doc.Data()) {
			selected = append(selected, sname)
		}
	}
	l.selected = selected
	return selected, nil
}

// Lock acquires the library's write lock. It fails with ErrLocked if another
// process holds it.
func (l *Library) Lock() error {
	ok, err := l.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock %s: %w", l.lock.Path(), err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrLocked, l.lock.Path())
	}
	return nil
}

// Unlock releases the write lock.
func (l *Library) Unlock() error {
	return l.lock.Unlock()
}

// lastModified returns the time the document of sname last changed: the
// time of the last commit touching it if the library is in a git repository
// and the file has been committed, its modification time otherwise.
func (l *Library) lastModified(doc *metadata.Document) (time.Time, error) {
	if l.git != nil {
		abs, err := l.store.Path(doc.Path())
		if err != nil {
			return time.Time{}, err
		}
		t, ok, err := l.git.LastCommitTime(abs)
		if err != nil {
			log.Printf("Cannot determine last commit of %s, using file modification time: %v", doc.Path(), err)
		} else if ok {
			return t, nil
		}
	}
	return doc.LastModified()
}

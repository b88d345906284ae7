package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/dnswlt/cbcflow/internal/gitclient"
)

// MetadataSuffix is the file name suffix of metadata documents.
const MetadataSuffix = "-cbc-metadata.json"

var (
	ErrReadOnly  = errors.New("store is read-only")
	ErrNoSuchRef = errors.New("no such ref")
)

// Source is the abstraction over different types of storage layers,
// in particular local disk (the library's working tree) and a Git repo (read-only).
type Source interface {
	// Refresh updates the internal state of the source (e.g., via git fetch).
	// For a disk store, this is a no-op.
	Refresh() error
	// Store returns a handle to a store at the given ref.
	// For non-versioned disk-based stores, ref must be "".
	Store(ref string) (Store, error)
}

// Store is a minimal abstraction to list, read, and write files.
// It is the common interface for disk-based and git-repo-based stores.
type Store interface {
	// ListFiles lists all files in dir (recursively).
	// The resulting paths will all be relative to the store's root directory,
	// so they can be passed to ReadFile and WriteFile unmodified.
	ListFiles(dir string) ([]string, error)
	// ReadFile reads the contents of path from the store.
	// Missing files are reported as an error wrapping fs.ErrNotExist.
	ReadFile(path string) ([]byte, error)
	// WriteFile write the given contents to path in the store.
	// Stores that do not support writing should return ErrReadOnly.
	WriteFile(path string, contents []byte) error
	// ModTime returns the time path was last modified.
	ModTime(path string) (time.Time, error)
}

// DiskStore is an implementation of Source and Store that reads files from the local file system.
type DiskStore struct {
	rootDir string
}

var _ Source = (*DiskStore)(nil)
var _ Store = (*DiskStore)(nil)

func NewDiskStore(rootDir string) *DiskStore {
	return &DiskStore{
		rootDir: rootDir,
	}
}

// Root returns the directory the store operates on.
func (d *DiskStore) Root() string {
	return d.rootDir
}

func (d *DiskStore) Refresh() error {
	return nil
}

func (d *DiskStore) Store(ref string) (Store, error) {
	if ref != "" {
		return nil, fmt.Errorf("invalid ref %q: %w", ref, ErrNoSuchRef)
	}
	return d, nil
}

func (d *DiskStore) ListFiles(dir string) ([]string, error) {
	return listFilesRecursively(d.rootDir, dir)
}

// resolveRelPath joins root and subpath. subpath must stay within root.
func resolveRelPath(root, subpath string) (string, error) {
	if subpath == "" {
		return root, nil
	}
	if !filepath.IsLocal(subpath) {
		return "", fmt.Errorf("path %q is not inside the library directory", subpath)
	}
	return filepath.Join(root, subpath), nil
}

// Path returns the absolute location of path in the local file system.
func (d *DiskStore) Path(path string) (string, error) {
	p, err := resolveRelPath(d.rootDir, path)
	if err != nil {
		return "", err
	}
	return filepath.Abs(p)
}

func (d *DiskStore) ReadFile(path string) ([]byte, error) {
	fullPath, err := resolveRelPath(d.rootDir, path)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(fullPath)
}

// WriteFile replaces path atomically: contents are written to a temporary
// file in the same directory, which is then renamed.
func (d *DiskStore) WriteFile(path string, contents []byte) error {
	fullPath, err := resolveRelPath(d.rootDir, path)
	if err != nil {
		return err
	}
	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(fullPath)+".tmp*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name()) // no-op after a successful rename
	if _, err := tmp.Write(contents); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0644); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), fullPath)
}

func (d *DiskStore) ModTime(path string) (time.Time, error) {
	fullPath, err := resolveRelPath(d.rootDir, path)
	if err != nil {
		return time.Time{}, err
	}
	fi, err := os.Stat(fullPath)
	if err != nil {
		return time.Time{}, err
	}
	return fi.ModTime(), nil
}

// GitSource is an implementation of Source that reads from a Git repository.
type GitSource struct {
	client     *gitclient.Client
	defaultRef string   // ref to use if the empty ref ("") is requested
	prefix     string   // directory of the library within the repository
	refs       []string // cached list of available references
}

// gitStore is a "view" over a single revision in a GitSource.
type gitStore struct {
	client *gitclient.Client
	ref    string
	prefix string
}

var _ Source = (*GitSource)(nil)
var _ Store = (*gitStore)(nil)

// NewGitSource returns a Source reading the library stored below prefix
// (relative to the repository root, "" for the root itself).
func NewGitSource(client *gitclient.Client, defaultRef, prefix string) *GitSource {
	return &GitSource{
		client:     client,
		defaultRef: defaultRef,
		prefix:     path.Clean("/" + filepath.ToSlash(prefix))[1:],
	}
}

func (g *GitSource) DefaultRef() string {
	return g.defaultRef
}

func (g *GitSource) Refresh() error {
	g.refs = nil
	return g.client.Update()
}

func (g *GitSource) Store(ref string) (Store, error) {
	if ref == "" {
		ref = g.defaultRef
	}
	refs, err := g.ListReferences()
	if err != nil {
		return nil, fmt.Errorf("cannot list references: %v", err)
	}
	if !slices.Contains(refs, ref) {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchRef, ref)
	}
	return &gitStore{
		client: g.client,
		ref:    ref,
		prefix: g.prefix,
	}, nil
}

func (g *GitSource) ListReferences() ([]string, error) {
	if g.refs != nil {
		return g.refs, nil
	}
	refs, err := g.client.ListReferences()
	if err != nil {
		return nil, err
	}
	slices.Sort(refs)
	g.refs = refs
	return refs, nil
}

func (g *gitStore) repoPath(p string) string {
	// Avoid using filepath here, as gitStore needs "/" on any OS.
	return path.Join(g.prefix, filepath.ToSlash(p))
}

func (g *gitStore) ListFiles(dir string) ([]string, error) {
	files, err := g.client.ListFilesRecursive(g.ref, g.repoPath(dir))
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %v", err)
	}
	result := make([]string, len(files))
	for i, f := range files {
		result[i] = path.Join(dir, f)
	}
	return result, nil
}

func (g *gitStore) ReadFile(p string) ([]byte, error) {
	bs, err := g.client.ReadFile(g.ref, g.repoPath(p))
	if errors.Is(err, object.ErrFileNotFound) {
		return nil, fmt.Errorf("%s at %s: %w", p, g.ref, fs.ErrNotExist)
	}
	return bs, err
}

func (g *gitStore) WriteFile(path string, contents []byte) error {
	return ErrReadOnly
}

func (g *gitStore) ModTime(p string) (time.Time, error) {
	t, ok, err := g.client.LastCommitTimeAt(g.ref, g.repoPath(p))
	if err != nil {
		return time.Time{}, err
	}
	if !ok {
		return time.Time{}, fmt.Errorf("%s at %s: %w", p, g.ref, fs.ErrNotExist)
	}
	return t, nil
}

// listFilesRecursively lists the files below subDir of rootDir as paths
// relative to rootDir. Hidden directories such as .git are not entered.
func listFilesRecursively(rootDir, subDir string) ([]string, error) {
	start, err := resolveRelPath(rootDir, subDir)
	if err != nil {
		return nil, err
	}
	var files []string
	err = filepath.WalkDir(start, func(p string, d fs.DirEntry, err error) error {
		switch {
		case err != nil:
			return err
		case d.IsDir() && p != start && strings.HasPrefix(d.Name(), "."):
			return filepath.SkipDir
		case d.IsDir():
			return nil
		}
		rel, err := filepath.Rel(rootDir, p)
		if err == nil {
			files = append(files, rel)
		}
		return err
	})
	return files, err
}

// MetadataFiles lists all metadata documents directly in dir, which must be
// a path relative to the store's root. The result is sorted.
func MetadataFiles(st Store, dir string) ([]string, error) {
	allFiles, err := st.ListFiles(dir)
	if err != nil {
		return nil, err
	}
	d := path.Clean(filepath.ToSlash(dir))
	if d == "." {
		d = ""
	}
	var result []string
	for _, f := range allFiles {
		rel := strings.TrimPrefix(filepath.ToSlash(f), d)
		rel = strings.TrimPrefix(rel, "/")
		if strings.Contains(rel, "/") {
			continue
		}
		if strings.HasSuffix(f, MetadataSuffix) {
			result = append(result, f)
		}
	}
	slices.Sort(result)
	return result, nil
}

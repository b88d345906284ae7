// Package gitclient gives read access to the git repository a library lives in.
//
// A Client is either opened on a local working tree (the usual case: the
// library directory is a clone) or cloned into memory from a remote URL,
// e.g. to inspect the library at a given tag without touching the disk.
package gitclient

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/storage/memory"
)

var ErrNotARepository = errors.New("not a git repository")

// Auth holds Basic Auth credentials.
// For token based access (e.g. GitLab deploy tokens) use the token as Password.
type Auth struct {
	Username string
	Password string // or Token
}

type Client struct {
	repo *git.Repository
	// root is the working tree root of a local repository. Empty for in-memory clones.
	root string
	auth *Auth
}

// Open opens the git repository containing dir. Parent directories are
// searched for a .git directory, so dir may be a subdirectory of the working tree.
func Open(dir string) (*Client, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	repo, err := git.PlainOpenWithOptions(abs, &git.PlainOpenOptions{DetectDotGit: true})
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("%w: %s", ErrNotARepository, dir)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open repository at %s: %w", dir, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("repository at %s has no worktree: %w", dir, err)
	}
	return &Client{repo: repo, root: wt.Filesystem.Root()}, nil
}

// Clone clones the repository at url into memory. Only the object
// database is kept; files are read directly from commits.
func Clone(url string, auth *Auth) (*Client, error) {
	cloneOpts := &git.CloneOptions{
		URL:        url,
		NoCheckout: true,
		Depth:      0, // full history, so that all tags can be read
	}
	if auth != nil {
		cloneOpts.Auth = &http.BasicAuth{
			Username: auth.Username,
			Password: auth.Password,
		}
	}
	repo, err := git.Clone(memory.NewStorage(), nil, cloneOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to clone %s: %w", url, err)
	}
	return &Client{repo: repo, auth: auth}, nil
}

// Root returns the working tree root of a local repository, or "" for in-memory clones.
func (c *Client) Root() string {
	return c.root
}

// Update fetches new commits from origin. Local repositories are left alone:
// their working tree is managed by the user.
func (c *Client) Update() error {
	if c.root != "" {
		return nil
	}
	opts := &git.FetchOptions{
		RemoteName: "origin",
		Tags:       git.AllTags,
		Force:      true,
	}
	if c.auth != nil {
		opts.Auth = &http.BasicAuth{Username: c.auth.Username, Password: c.auth.Password}
	}
	err := c.repo.Fetch(opts)
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("fetch failed: %w", err)
	}
	return nil
}

// DefaultBranch returns the short name of the branch HEAD points to.
func (c *Client) DefaultBranch() (string, error) {
	head, err := c.repo.Head()
	if err != nil {
		return "", fmt.Errorf("cannot resolve HEAD: %w", err)
	}
	return head.Name().Short(), nil
}

// ListReferences returns the short names of all branches and tags.
// Remote branches are listed without their remote name.
func (c *Client) ListReferences() ([]string, error) {
	refMap := make(map[string]bool)
	refs, err := c.repo.References()
	if err != nil {
		return nil, err
	}
	err = refs.ForEach(func(ref *plumbing.Reference) error {
		name := ref.Name()
		if name.IsTag() || name.IsBranch() {
			refMap[name.Short()] = true
		} else if name.IsRemote() {
			// refs/remotes/origin/main -> main
			short := name.Short()
			if i := strings.Index(short, "/"); i != -1 && short[i+1:] != "HEAD" {
				refMap[short[i+1:]] = true
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	references := make([]string, 0, len(refMap))
	for v := range refMap {
		references = append(references, v)
	}
	return references, nil
}

func (c *Client) resolveRevision(revision string) (*plumbing.Hash, error) {
	if revision == "" {
		revision = "HEAD"
	}
	hash, err := c.repo.ResolveRevision(plumbing.Revision(revision))
	if err == nil {
		return hash, nil
	}
	// Clones only have remote branches.
	if !strings.HasPrefix(revision, "refs/") {
		if hash, err := c.repo.ResolveRevision(plumbing.Revision("origin/" + revision)); err == nil {
			return hash, nil
		}
	}
	return nil, fmt.Errorf("revision %q not found: %w", revision, err)
}

func (c *Client) tree(revision string) (*object.Tree, error) {
	hash, err := c.resolveRevision(revision)
	if err != nil {
		return nil, err
	}
	commit, err := c.repo.CommitObject(*hash)
	if err != nil {
		return nil, fmt.Errorf("commit lookup failed: %w", err)
	}
	return commit.Tree()
}

// ReadFile reads filePath, relative to the repository root, at revision.
func (c *Client) ReadFile(revision, filePath string) ([]byte, error) {
	tree, err := c.tree(revision)
	if err != nil {
		return nil, err
	}
	file, err := tree.File(filepath.ToSlash(filePath))
	if err != nil {
		return nil, err // object.ErrFileNotFound if missing
	}
	reader, err := file.Reader()
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	return io.ReadAll(reader)
}

// ListFilesRecursive lists all files below dirPath at revision.
// The returned paths are relative to dirPath.
func (c *Client) ListFilesRecursive(revision, dirPath string) ([]string, error) {
	rootTree, err := c.tree(revision)
	if err != nil {
		return nil, err
	}
	targetTree := rootTree
	if dirPath != "" && dirPath != "." && dirPath != "/" {
		targetTree, err = rootTree.Tree(filepath.ToSlash(dirPath))
		if err != nil {
			return nil, fmt.Errorf("directory %q not found or invalid: %w", dirPath, err)
		}
	}
	var filePaths []string
	filesIter := targetTree.Files()
	defer filesIter.Close()
	err = filesIter.ForEach(func(f *object.File) error {
		filePaths = append(filePaths, f.Name)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iteration failed: %w", err)
	}
	return filePaths, nil
}

// RelPath converts an absolute path inside the working tree to a slash
// separated path relative to the repository root.
func (c *Client) RelPath(path string) (string, error) {
	if c.root == "" {
		return filepath.ToSlash(path), nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(c.root, abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("path %s is outside of repository %s", path, c.root)
	}
	return filepath.ToSlash(rel), nil
}

// LastCommitTime returns the committer time of the most recent commit on
// HEAD that touched path. ok is false if the file was never committed.
func (c *Client) LastCommitTime(path string) (t time.Time, ok bool, err error) {
	rel, err := c.RelPath(path)
	if err != nil {
		return time.Time{}, false, err
	}
	return c.LastCommitTimeAt("", rel)
}

// LastCommitTimeAt is like LastCommitTime, but starts at revision and takes
// a path relative to the repository root.
func (c *Client) LastCommitTimeAt(revision, rel string) (t time.Time, ok bool, err error) {
	opts := &git.LogOptions{
		FileName: &rel,
		Order:    git.LogOrderCommitterTime,
	}
	if revision != "" {
		hash, err := c.resolveRevision(revision)
		if err != nil {
			return time.Time{}, false, err
		}
		opts.From = *hash
	}
	iter, err := c.repo.Log(opts)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return time.Time{}, false, nil // no commits yet
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("git log %s: %w", rel, err)
	}
	defer iter.Close()
	commit, err := iter.Next()
	if errors.Is(err, io.EOF) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("git log %s: %w", rel, err)
	}
	return commit.Committer.When, true, nil
}

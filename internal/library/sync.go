package library

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"slices"

	"github.com/dnswlt/cbcflow/internal/jsonutil"
	"github.com/dnswlt/cbcflow/internal/metadata"
)

// Source provides update documents for superevents, e.g. scraped from GraceDB.
type Source interface {
	Fetch(ctx context.Context, sname string) (map[string]any, error)
}

// DirSource reads update documents named <sname>.json from a directory.
type DirSource struct {
	Dir string
}

func (s DirSource) Fetch(ctx context.Context, sname string) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	bs, err := os.ReadFile(filepath.Join(s.Dir, sname+".json"))
	if err != nil {
		return nil, err
	}
	upd, err := jsonutil.UnmarshalObject(bs)
	if err != nil {
		return nil, fmt.Errorf("invalid update document for %s: %w", sname, err)
	}
	return upd, nil
}

// SyncStatus is the outcome of synchronizing a single superevent.
type SyncStatus int

const (
	SyncUpdated     SyncStatus = iota // the update changed the document
	SyncUnchanged                     // the update was applied but changed nothing
	SyncFetchFailed                   // no update document could be fetched
	SyncRejected                      // the update document was invalid
)

func (s SyncStatus) String() string {
	switch s {
	case SyncUpdated:
		return "updated"
	case SyncUnchanged:
		return "unchanged"
	case SyncFetchFailed:
		return "fetch failed"
	case SyncRejected:
		return "rejected"
	}
	return fmt.Sprintf("SyncStatus(%d)", int(s))
}

type SyncResult struct {
	Sname  string
	Status SyncStatus
	// Err is the fetch or update error for SyncFetchFailed and SyncRejected.
	Err error
}

// Sync applies the update documents provided by src to the documents of
// snames. If snames is empty, all superevents of the library are synced.
//
// A superevent whose update cannot be fetched or fails validation keeps its
// last good state. New superevents are written with default content in that
// case, so they exist in the library from then on. Errors writing to the
// library abort the sync. Callers should hold the library lock.
func (l *Library) Sync(ctx context.Context, src Source, snames []string) ([]SyncResult, error) {
	if len(snames) == 0 {
		var err error
		if snames, err = l.Snames(); err != nil {
			return nil, err
		}
	}
	snames = slices.Clone(snames)
	slices.Sort(snames)
	snames = slices.Compact(snames)
	defer func() {
		// Documents changed, so the selection must be recomputed.
		l.selected = nil
	}()

	var results []SyncResult
	for _, sname := range snames {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res, err := l.syncOne(ctx, src, sname)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

func (l *Library) syncOne(ctx context.Context, src Source, sname string) (SyncResult, error) {
	res := SyncResult{Sname: sname}
	doc, err := l.Document(sname)
	if err != nil {
		return res, err
	}
	log.Printf("Updating superevent %s", sname)
	upd, err := src.Fetch(ctx, sname)
	if err != nil {
		log.Printf("For superevent %s, failed to obtain update: %v", sname, err)
		res.Status, res.Err = SyncFetchFailed, err
		return res, l.writeNew(doc)
	}
	if err := doc.Update(upd, false); err != nil {
		log.Printf("For superevent %s, update failed validation, keeping last good state: %v", sname, err)
		res.Status, res.Err = SyncRejected, err
		return res, l.writeNew(doc)
	}
	written, err := doc.Write()
	if err != nil {
		return res, err
	}
	if written {
		res.Status = SyncUpdated
	} else {
		res.Status = SyncUnchanged
	}
	return res, nil
}

// writeNew writes doc if it has never been written.
func (l *Library) writeNew(doc *metadata.Document) error {
	if !doc.IsNew() {
		return nil
	}
	_, err := doc.Write()
	return err
}

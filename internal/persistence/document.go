package persistence

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/nahma/nahma-core/internal/errs"
)

const (
	// snapshotThresholdBytes and snapshotThresholdUpdates are the
	// compaction triggers: a snapshot is taken once the log grows past
	// either bound.
	snapshotThresholdBytes   = 1 << 20 // 1 MiB
	snapshotThresholdUpdates = 1000
)

// DocumentStore owns one snapshot file and one write-ahead log for a
// single document, directly adapted from the teacher's
// store.Store.Snapshot/loadSnapshot and store.WAL, generalized from
// "one store, one WAL" to "one store per document."
type DocumentStore struct {
	dir          string
	wal          *documentWAL
	updatesSince int
}

// OpenDocumentStore opens (creating if absent) the snapshot+log pair for
// docID under root, returning the last-good snapshot bytes (nil if none)
// and every update logged since that snapshot, in issuance order.
func OpenDocumentStore(root, docID string) (*DocumentStore, []byte, [][]byte, error) {
	dir := filepath.Join(root, "documents", docID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, nil, fmt.Errorf("create document dir: %w", err)
	}

	snapshot, snapErr := readSnapshotFile(filepath.Join(dir, "snapshot.bin"))

	wal, err := openDocumentWAL(filepath.Join(dir, "log.ndjson"))
	if err != nil {
		return nil, nil, nil, err
	}

	updates, err := wal.readAll()
	if err != nil {
		wal.close()
		return nil, nil, nil, fmt.Errorf("%w: %v", errs.ErrCorruptLog, err)
	}

	ds := &DocumentStore{dir: dir, wal: wal, updatesSince: len(updates)}

	if snapErr != nil && len(updates) == 0 {
		// Neither the snapshot nor the log yielded anything usable.
		wal.close()
		return nil, nil, nil, errs.ErrQuarantined
	}
	return ds, snapshot, updates, nil
}

// WriteUpdate appends update to the document's log, fsync'ing before
// returning, then triggers a snapshot if either compaction threshold has
// been crossed.
func (ds *DocumentStore) WriteUpdate(update []byte, snapshotFn func() []byte) error {
	if err := ds.wal.append(update); err != nil {
		return err
	}
	ds.updatesSince++

	size, err := ds.wal.size()
	if err != nil {
		return err
	}
	if size >= snapshotThresholdBytes || ds.updatesSince >= snapshotThresholdUpdates {
		return ds.WriteSnapshot(snapshotFn())
	}
	return nil
}

// WriteSnapshot writes state as the document's new snapshot, then
// truncates the log — snapshot first, then truncate, so a crash between
// the two steps leaves the old log intact and idempotent replay covers
// it, exactly the teacher's Store.Snapshot crash-safety ordering.
func (ds *DocumentStore) WriteSnapshot(state []byte) error {
	path := filepath.Join(ds.dir, "snapshot.bin")
	tmp := path + ".tmp"

	if err := os.WriteFile(tmp, state, 0o644); err != nil {
		return fmt.Errorf("write snapshot temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename snapshot into place: %w", err)
	}

	if err := ds.wal.truncate(); err != nil {
		return fmt.Errorf("truncate log after snapshot: %w", err)
	}
	ds.updatesSince = 0
	return nil
}

// Compact forces an immediate snapshot+truncate regardless of threshold.
func (ds *DocumentStore) Compact(snapshotFn func() []byte) error {
	return ds.WriteSnapshot(snapshotFn())
}

// Close closes the underlying log file.
func (ds *DocumentStore) Close() error {
	return ds.wal.close()
}

// Delete removes the document's entire on-disk subtree.
func (ds *DocumentStore) Delete() error {
	ds.wal.close()
	return os.RemoveAll(ds.dir)
}

func readSnapshotFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	return data, err
}

package persistence

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

var (
	bucketIdentity   = []byte("identity")
	bucketWorkspaces = []byte("workspaces")
	bucketFolders    = []byte("folders")
	bucketDocuments  = []byte("documents")
)

// WorkspaceRecord is one workspace's metadata entry: its encryption key
// and the role map governing which public keys may write to it.
type WorkspaceRecord struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	EncryptionKey []byte            `json:"encryptionKey"`
	Roles         map[string]string `json:"roles"` // publicKey (hex) -> role
}

// FolderRecord is a directory-like grouping of documents within a
// workspace.
type FolderRecord struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspaceId"`
	Name        string `json:"name"`
}

// DocumentRecord is one document's metadata entry: enough to reopen its
// on-disk snapshot+log pair and know its CRDT type tag.
type DocumentRecord struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspaceId"`
	FolderID    string `json:"folderId,omitempty"`
	TypeTag     string `json:"typeTag"`
	Quarantined bool   `json:"quarantined"`
}

// MetadataStore owns the single top-level record enumerating every
// workspace, folder, and document, plus the local identity blob. Chosen
// over the teacher's flat JSON snapshot file because metadata here is a
// *set* of independently-addressable records rather than one big map —
// bbolt's bucket-per-entity-class model fits that shape directly, and its
// Update() transactions give the same fsync-before-commit durability the
// teacher hand-rolls in WAL.append, without hand-rolling it twice.
type MetadataStore struct {
	db *bbolt.DB
}

// OpenMetadataStore opens (creating if absent) the bbolt database under
// root and ensures every top-level bucket exists.
func OpenMetadataStore(root string) (*MetadataStore, error) {
	db, err := bbolt.Open(filepath.Join(root, "metadata.db"), 0o600, &bbolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("open metadata store: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketIdentity, bucketWorkspaces, bucketFolders, bucketDocuments} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init buckets: %w", err)
	}
	return &MetadataStore{db: db}, nil
}

// PutIdentity stores the raw identity blob (already encrypted by the
// identity package before it reaches here).
func (m *MetadataStore) PutIdentity(blob []byte) error {
	return m.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketIdentity).Put([]byte("self"), blob)
	})
}

// GetIdentity returns the raw identity blob, or nil if none has been
// stored.
func (m *MetadataStore) GetIdentity() ([]byte, error) {
	var blob []byte
	err := m.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketIdentity).Get([]byte("self"))
		if v != nil {
			blob = append([]byte(nil), v...)
		}
		return nil
	})
	return blob, err
}

// DeleteIdentity removes the stored identity blob.
func (m *MetadataStore) DeleteIdentity() error {
	return m.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketIdentity).Delete([]byte("self"))
	})
}

// PutWorkspace upserts a workspace record.
func (m *MetadataStore) PutWorkspace(ws WorkspaceRecord) error {
	return putJSON(m.db, bucketWorkspaces, ws.ID, ws)
}

// GetWorkspace fetches a single workspace record.
func (m *MetadataStore) GetWorkspace(id string) (WorkspaceRecord, bool, error) {
	var ws WorkspaceRecord
	ok, err := getJSON(m.db, bucketWorkspaces, id, &ws)
	return ws, ok, err
}

// DeleteWorkspace removes a workspace record and every document/folder
// record that references it.
func (m *MetadataStore) DeleteWorkspace(id string) error {
	return m.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketWorkspaces).Delete([]byte(id)); err != nil {
			return err
		}
		if err := deleteMatching(tx.Bucket(bucketFolders), func(v []byte) bool {
			var f FolderRecord
			return json.Unmarshal(v, &f) == nil && f.WorkspaceID == id
		}); err != nil {
			return err
		}
		return deleteMatching(tx.Bucket(bucketDocuments), func(v []byte) bool {
			var d DocumentRecord
			return json.Unmarshal(v, &d) == nil && d.WorkspaceID == id
		})
	})
}

// PutDocument upserts a document record.
func (m *MetadataStore) PutDocument(doc DocumentRecord) error {
	return putJSON(m.db, bucketDocuments, doc.ID, doc)
}

// GetDocument fetches a single document record.
func (m *MetadataStore) GetDocument(id string) (DocumentRecord, bool, error) {
	var doc DocumentRecord
	ok, err := getJSON(m.db, bucketDocuments, id, &doc)
	return doc, ok, err
}

// DeleteDocument removes a single document record.
func (m *MetadataStore) DeleteDocument(id string) error {
	return m.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketDocuments).Delete([]byte(id))
	})
}

// LoadAll returns every workspace, folder, and document record, for the
// supervisor to reconstruct state on startup.
func (m *MetadataStore) LoadAll() (workspaces []WorkspaceRecord, folders []FolderRecord, documents []DocumentRecord, err error) {
	err = m.db.View(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketWorkspaces).ForEach(func(_, v []byte) error {
			var ws WorkspaceRecord
			if err := json.Unmarshal(v, &ws); err != nil {
				return err
			}
			workspaces = append(workspaces, ws)
			return nil
		}); err != nil {
			return err
		}
		if err := tx.Bucket(bucketFolders).ForEach(func(_, v []byte) error {
			var f FolderRecord
			if err := json.Unmarshal(v, &f); err != nil {
				return err
			}
			folders = append(folders, f)
			return nil
		}); err != nil {
			return err
		}
		return tx.Bucket(bucketDocuments).ForEach(func(_, v []byte) error {
			var d DocumentRecord
			if err := json.Unmarshal(v, &d); err != nil {
				return err
			}
			documents = append(documents, d)
			return nil
		})
	})
	return
}

// Close closes the underlying database.
func (m *MetadataStore) Close() error {
	return m.db.Close()
}

func putJSON(db *bbolt.DB, bucket []byte, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(key), data)
	})
}

func getJSON(db *bbolt.DB, bucket []byte, key string, out any) (bool, error) {
	found := false
	err := db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucket).Get([]byte(key))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, out)
	})
	return found, err
}

func deleteMatching(b *bbolt.Bucket, match func([]byte) bool) error {
	var toDelete [][]byte
	err := b.ForEach(func(k, v []byte) error {
		if match(v) {
			toDelete = append(toDelete, append([]byte(nil), k...))
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, k := range toDelete {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

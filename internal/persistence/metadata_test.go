package persistence

import "testing"

func TestMetadataStoreWorkspaceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenMetadataStore(dir)
	if err != nil {
		t.Fatalf("OpenMetadataStore: %v", err)
	}
	defer store.Close()

	ws := WorkspaceRecord{ID: "ws-1", Name: "Team Notes", Roles: map[string]string{"pub1": "writer"}}
	if err := store.PutWorkspace(ws); err != nil {
		t.Fatalf("PutWorkspace: %v", err)
	}

	got, ok, err := store.GetWorkspace("ws-1")
	if err != nil {
		t.Fatalf("GetWorkspace: %v", err)
	}
	if !ok {
		t.Fatalf("expected workspace to be found")
	}
	if got.Name != "Team Notes" || got.Roles["pub1"] != "writer" {
		t.Fatalf("got %+v", got)
	}
}

func TestMetadataStoreDeleteWorkspaceCascades(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenMetadataStore(dir)
	if err != nil {
		t.Fatalf("OpenMetadataStore: %v", err)
	}
	defer store.Close()

	store.PutWorkspace(WorkspaceRecord{ID: "ws-1"})
	store.PutDocument(DocumentRecord{ID: "doc-1", WorkspaceID: "ws-1", TypeTag: "text"})
	store.PutDocument(DocumentRecord{ID: "doc-2", WorkspaceID: "ws-2", TypeTag: "text"})

	if err := store.DeleteWorkspace("ws-1"); err != nil {
		t.Fatalf("DeleteWorkspace: %v", err)
	}

	if _, ok, _ := store.GetWorkspace("ws-1"); ok {
		t.Fatalf("workspace should be gone")
	}
	if _, ok, _ := store.GetDocument("doc-1"); ok {
		t.Fatalf("doc-1 should have been cascaded away")
	}
	if _, ok, _ := store.GetDocument("doc-2"); !ok {
		t.Fatalf("doc-2 belongs to a different workspace and must survive")
	}
}

func TestMetadataStoreIdentityRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenMetadataStore(dir)
	if err != nil {
		t.Fatalf("OpenMetadataStore: %v", err)
	}
	defer store.Close()

	if err := store.PutIdentity([]byte("encrypted-blob")); err != nil {
		t.Fatalf("PutIdentity: %v", err)
	}
	blob, err := store.GetIdentity()
	if err != nil {
		t.Fatalf("GetIdentity: %v", err)
	}
	if string(blob) != "encrypted-blob" {
		t.Fatalf("blob = %q, want encrypted-blob", blob)
	}

	if err := store.DeleteIdentity(); err != nil {
		t.Fatalf("DeleteIdentity: %v", err)
	}
	blob2, _ := store.GetIdentity()
	if blob2 != nil {
		t.Fatalf("expected identity gone after delete, got %q", blob2)
	}
}

func TestMetadataStoreLoadAll(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenMetadataStore(dir)
	if err != nil {
		t.Fatalf("OpenMetadataStore: %v", err)
	}
	defer store.Close()

	store.PutWorkspace(WorkspaceRecord{ID: "ws-1"})
	store.PutDocument(DocumentRecord{ID: "doc-1", WorkspaceID: "ws-1"})

	workspaces, _, documents, err := store.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(workspaces) != 1 || len(documents) != 1 {
		t.Fatalf("loaded %d workspaces, %d documents, want 1 and 1", len(workspaces), len(documents))
	}
}

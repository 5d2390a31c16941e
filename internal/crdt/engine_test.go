package crdt

import (
	"encoding/json"
	"testing"

	"github.com/nahma/nahma-core/internal/errs"
)

func mustMarshal(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestEngineApplyLocalTextRoundTrip(t *testing.T) {
	e := NewEngine("node-a")
	if _, err := e.OpenDocument("doc-1", TypeText); err != nil {
		t.Fatalf("OpenDocument: %v", err)
	}

	u1, err := e.ApplyLocal("doc-1", OpTextInsert, mustMarshal(t, textInsertPayload{
		After: rgaRootID, Char: 'h', ID: RGANodeID{Seq: 1, NodeID: "node-a"},
	}))
	if err != nil {
		t.Fatalf("ApplyLocal: %v", err)
	}
	if u1.Clock["node-a"] != 1 {
		t.Fatalf("clock after first local update = %v, want node-a:1", u1.Clock)
	}

	s, ok := e.state("doc-1")
	if !ok {
		t.Fatal("expected doc-1 state to exist")
	}
	if got := s.root.text.Text(); got != "h" {
		t.Fatalf("text = %q, want %q", got, "h")
	}
}

func TestEngineApplyRemoteMalformedPayloadDropped(t *testing.T) {
	e := NewEngine("node-a")
	e.OpenDocument("doc-1", TypeText)

	err := e.ApplyRemote("doc-1", Update{
		Kind:    OpTextInsert,
		Payload: json.RawMessage(`{not valid json`),
		Clock:   VClock{"node-b": 1},
		NodeID:  "node-b",
	})
	if err != errs.ErrMalformedUpdate {
		t.Fatalf("err = %v, want ErrMalformedUpdate", err)
	}

	sv, _ := e.StateVector("doc-1")
	if len(sv) != 0 {
		t.Fatalf("clock must be untouched after a dropped update, got %v", sv)
	}
}

func TestEngineApplyRemoteWrongTypeTagRejected(t *testing.T) {
	e := NewEngine("node-a")
	e.OpenDocument("doc-1", TypeSheet)

	err := e.ApplyRemote("doc-1", Update{
		Kind:    OpTextInsert,
		Payload: mustMarshal(t, textInsertPayload{Char: 'x'}),
		Clock:   VClock{"node-b": 1},
	})
	if err != errs.ErrMalformedUpdate {
		t.Fatalf("err = %v, want ErrMalformedUpdate for mismatched type tag", err)
	}
}

func TestEngineDiffSinceReturnsUnseenUpdates(t *testing.T) {
	e := NewEngine("node-a")
	e.OpenDocument("doc-1", TypeSheet)

	e.ApplyLocal("doc-1", OpSheetSetCell, mustMarshal(t, sheetSetCellPayload{Cell: "A1", Value: "1"}))
	e.ApplyLocal("doc-1", OpSheetSetCell, mustMarshal(t, sheetSetCellPayload{Cell: "A2", Value: "2"}))

	missing, err := e.DiffSince("doc-1", VClock{})
	if err != nil {
		t.Fatalf("DiffSince: %v", err)
	}
	if len(missing) != 2 {
		t.Fatalf("missing = %d updates, want 2", len(missing))
	}

	sv, _ := e.StateVector("doc-1")
	caughtUp, err := e.DiffSince("doc-1", sv)
	if err != nil {
		t.Fatalf("DiffSince: %v", err)
	}
	if len(caughtUp) != 0 {
		t.Fatalf("expected no missing updates once caught up, got %d", len(caughtUp))
	}
}

func TestEngineOperationsOnUnknownDocumentReturnNotFound(t *testing.T) {
	e := NewEngine("node-a")

	if _, err := e.StateVector("ghost"); err != errs.ErrNotFound {
		t.Fatalf("StateVector err = %v, want ErrNotFound", err)
	}
	if err := e.ApplyRemote("ghost", Update{}); err != errs.ErrNotFound {
		t.Fatalf("ApplyRemote err = %v, want ErrNotFound", err)
	}
	if _, err := e.ApplyLocal("ghost", OpTextInsert, nil); err != errs.ErrNotFound {
		t.Fatalf("ApplyLocal err = %v, want ErrNotFound", err)
	}
}

func TestEngineCloseDocumentEvicts(t *testing.T) {
	e := NewEngine("node-a")
	e.OpenDocument("doc-1", TypeKanban)
	e.CloseDocument("doc-1")

	if _, err := e.StateVector("doc-1"); err != errs.ErrNotFound {
		t.Fatalf("expected ErrNotFound after close, got %v", err)
	}
}

func TestEngineKanbanLabelAddRemove(t *testing.T) {
	e := NewEngine("node-a")
	e.OpenDocument("board-1", TypeKanban)

	e.ApplyLocal("board-1", OpKanbanCard, mustMarshal(t, kanbanCardPayload{CardID: "c1", Title: "Fix bug"}))
	if _, err := e.AddLocalKanbanLabel("board-1", "c1", "urgent"); err != nil {
		t.Fatalf("AddLocalKanbanLabel: %v", err)
	}

	s, _ := e.state("board-1")
	if !s.root.card("c1").Labels.Contains("urgent") {
		t.Fatalf("expected label urgent to be present")
	}

	e.ApplyLocal("board-1", OpKanbanLabel, mustMarshal(t, kanbanLabelPayload{CardID: "c1", Label: "urgent", Remove: true}))
	if s.root.card("c1").Labels.Contains("urgent") {
		t.Fatalf("expected label urgent to be removed")
	}
}

func TestEngineInsertLocalTextBuildsUpDocument(t *testing.T) {
	e := NewEngine("node-a")
	e.OpenDocument("doc-1", TypeText)

	after := RGANodeID{}
	for _, ch := range "Hi" {
		u, err := e.InsertLocalText("doc-1", after, ch)
		if err != nil {
			t.Fatalf("InsertLocalText(%q): %v", ch, err)
		}
		var p textInsertPayload
		if err := json.Unmarshal(u.Payload, &p); err != nil {
			t.Fatalf("unmarshal payload: %v", err)
		}
		after = p.ID
	}

	got, err := e.Text("doc-1")
	if err != nil {
		t.Fatalf("Text: %v", err)
	}
	if got != "Hi" {
		t.Fatalf("text = %q, want Hi", got)
	}
}

func TestEngineInsertLocalTextRejectsNonTextDocument(t *testing.T) {
	e := NewEngine("node-a")
	e.OpenDocument("board-1", TypeKanban)
	if _, err := e.InsertLocalText("board-1", RGANodeID{}, 'x'); err != errs.ErrMalformedUpdate {
		t.Fatalf("expected ErrMalformedUpdate, got %v", err)
	}
}

package crdt

import "sync"

// TypeTag identifies which CRDT composition a document uses.
type TypeTag string

const (
	TypeText   TypeTag = "text"
	TypeSheet  TypeTag = "sheet"
	TypeKanban TypeTag = "kanban"
)

// cellAddr addresses a single spreadsheet cell, e.g. "A1".
type cellAddr string

// cardRecord is one kanban card: free-form fields last-writer-wins, labels
// an add-wins set so concurrent labelers never clobber each other.
type cardRecord struct {
	Title  *LWWRegister[string]
	Labels *ORSet
}

func newCardRecord() *cardRecord {
	return &cardRecord{
		Title:  NewLWWRegister[string](),
		Labels: NewORSet(),
	}
}

// docRoot is the tagged union of CRDT structures backing one of the three
// document type tags. Exactly one of the three groups of fields is
// populated, selected by the owning ReplicationState's typeTag.
type docRoot struct {
	// text
	text *RGA

	// sheet
	cells    map[cellAddr]*LWWRegister[string]
	cellsMu  sync.Mutex
	rowOrder *RGA

	// kanban
	columnOrder *RGA
	cards       map[string]*cardRecord
	cardsMu     sync.Mutex
}

// newDocRoot constructs the zero-value composition for typeTag, stamping
// any owned RGAs with nodeID as their local writer identity.
func newDocRoot(typeTag TypeTag, nodeID string) *docRoot {
	switch typeTag {
	case TypeSheet:
		return &docRoot{
			cells:    make(map[cellAddr]*LWWRegister[string]),
			rowOrder: NewRGA(nodeID),
		}
	case TypeKanban:
		return &docRoot{
			columnOrder: NewRGA(nodeID),
			cards:       make(map[string]*cardRecord),
		}
	default:
		return &docRoot{text: NewRGA(nodeID)}
	}
}

// cell returns (creating if absent) the register for a sheet cell address.
func (d *docRoot) cell(addr cellAddr) *LWWRegister[string] {
	d.cellsMu.Lock()
	defer d.cellsMu.Unlock()
	r, ok := d.cells[addr]
	if !ok {
		r = NewLWWRegister[string]()
		d.cells[addr] = r
	}
	return r
}

// card returns (creating if absent) the record for a kanban card ID.
func (d *docRoot) card(id string) *cardRecord {
	d.cardsMu.Lock()
	defer d.cardsMu.Unlock()
	c, ok := d.cards[id]
	if !ok {
		c = newCardRecord()
		d.cards[id] = c
	}
	return c
}

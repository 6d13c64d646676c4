package storage

import (
	"fmt"
	"sync"

	"github.com/golang/snappy"

	"github.com/mantisdb/partitiondb/wire"
)

// FragmentHandler computes the output rows for one compiled fragment id,
// given its parameter blob and the dependency inputs already available
// (stashed plus attached). Tests register one handler per fragment id to
// stand in for a real compiled query plan.
type FragmentHandler func(params []byte, inputs map[int32]wire.Table) (wire.Table, error)

// undoEntry is one write recorded against an UndoToken so UndoUndoToken can
// reverse it.
type undoEntry struct {
	tableIndex int
	prevLen    int // length of the table before this write; truncate to undo
}

// MemEngine is the in-memory mock storage engine: the "in-memory mock"
// backend target from the configuration knobs. It is the only backend used
// by the executor's own tests, and by MemEngine-wrapping RecordingEngine
// for the single-writer property test.
type MemEngine struct {
	mu sync.Mutex

	catalog  []byte
	tables   map[int]wire.Table
	stashed  map[int32]wire.Table
	handlers map[int64]FragmentHandler

	undoLog          map[UndoToken][]undoEntry
	highestIssued    UndoToken
	highestReleased  UndoToken
	lastCommittedTxn uint64
	closed           bool
}

// NewMemEngine creates an empty in-memory engine.
func NewMemEngine() *MemEngine {
	return &MemEngine{
		tables:   make(map[int]wire.Table),
		stashed:  make(map[int32]wire.Table),
		handlers: make(map[int64]FragmentHandler),
		undoLog:  make(map[UndoToken][]undoEntry),
	}
}

// RegisterFragmentHandler installs the handler invoked when fragmentID
// appears in a batch.
func (m *MemEngine) RegisterFragmentHandler(fragmentID int64, h FragmentHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[fragmentID] = h
}

func (m *MemEngine) LoadCatalog(catalog []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrEngineClosed
	}
	m.catalog = catalog
	return nil
}

func (m *MemEngine) Tick(nowUnixNano int64, lastCommittedTxnID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrEngineClosed
	}
	m.lastCommittedTxn = lastCommittedTxnID
	return nil
}

func (m *MemEngine) StashWorkUnitDependencies(deps map[int32]wire.Table) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrEngineClosed
	}
	for id, rows := range deps {
		m.stashed[id] = rows
	}
	return nil
}

func (m *MemEngine) ExecuteQueryPlanFragmentsAndGetDependencySet(
	fragmentIDs []int64,
	inputDepIDs, outputDepIDs []int32,
	params [][]byte,
	txnID uint64,
	lastCommittedTxnID uint64,
	undo UndoToken,
) (map[int32]wire.Table, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrEngineClosed
	}
	if undo != 0 && undo < m.highestIssued {
		return nil, fmt.Errorf("storage: undo token %d is not monotonically increasing (last issued %d)", undo, m.highestIssued)
	}
	if undo != 0 {
		m.highestIssued = undo
	}

	inputs := make(map[int32]wire.Table, len(inputDepIDs))
	for _, id := range inputDepIDs {
		if rows, ok := m.stashed[id]; ok {
			inputs[id] = rows
		}
	}

	out := make(map[int32]wire.Table, len(fragmentIDs))
	for i, fid := range fragmentIDs {
		h, ok := m.handlers[fid]
		if !ok {
			return nil, fmt.Errorf("storage: no fragment handler registered for fragment %d", fid)
		}
		var p []byte
		if i < len(params) {
			p = params[i]
		}
		rows, err := h(p, inputs)
		if err != nil {
			return nil, err
		}
		if i < len(outputDepIDs) {
			out[outputDepIDs[i]] = rows
		}
	}
	return out, nil
}

func (m *MemEngine) ReleaseUndoToken(undo UndoToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrEngineClosed
	}
	if undo == 0 {
		return nil
	}
	for tok := range m.undoLog {
		if tok <= undo {
			delete(m.undoLog, tok)
		}
	}
	if undo > m.highestReleased {
		m.highestReleased = undo
	}
	return nil
}

func (m *MemEngine) UndoUndoToken(undo UndoToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrEngineClosed
	}
	if undo == 0 {
		return nil
	}
	// LIFO rollback: undo every entry tagged with this token or later.
	for tok, entries := range m.undoLog {
		if tok < undo {
			continue
		}
		for _, e := range entries {
			if rows, ok := m.tables[e.tableIndex]; ok && e.prevLen <= len(rows) {
				m.tables[e.tableIndex] = rows[:e.prevLen]
			}
		}
		delete(m.undoLog, tok)
	}
	return nil
}

func (m *MemEngine) LoadTable(tableIndex int, rows wire.Table, txnID uint64, lastCommittedTxnID uint64, undo UndoToken, allowELT bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrEngineClosed
	}

	existing := m.tables[tableIndex]
	prevLen := len(existing)

	for _, row := range rows {
		framed := snappy.Encode(nil, row)
		unframed, err := snappy.Decode(nil, framed)
		if err != nil {
			return fmt.Errorf("storage: bulk-load frame round trip failed: %w", err)
		}
		existing = append(existing, wire.Row(unframed))
	}
	m.tables[tableIndex] = existing

	if undo != 0 {
		m.undoLog[undo] = append(m.undoLog[undo], undoEntry{tableIndex: tableIndex, prevLen: prevLen})
	}
	return nil
}

// Close marks the engine unusable; further calls return ErrEngineClosed.
func (m *MemEngine) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

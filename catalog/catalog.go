package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/tidwall/btree"
	"mit.edu/dsg/planlab/common"
)

// Catalog holds the statistics the cost model consumes: per-table block and
// row counts, per-column distinct-value counts and the buffer budget M.
// The whole catalog is serialized as a single JSON blob through a
// PersistenceProvider; every mutation rewrites it, and a mutation whose save
// fails leaves the catalog unchanged.
//
// A Catalog answers the stats.Provider questions directly, so a saved
// catalog can stand in for a live database when building plan trees.
type Catalog struct {
	mu           sync.RWMutex
	bufferBlocks int64
	tables       *btree.BTreeG[*TableStats]
	provider     PersistenceProvider
}

// TableStats describes one base relation. Columns maps a column name to its
// number of distinct values.
type TableStats struct {
	Name    string           `json:"name"`
	Blocks  int64            `json:"blocks"`
	Rows    int64            `json:"rows"`
	Columns map[string]int64 `json:"columns,omitempty"`
}

// PersistenceProvider abstracts how the catalog is saved to and loaded from disk.
type PersistenceProvider interface {
	LoadCatalogState() (json string, err error)
	SaveCatalogState(json string) error
}

func (t *TableStats) String() string {
	b, _ := json.MarshalIndent(t, "", "  ")
	return string(b)
}

func (t *TableStats) clone() *TableStats {
	c := &TableStats{Name: t.Name, Blocks: t.Blocks, Rows: t.Rows}
	if len(t.Columns) > 0 {
		c.Columns = make(map[string]int64, len(t.Columns))
		for k, v := range t.Columns {
			c.Columns[k] = v
		}
	}
	return c
}

type catalogState struct {
	BufferBlocks int64         `json:"buffer_blocks"`
	Tables       []*TableStats `json:"tables"`
}

func byName(a, b *TableStats) bool {
	return a.Name < b.Name
}

// NewCatalog initializes a catalog. It attempts to load existing state from
// the provider; if no state exists, it starts empty. A nil provider gives an
// in-memory catalog that is never persisted.
func NewCatalog(provider PersistenceProvider) (*Catalog, error) {
	result := &Catalog{
		tables:   btree.NewBTreeG(byName),
		provider: provider,
	}
	if provider == nil {
		return result, nil
	}

	jsonData, err := provider.LoadCatalogState()
	if errors.Is(err, os.ErrNotExist) {
		return result, nil
	}
	if err != nil {
		return nil, err
	}

	var state catalogState
	if err := json.Unmarshal([]byte(jsonData), &state); err != nil {
		// usually indicates a hand-edited or truncated file
		return nil, fmt.Errorf("failed to parse catalog state: %v", err)
	}
	result.bufferBlocks = state.BufferBlocks
	for _, t := range state.Tables {
		if err := validateTable(t); err != nil {
			return nil, err
		}
		result.tables.Set(t)
	}
	return result, nil
}

func validateTable(t *TableStats) error {
	if t.Name == "" {
		return common.Errorf(common.InvalidConfiguration, "table statistics without a name")
	}
	if t.Blocks < 0 || t.Rows < 0 {
		return common.Errorf(common.InvalidConfiguration, "table '%s' has negative blocks or rows", t.Name)
	}
	for col, v := range t.Columns {
		if v < 0 {
			return common.Errorf(common.InvalidConfiguration, "column '%s.%s' has a negative distinct count", t.Name, col)
		}
	}
	return nil
}

func stateJSON(tables *btree.BTreeG[*TableStats], bufferBlocks int64) (string, error) {
	state := catalogState{BufferBlocks: bufferBlocks, Tables: make([]*TableStats, 0, tables.Len())}
	tables.Scan(func(t *TableStats) bool {
		state.Tables = append(state.Tables, t)
		return true
	})
	b, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// commit persists the given state and installs it. tables must be a copy
// the caller owns; on a failed save the current state is kept.
func (c *Catalog) commit(tables *btree.BTreeG[*TableStats], bufferBlocks int64) error {
	if c.provider != nil {
		jsonData, err := stateJSON(tables, bufferBlocks)
		if err != nil {
			return err
		}
		if err := c.provider.SaveCatalogState(jsonData); err != nil {
			return err
		}
	}
	c.tables, c.bufferBlocks = tables, bufferBlocks
	return nil
}

func (c *Catalog) String() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, _ := stateJSON(c.tables, c.bufferBlocks)
	return s
}

// AddTable registers statistics for a new table. If a table with that name
// already exists, it returns DuplicateObjectError.
func (c *Catalog) AddTable(t TableStats) error {
	if err := validateTable(&t); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.tables.Get(&TableStats{Name: t.Name}); exists {
		return common.Errorf(common.DuplicateObjectError, "table '%s' already exists", t.Name)
	}
	next := c.tables.Copy()
	next.Set(t.clone())
	return c.commit(next, c.bufferBlocks)
}

// PutTable inserts or replaces the statistics of a table.
func (c *Catalog) PutTable(t TableStats) error {
	return c.Apply(Update{Tables: []TableStats{t}})
}

// Update is a batch of changes that Apply validates, persists and installs
// together.
type Update struct {
	// Tables are inserted or replaced.
	Tables []TableStats
	// BufferBlocks replaces the buffer budget when positive.
	BufferBlocks int64
}

// Apply installs every change of u with a single save. Nothing changes when
// any table is invalid or the save fails.
func (c *Catalog) Apply(u Update) error {
	for i := range u.Tables {
		if err := validateTable(&u.Tables[i]); err != nil {
			return err
		}
	}
	if u.BufferBlocks < 0 {
		return common.Errorf(common.InvalidConfiguration, "negative buffer budget %d", u.BufferBlocks)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	next := c.tables.Copy()
	for i := range u.Tables {
		next.Set(u.Tables[i].clone())
	}
	budget := c.bufferBlocks
	if u.BufferBlocks > 0 {
		budget = u.BufferBlocks
	}
	return c.commit(next, budget)
}

// DropTable removes a table, returning NoSuchObjectError if it is unknown.
func (c *Catalog) DropTable(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := c.tables.Copy()
	if _, ok := next.Delete(&TableStats{Name: name}); !ok {
		return common.Errorf(common.NoSuchObjectError, "table '%s' does not exist", name)
	}
	return c.commit(next, c.bufferBlocks)
}

// SetBufferBlocks records the buffer budget M. Zero clears it.
func (c *Catalog) SetBufferBlocks(m int64) error {
	if m < 0 {
		return common.Errorf(common.InvalidConfiguration, "negative buffer budget %d", m)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.commit(c.tables.Copy(), m)
}

// GetTable returns a copy of the statistics of a table.
func (c *Catalog) GetTable(name string) (TableStats, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tables.Get(&TableStats{Name: name})
	if !ok {
		return TableStats{}, common.Errorf(common.NoSuchObjectError, "table '%s' does not exist", name)
	}
	return *t.clone(), nil
}

// Tables lists every table in name order.
func (c *Catalog) Tables() []TableStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]TableStats, 0, c.tables.Len())
	c.tables.Scan(func(t *TableStats) bool {
		out = append(out, *t.clone())
		return true
	})
	return out
}

func (c *Catalog) lookup(table string) (*TableStats, error) {
	t, ok := c.tables.Get(&TableStats{Name: table})
	if !ok {
		return nil, common.Errorf(common.StatisticsUnavailable, "no statistics for table '%s'", table)
	}
	return t, nil
}

func (c *Catalog) BlockCount(_ context.Context, table string) (int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, err := c.lookup(table)
	if err != nil {
		return 0, err
	}
	return t.Blocks, nil
}

func (c *Catalog) RowCount(_ context.Context, table string) (int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, err := c.lookup(table)
	if err != nil {
		return 0, err
	}
	return t.Rows, nil
}

func (c *Catalog) DistinctCount(_ context.Context, table, column string) (int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, err := c.lookup(table)
	if err != nil {
		return 0, err
	}
	v, ok := t.Columns[column]
	if !ok {
		return 0, common.Errorf(common.StatisticsUnavailable, "no distinct count for '%s.%s'", table, column)
	}
	return v, nil
}

func (c *Catalog) BufferBudgetBlocks(context.Context) (int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.bufferBlocks == 0 {
		return 0, common.Errorf(common.StatisticsUnavailable, "catalog has no buffer budget")
	}
	return c.bufferBlocks, nil
}

const CatalogFileName = "catalog.json"

type DiskCatalogManager struct {
	rootPath string
}

func NewDiskCatalogManager(rootPath string) *DiskCatalogManager {
	return &DiskCatalogManager{
		rootPath: rootPath,
	}
}

// LoadCatalogState implements the catalog.PersistenceProvider interface.
func (dcm *DiskCatalogManager) LoadCatalogState() (string, error) {
	content, err := os.ReadFile(filepath.Join(dcm.rootPath, CatalogFileName))
	if err != nil {
		return "", err // os.ErrNotExist is handled by NewCatalog
	}
	return string(content), nil
}

// SaveCatalogState implements the catalog.PersistenceProvider interface.
// The write goes to a temporary file that is renamed over the old catalog.
func (dcm *DiskCatalogManager) SaveCatalogState(jsonData string) error {
	if err := os.MkdirAll(dcm.rootPath, 0o755); err != nil {
		return err
	}
	tmpPath := filepath.Join(dcm.rootPath, CatalogFileName+".tmp")
	finalPath := filepath.Join(dcm.rootPath, CatalogFileName)

	if err := os.WriteFile(tmpPath, []byte(jsonData), 0644); err != nil {
		return err
	}
	return os.Rename(tmpPath, finalPath)
}

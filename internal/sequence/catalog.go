// Package sequence holds the catalog of multi-step outreach sequences and
// the scheduler that expands a sequence into dated tasks for one quote.
package sequence

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"quoteflow/internal/storage"

	"go.yaml.in/yaml/v3"
)

var (
	ErrUnknownSequence  = errors.New("unknown sequence")
	ErrSequenceDisabled = errors.New("sequence disabled")
)

// Catalog is the set of sequence definitions keyed by id. Enablement can be
// bound to a settings side table so toggles survive restarts.
type Catalog struct {
	mu       sync.RWMutex
	defs     map[string]Definition
	order    []string
	settings storage.SettingsRepo
}

func NewCatalog(defs ...Definition) (*Catalog, error) {
	c := &Catalog{defs: make(map[string]Definition, len(defs))}
	for _, d := range defs {
		if err := c.Register(d); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// DefaultCatalog returns the built-in sequences.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(builtinDefinitions()...)
	if err != nil {
		panic(fmt.Sprintf("sequence: invalid built-in catalog: %v", err))
	}
	return c
}

// Register adds d or replaces the definition with the same id, keeping its
// position in the listing order.
func (c *Catalog) Register(d Definition) error {
	d = d.clone()
	if err := d.normalize(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.defs[d.ID]; !ok {
		c.order = append(c.order, d.ID)
	}
	c.defs[d.ID] = d
	return nil
}

type catalogFile struct {
	Sequences []Definition `yaml:"sequences"`
}

// LoadFile registers every sequence in a YAML catalog file. Entries with a
// built-in id replace it. Nothing is registered if any entry is invalid.
func (c *Catalog) LoadFile(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	var f catalogFile
	if err := dec.Decode(&f); err != nil {
		return 0, fmt.Errorf("sequence catalog %s: %w", path, err)
	}
	for i := range f.Sequences {
		if err := f.Sequences[i].normalize(); err != nil {
			return 0, fmt.Errorf("sequence catalog %s: %w", path, err)
		}
	}
	for _, d := range f.Sequences {
		if err := c.Register(d); err != nil {
			return 0, err
		}
	}
	return len(f.Sequences), nil
}

func (c *Catalog) Get(id string) (Definition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.defs[id]
	if !ok {
		return Definition{}, false
	}
	return d.clone(), true
}

func (c *Catalog) All() []Definition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Definition, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.defs[id].clone())
	}
	return out
}

func (c *Catalog) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.order...)
}

// Bind applies persisted enablement and routes later toggles to settings.
// Settings for ids not in the catalog are ignored.
func (c *Catalog) Bind(ctx context.Context, settings storage.SettingsRepo) error {
	m, err := settings.LoadSequenceSettings(ctx)
	if err != nil {
		return fmt.Errorf("load sequence settings: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settings = settings
	for id, enabled := range m {
		d, ok := c.defs[id]
		if !ok {
			continue
		}
		d.Enabled = enabled
		c.defs[id] = d
	}
	return nil
}

// SetEnabled persists the flag first when the catalog is bound, so a failed
// write leaves the in-memory state unchanged.
func (c *Catalog) SetEnabled(ctx context.Context, id string, enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.defs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSequence, id)
	}
	return c.setLocked(ctx, d, enabled)
}

// Toggle flips enablement and returns the new value.
func (c *Catalog) Toggle(ctx context.Context, id string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.defs[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownSequence, id)
	}
	if err := c.setLocked(ctx, d, !d.Enabled); err != nil {
		return d.Enabled, err
	}
	return !d.Enabled, nil
}

func (c *Catalog) setLocked(ctx context.Context, d Definition, enabled bool) error {
	if c.settings != nil {
		if err := c.settings.PutSequenceSetting(ctx, d.ID, enabled); err != nil {
			return fmt.Errorf("persist sequence %s: %w", d.ID, err)
		}
	}
	d.Enabled = enabled
	c.defs[d.ID] = d
	return nil
}

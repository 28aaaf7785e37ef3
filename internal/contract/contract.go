// ABOUTME: Schema contract types and the hot-swappable contract registry
// ABOUTME: Contracts persist as JSON and swap atomically under admin control

package contract

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
)

// Column types accepted by a contract.
const (
	TypeString   = "string"
	TypeNumber   = "number"
	TypeInteger  = "integer"
	TypeBoolean  = "boolean"
	TypeDatetime = "datetime"
	TypeDate     = "date"
)

var validTypes = map[string]struct{}{
	TypeString:   {},
	TypeNumber:   {},
	TypeInteger:  {},
	TypeBoolean:  {},
	TypeDatetime: {},
	TypeDate:     {},
}

// Column declares the expected type of one contract column and whether a
// value must be present.
type Column struct {
	Type     string `json:"type"`
	Required bool   `json:"required"`
}

// Contract maps column names to their validation rules. A nil contract means
// no validation: every record passes through unchanged.
type Contract struct {
	Columns map[string]Column `json:"columns"`
}

// Validate checks every declared column type.
func (c *Contract) Validate() error {
	for name, col := range c.Columns {
		typ := col.Type
		if typ == "" {
			typ = TypeString
		}
		if _, ok := validTypes[typ]; !ok {
			return fmt.Errorf("column %q: unknown type %q", name, typ)
		}
	}
	return nil
}

// normalize fills in the default string type for columns that omit one.
func (c *Contract) normalize() {
	for name, col := range c.Columns {
		if col.Type == "" {
			col.Type = TypeString
			c.Columns[name] = col
		}
	}
}

// Registry holds the active contract behind an atomic pointer so an in-flight
// validation always sees one consistent contract version while an admin swap
// is in progress.
type Registry struct {
	active atomic.Pointer[Contract]
	path   string
	logger *slog.Logger
}

// NewRegistry creates a registry persisting contracts at the given path.
func NewRegistry(path string) *Registry {
	return &Registry{
		path:   path,
		logger: slog.Default().With("component", "contract"),
	}
}

// Load reads the persisted contract. A missing file is not an error: the
// registry stays empty and validation passes everything through.
func (r *Registry) Load() error {
	data, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		r.active.Store(nil)
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading contract file: %w", err)
	}

	var c Contract
	if err := json.Unmarshal(data, &c); err != nil {
		return fmt.Errorf("parsing contract file: %w", err)
	}
	c.normalize()
	if err := c.Validate(); err != nil {
		return fmt.Errorf("validating contract file: %w", err)
	}

	r.active.Store(&c)
	r.logger.Info("schema contract loaded", "path", r.path, "columns", len(c.Columns))
	return nil
}

// Get returns the active contract, or nil when none is loaded.
func (r *Registry) Get() *Contract {
	return r.active.Load()
}

// Replace persists the new contract and atomically makes it active.
func (r *Registry) Replace(c *Contract) error {
	c.normalize()
	if err := c.Validate(); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding contract: %w", err)
	}
	if dir := filepath.Dir(r.path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating contract directory: %w", err)
		}
	}
	if err := os.WriteFile(r.path, data, 0644); err != nil {
		return fmt.Errorf("writing contract file: %w", err)
	}

	r.active.Store(c)
	r.logger.Info("schema contract replaced", "path", r.path, "columns", len(c.Columns))
	return nil
}

// Path returns where the registry persists its contract.
func (r *Registry) Path() string {
	return r.path
}

// Package scenario loads negotiation definitions from files. A scenarios
// directory holds one YAML or JSON document per negotiation; the watcher
// re-imports documents as they change on disk.
package scenario

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ch-au/negosim/internal/domain"
)

// Store is the subset of the run store the importer needs
type Store interface {
	UpsertNegotiation(n *domain.Negotiation) error
}

// LoadFile parses one negotiation definition. The format follows the file
// extension: .yaml/.yml or .json.
func LoadFile(path string) (*domain.Negotiation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var neg domain.Negotiation
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &neg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	case ".json":
		if err := json.Unmarshal(data, &neg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("%s: unsupported scenario format %q", path, filepath.Ext(path))
	}

	if err := Validate(&neg); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &neg, nil
}

// Validate checks the structural invariants a negotiation definition must
// hold before it can back a queue
func Validate(n *domain.Negotiation) error {
	if n.ID == "" {
		return fmt.Errorf("negotiation has no id")
	}
	if len(n.Products) == 0 {
		return fmt.Errorf("negotiation %s has no products", n.ID)
	}
	for _, p := range n.Products {
		if p.ID == "" {
			return fmt.Errorf("negotiation %s: product has no id", n.ID)
		}
		if len(p.Dimensions) == 0 {
			return fmt.Errorf("negotiation %s: product %s has no dimensions", n.ID, p.ID)
		}
		for _, d := range p.Dimensions {
			if d.ID == "" {
				return fmt.Errorf("negotiation %s: product %s has a dimension without an id", n.ID, p.ID)
			}
			if d.Weight < 0 {
				return fmt.Errorf("negotiation %s: dimension %s has a negative weight", n.ID, d.ID)
			}
			if d.Direction != "" && d.Direction != "higher" && d.Direction != "lower" {
				return fmt.Errorf("negotiation %s: dimension %s direction %q is not higher or lower", n.ID, d.ID, d.Direction)
			}
		}
	}
	return nil
}

// Importer persists loaded definitions into the store
type Importer struct {
	store Store
}

// NewImporter creates an Importer
func NewImporter(store Store) *Importer {
	return &Importer{store: store}
}

// ImportFile loads one definition and upserts it
func (im *Importer) ImportFile(path string) (*domain.Negotiation, error) {
	neg, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	if err := im.store.UpsertNegotiation(neg); err != nil {
		return nil, fmt.Errorf("storing negotiation %s: %w", neg.ID, err)
	}
	log.Printf("scenario: imported %s (%s)", neg.ID, filepath.Base(path))
	return neg, nil
}

// ImportDir imports every scenario file directly under dir and returns how
// many succeeded. A broken file is logged and skipped; the watcher picks it
// up again once it is fixed.
func (im *Importer) ImportDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}

	imported := 0
	for _, entry := range entries {
		if entry.IsDir() || !isScenarioFile(entry.Name()) {
			continue
		}
		if _, err := im.ImportFile(filepath.Join(dir, entry.Name())); err != nil {
			log.Printf("scenario: %v", err)
			continue
		}
		imported++
	}
	return imported, nil
}

func isScenarioFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

package resolver

import (
	"context"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/fentz26/scriptd/internal/audit"
	"github.com/fentz26/scriptd/internal/models"
	"github.com/fentz26/scriptd/internal/params"
)

// Catalog is a file listing scripts to register. JSON catalogs parse too.
type Catalog struct {
	Scripts []CatalogEntry `yaml:"scripts"`
}

// CatalogEntry is one script in a catalog. Relative paths are taken from
// the scripts root.
type CatalogEntry struct {
	Name        string        `yaml:"name"`
	Path        string        `yaml:"path"`
	Kind        string        `yaml:"kind"`
	Description string        `yaml:"description"`
	Active      *bool         `yaml:"active"`
	Parameters  params.Schema `yaml:"parameters"`
}

// LoadCatalog reads a catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog: %w", err)
	}
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parsing catalog: %w", err)
	}
	return &c, nil
}

// ImportCatalog registers every script in the catalog at path and returns
// how many were imported. A bad entry does not stop the others.
func (r *Resolver) ImportCatalog(ctx context.Context, path string) (int, error) {
	c, err := LoadCatalog(path)
	if err != nil {
		return 0, err
	}

	var (
		errs     []error
		imported int
	)
	for i, e := range c.Scripts {
		if err := r.importEntry(ctx, e); err != nil {
			errs = append(errs, fmt.Errorf("entry %d (%s): %w", i, e.Name, err))
			continue
		}
		imported++
	}

	r.logger.InfoContext(ctx, "catalog imported", "path", path, "imported", imported, "failed", len(errs))
	r.pdr.Note(audit.ActionImport, path, fmt.Sprintf("imported=%d failed=%d", imported, len(errs)), "", path)
	return imported, errors.Join(errs...)
}

// Identity converts the entry into a registration request.
func (e CatalogEntry) Identity() (models.ScriptIdentity, error) {
	raw, err := marshalSchema(e.Parameters)
	if err != nil {
		return models.ScriptIdentity{}, fmt.Errorf("encoding parameter schema: %w", err)
	}
	return models.ScriptIdentity{
		Name:        e.Name,
		Path:        e.Path,
		Kind:        e.Kind,
		Description: e.Description,
		Parameters:  raw,
	}, nil
}

func (r *Resolver) importEntry(ctx context.Context, e CatalogEntry) error {
	id, err := e.Identity()
	if err != nil {
		return err
	}
	sc, err := r.Register(ctx, id)
	if err != nil {
		return err
	}
	if e.Active != nil && !*e.Active {
		if _, err := r.SetActive(ctx, sc.ID, false); err != nil {
			return err
		}
	}
	return nil
}

// Package resolver turns a caller's script reference into a registered,
// runnable ScriptIdentity.
package resolver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fentz26/scriptd/internal/audit"
	"github.com/fentz26/scriptd/internal/connectors"
	"github.com/fentz26/scriptd/internal/connectors/localexec"
	"github.com/fentz26/scriptd/internal/models"
	"github.com/fentz26/scriptd/internal/params"
	"github.com/fentz26/scriptd/internal/store"
	"github.com/fentz26/scriptd/internal/xjson"
)

// ErrNotFound is returned when a reference names no runnable script.
var ErrNotFound = errors.New("script not found")

// DefaultKind is the kind assumed for bare script names.
const DefaultKind = "python"

// Resolver resolves references against the registry and the scripts root.
type Resolver struct {
	store      *store.Store
	pdr        *audit.PDRWriter
	root       string
	defaultExt string
	supports   func(path string) bool
	logger     *slog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver) error

// WithDefaultKind sets the kind whose extension is appended to bare names.
func WithDefaultKind(kind string) Option {
	return func(r *Resolver) error {
		ext, ok := localexec.ExtensionForKind(kind)
		if !ok {
			return fmt.Errorf("unknown script kind %q", kind)
		}
		r.defaultExt = ext
		return nil
	}
}

// WithAudit records registry changes as PDR rows.
func WithAudit(pdr *audit.PDRWriter) Option {
	return func(r *Resolver) error {
		r.pdr = pdr
		return nil
	}
}

// WithSupports rejects, before anything is registered, paths the runner
// cannot execute. Such references fail with connectors.ErrUnsupportedType.
func WithSupports(fn func(path string) bool) Option {
	return func(r *Resolver) error {
		r.supports = fn
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) error {
		r.logger = l
		return nil
	}
}

// New creates a Resolver rooted at scriptsRoot.
func New(s *store.Store, scriptsRoot string, opts ...Option) (*Resolver, error) {
	root, err := filepath.Abs(scriptsRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve scripts root: %w", err)
	}
	r := &Resolver{store: s, root: root, defaultExt: ".py"}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.logger = r.logger.With("component", "resolver")
	return r, nil
}

// Root returns the scripts root directory.
func (r *Resolver) Root() string { return r.root }

// Resolve maps ref to a registered script. The first populated form wins:
// ID, then Name with Path, then Name alone, then Path alone. References by
// name or path register the script on first use. A script whose file is
// missing, or that has been deactivated, is ErrNotFound.
func (r *Resolver) Resolve(ctx context.Context, ref models.ScriptRef) (*models.ScriptIdentity, error) {
	if ref.ID != 0 {
		sc, err := r.store.GetScript(ref.ID)
		if err != nil {
			return nil, err
		}
		if sc == nil || !sc.Active {
			return nil, fmt.Errorf("%w: id %d", ErrNotFound, ref.ID)
		}
		if err := checkFile(sc.Path); err != nil {
			return nil, err
		}
		return sc, nil
	}

	var name, path string
	switch {
	case ref.Name != "" && ref.Path != "":
		name, path = ref.Name, ref.Path
	case ref.Name != "":
		existing, err := r.store.GetScriptByName(ref.Name)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return r.checkRegistered(existing)
		}
		if path, err = r.defaultPath(ref.Name); err != nil {
			return nil, err
		}
		name = ref.Name
	case ref.Path != "":
		path = ref.Path
		name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	default:
		return nil, fmt.Errorf("%w: empty script reference", ErrNotFound)
	}

	if !filepath.IsAbs(path) {
		path = filepath.Join(r.root, path)
	}
	path = filepath.Clean(path)
	if err := checkFile(path); err != nil {
		return nil, err
	}
	if r.supports != nil && !r.supports(path) {
		return nil, fmt.Errorf("%w: %q", connectors.ErrUnsupportedType, filepath.Ext(path))
	}

	sc, err := r.store.EnsureScript(models.ScriptIdentity{
		Name: name,
		Path: path,
		Kind: localexec.KindForPath(path),
	})
	if err != nil {
		return nil, fmt.Errorf("register script: %w", err)
	}
	if !sc.Active {
		return nil, fmt.Errorf("%w: %s is inactive", ErrNotFound, name)
	}
	// An explicit path is used as given even when the registry knows the
	// name under another path.
	if sc.Path != path {
		r.logger.DebugContext(ctx, "explicit path overrides registry", "script", name, "registry_path", sc.Path, "path", path)
		sc.Path = path
		sc.Kind = localexec.KindForPath(path)
	}
	return sc, nil
}

func (r *Resolver) checkRegistered(sc *models.ScriptIdentity) (*models.ScriptIdentity, error) {
	if !sc.Active {
		return nil, fmt.Errorf("%w: %s is inactive", ErrNotFound, sc.Name)
	}
	if err := checkFile(sc.Path); err != nil {
		return nil, err
	}
	return sc, nil
}

// defaultPath derives <root>/<name><ext> for a bare name.
func (r *Resolver) defaultPath(name string) (string, error) {
	if name != filepath.Base(name) || name == "." || name == ".." {
		return "", fmt.Errorf("%w: invalid script name %q", ErrNotFound, name)
	}
	if filepath.Ext(name) == "" {
		name += r.defaultExt
	}
	return filepath.Join(r.root, name), nil
}

func checkFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s does not exist", ErrNotFound, path)
		}
		return fmt.Errorf("stat script: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s is a directory", ErrNotFound, path)
	}
	return nil
}

// Register creates or replaces the registry entry for sc.Name. The file
// must exist and the parameter schema, if any, must be well-formed.
func (r *Resolver) Register(ctx context.Context, sc models.ScriptIdentity) (*models.ScriptIdentity, error) {
	if sc.Name == "" {
		return nil, fmt.Errorf("%w: script name is required", params.ErrInvalidParameters)
	}
	if sc.Path == "" {
		p, err := r.defaultPath(sc.Name)
		if err != nil {
			return nil, err
		}
		sc.Path = p
	} else if !filepath.IsAbs(sc.Path) {
		sc.Path = filepath.Join(r.root, sc.Path)
	}
	sc.Path = filepath.Clean(sc.Path)
	if err := checkFile(sc.Path); err != nil {
		return nil, err
	}
	if r.supports != nil && !r.supports(sc.Path) {
		return nil, fmt.Errorf("%w: %q", connectors.ErrUnsupportedType, filepath.Ext(sc.Path))
	}
	if sc.Kind == "" {
		sc.Kind = localexec.KindForPath(sc.Path)
	}

	schema, err := params.ParseSchema(sc.Parameters)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", params.ErrInvalidParameters, err)
	}
	if err := schema.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", params.ErrInvalidParameters, err)
	}

	sc.Active = true
	out, err := r.store.UpsertScript(sc)
	if err != nil {
		return nil, err
	}
	r.logger.InfoContext(ctx, "script registered", "script", out.Name, "script_id", out.ID, "path", out.Path, "kind", out.Kind)
	r.pdr.Note(audit.ActionRegister, sc, "registered", "", out.Name)
	return out, nil
}

// SetActive enables or disables a script.
func (r *Resolver) SetActive(ctx context.Context, id int64, active bool) (*models.ScriptIdentity, error) {
	if err := r.store.SetScriptActive(id, active); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: id %d", ErrNotFound, id)
		}
		return nil, err
	}
	r.logger.InfoContext(ctx, "script activation changed", "script_id", id, "active", active)
	r.pdr.Note(audit.ActionSetActive, map[string]any{"id": id, "active": active}, fmt.Sprintf("active=%t", active), "", "")
	return r.Get(ctx, id)
}

// Get returns a registry entry whether or not it is active.
func (r *Resolver) Get(_ context.Context, id int64) (*models.ScriptIdentity, error) {
	sc, err := r.store.GetScript(id)
	if err != nil {
		return nil, err
	}
	if sc == nil {
		return nil, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return sc, nil
}

// List returns registry entries ordered by name.
func (r *Resolver) List(_ context.Context, activeOnly bool) ([]models.ScriptIdentity, error) {
	return r.store.ListScripts(activeOnly)
}

// Schema returns the parsed parameter schema of sc.
func Schema(sc *models.ScriptIdentity) (params.Schema, error) {
	return params.ParseSchema(sc.Parameters)
}

func marshalSchema(s params.Schema) (xjson.RawMessage, error) {
	if len(s) == 0 {
		return nil, nil
	}
	raw, err := xjson.Marshal(s)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

package overlay

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	ovl "github.com/speakeasy-api/openapi-overlay/pkg/overlay"

	"github.com/roach88/asyncverify/internal/logging"
	"github.com/roach88/asyncverify/internal/spec"
)

// Strategy names accepted by New.
const (
	StrategyInPlace     = "in-place"
	StrategyDocument    = "overlay"
	StrategyPrecomputed = "precomputed"
)

// StrategyNames lists the valid strategy names.
var StrategyNames = []string{StrategyInPlace, StrategyDocument, StrategyPrecomputed}

// ArtifactFileName is the overlay file written into a run's work directory.
const ArtifactFileName = "overlay.yaml"

// Strategy prepares the specification a verifier run consumes. All
// implementations produce semantically equivalent bindings and
// augmentations for the same selection.
type Strategy interface {
	Name() string
	Prepare(ctx context.Context, req Request) (*Prepared, error)
}

// Request is the input to Prepare.
type Request struct {
	Selection Selection

	// SpecPath is the base specification file.
	SpecPath string

	// WorkDir is owned by the run; overlay artifacts are written here.
	WorkDir string
}

// Prepared describes what the verifier should be pointed at.
type Prepared struct {
	Strategy string `json:"strategy"`

	// SpecDir is the directory holding the (possibly mutated) spec.
	SpecDir string `json:"spec_dir"`

	SpecPath string `json:"spec_path"`

	// OverlayPath is empty when the spec itself was mutated.
	OverlayPath string `json:"overlay_path,omitempty"`

	Fingerprint string   `json:"fingerprint"`
	Actions     int      `json:"actions"`
	Warnings    []string `json:"warnings,omitempty"`

	cleanup func() error
}

// Cleanup discards the run's artifacts: the overlay file is removed, or an
// in-place mutated spec is restored to its original bytes. It is a no-op
// when artifacts are kept, and safe to call more than once.
func (p *Prepared) Cleanup() error {
	if p == nil || p.cleanup == nil {
		return nil
	}
	fn := p.cleanup
	p.cleanup = nil
	return fn()
}

// Option configures a strategy.
type Option func(*options)

type options struct {
	logger *slog.Logger
	keep   bool
}

// WithLogger sets the strategy's logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// KeepArtifacts leaves overlay files and mutated specs in place after the
// run for inspection.
func KeepArtifacts(keep bool) Option {
	return func(o *options) {
		o.keep = keep
	}
}

func newOptions(opts []Option) options {
	o := options{logger: logging.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// New constructs a strategy by name. assets are searched in order for
// precomputed artifacts and ignored by the other strategies.
func New(name string, b *Builder, assets []fs.FS, opts ...Option) (Strategy, error) {
	switch name {
	case StrategyInPlace:
		return NewInPlace(b, opts...), nil
	case StrategyDocument:
		return NewDocument(b, opts...), nil
	case StrategyPrecomputed:
		return NewPrecomputed(assets, opts...), nil
	default:
		return nil, UnknownStrategyError(name)
	}
}

// UnknownStrategyError reports a strategy name outside StrategyNames.
func UnknownStrategyError(name string) *MutationError {
	return mutationError(CodeUnknownStrategy, name, "unknown overlay strategy (want one of %s)", strings.Join(StrategyNames, ", "))
}

func loadBase(path string) (*spec.Document, []byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, &MutationError{Code: CodeBaseDocument, Subject: path, Message: "cannot read base document", Err: err}
	}
	doc, err := spec.Parse(data)
	if err != nil {
		return nil, nil, &MutationError{Code: CodeBaseDocument, Subject: path, Message: "cannot parse base document", Err: err}
	}
	return doc, data, nil
}

// applyAndCheck applies o to doc strictly, then re-reads the typed view and
// requires every channel binding to resolve.
func applyAndCheck(o *ovl.Overlay, doc *spec.Document) ([]string, error) {
	warnings, err := ApplyStrict(o, doc.Node())
	if err != nil {
		return warnings, err
	}
	if err := doc.Refresh(); err != nil {
		return warnings, &MutationError{Code: CodeApplyFailed, Subject: o.Info.Title, Message: "overlaid document is unreadable", Err: err}
	}
	if unresolved := doc.UnresolvedBindings(); len(unresolved) > 0 {
		return warnings, mutationError(CodeUnknownServer, strings.Join(unresolved, ", "), "overlaid document has unresolved server references")
	}
	return warnings, nil
}

// writeArtifact writes an overlay file into dir and returns its path.
func writeArtifact(dir string, data []byte) (string, error) {
	if dir == "" {
		return "", fmt.Errorf("write overlay: no work directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("write overlay: %w", err)
	}
	path := filepath.Join(dir, ArtifactFileName)
	if err := writeFileAtomic(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// writeFileAtomic replaces path with data via a temp file in the same
// directory and a rename, so readers never observe a partial write.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	tmpName := tmp.Name()

	fail := func(err error) error {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", path, err)
	}

	if _, err := tmp.Write(data); err != nil {
		return fail(err)
	}
	if err := tmp.Sync(); err != nil {
		return fail(err)
	}
	if err := tmp.Chmod(perm); err != nil {
		return fail(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

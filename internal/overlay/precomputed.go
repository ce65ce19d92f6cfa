package overlay

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	ovl "github.com/speakeasy-api/openapi-overlay/pkg/overlay"
)

//go:embed assets/*.yaml
var embeddedAssets embed.FS

// EmbeddedAssets returns the built-in precomputed artifacts, one file per
// pair named "<receive>-<send>.yaml".
func EmbeddedAssets() fs.FS {
	sub, err := fs.Sub(embeddedAssets, "assets")
	if err != nil {
		panic(fmt.Sprintf("overlay: embedded assets: %v", err))
	}
	return sub
}

// Precomputed selects a pre-authored overlay artifact by pair name. There is
// no fallback to generation: a pair without an artifact is a configuration
// error.
type Precomputed struct {
	sources []fs.FS
	opts    options
}

// NewPrecomputed searches sources in order; when none are given the
// embedded assets are used.
func NewPrecomputed(sources []fs.FS, opts ...Option) *Precomputed {
	if len(sources) == 0 {
		sources = []fs.FS{EmbeddedAssets()}
	}
	return &Precomputed{sources: sources, opts: newOptions(opts)}
}

// Name implements Strategy.
func (s *Precomputed) Name() string { return StrategyPrecomputed }

// Pairs lists the pair names available across all sources, sorted.
func (s *Precomputed) Pairs() ([]string, error) {
	seen := make(map[string]bool)
	for _, src := range s.sources {
		matches, err := fs.Glob(src, "*.yaml")
		if err != nil {
			return nil, fmt.Errorf("list precomputed artifacts: %w", err)
		}
		for _, m := range matches {
			seen[strings.TrimSuffix(path.Base(m), ".yaml")] = true
		}
	}
	pairs := make([]string, 0, len(seen))
	for p := range seen {
		pairs = append(pairs, p)
	}
	sort.Strings(pairs)
	return pairs, nil
}

// Load returns the raw and decoded artifact for sel.
func (s *Precomputed) Load(sel Selection) (*ovl.Overlay, []byte, error) {
	if err := sel.Validate(); err != nil {
		return nil, nil, err
	}
	name := sel.Key() + ".yaml"
	for _, src := range s.sources {
		data, err := fs.ReadFile(src, name)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, nil, &MutationError{Code: CodeInvalidArtifact, Subject: sel.Key(), Message: "cannot read precomputed artifact", Err: err}
		}
		o, err := Decode(data)
		if err != nil {
			return nil, nil, err
		}
		return o, data, nil
	}

	available, _ := s.Pairs()
	return nil, nil, mutationError(CodeUnsupportedPair, sel.Key(),
		"no precomputed overlay for pair %s (available: %s)", sel.Key(), strings.Join(available, ", "))
}

// Prepare implements Strategy.
func (s *Precomputed) Prepare(ctx context.Context, req Request) (*Prepared, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	artifact, data, err := s.Load(req.Selection)
	if err != nil {
		return nil, err
	}
	doc, _, err := loadBase(req.SpecPath)
	if err != nil {
		return nil, err
	}

	actions, err := ActionsOf(artifact)
	if err != nil {
		return nil, err
	}
	fingerprint, err := Fingerprint(actions)
	if err != nil {
		return nil, err
	}
	warnings, err := applyAndCheck(artifact, doc.Clone())
	if err != nil {
		return nil, err
	}
	overlayPath, err := writeArtifact(req.WorkDir, data)
	if err != nil {
		return nil, err
	}

	s.opts.logger.Debug("precomputed overlay selected",
		"pair", req.Selection.Key(),
		"overlay", overlayPath,
		"actions", len(actions),
		"fingerprint", fingerprint,
	)

	p := &Prepared{
		Strategy:    StrategyPrecomputed,
		SpecDir:     filepath.Dir(req.SpecPath),
		SpecPath:    req.SpecPath,
		OverlayPath: overlayPath,
		Fingerprint: fingerprint,
		Actions:     len(actions),
		Warnings:    warnings,
	}
	if !s.opts.keep {
		p.cleanup = func() error {
			if err := os.Remove(overlayPath); err != nil && !os.IsNotExist(err) {
				return err
			}
			return nil
		}
	}
	return p, nil
}

// ActionsOf converts an artifact's actions back into Actions. Only
// normalized targets (plain keys and indices) are accepted.
func ActionsOf(o *ovl.Overlay) ([]Action, error) {
	actions := make([]Action, 0, len(o.Actions))
	for _, a := range o.Actions {
		if a.Remove {
			return nil, mutationError(CodeInvalidArtifact, a.Target, "remove actions are not supported")
		}
		target, err := ParsePath(a.Target)
		if err != nil {
			return nil, err
		}
		update := a.Update
		actions = append(actions, Action{Target: target, Update: &update, Description: a.Description})
	}
	return actions, nil
}

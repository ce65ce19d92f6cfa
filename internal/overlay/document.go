package overlay

import (
	"context"
	"os"
	"path/filepath"
)

// DocumentStrategy leaves the base specification untouched and writes a
// standalone overlay artifact for the verifier to layer on top of it.
type DocumentStrategy struct {
	builder *Builder
	opts    options
}

// NewDocument creates the overlay-document strategy.
func NewDocument(b *Builder, opts ...Option) *DocumentStrategy {
	return &DocumentStrategy{builder: b, opts: newOptions(opts)}
}

// Name implements Strategy.
func (s *DocumentStrategy) Name() string { return StrategyDocument }

// Prepare implements Strategy. The artifact is validated and dry-run
// applied to a copy of the base before it is written, so a broken overlay
// fails here rather than inside the verifier.
func (s *DocumentStrategy) Prepare(ctx context.Context, req Request) (*Prepared, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	doc, _, err := loadBase(req.SpecPath)
	if err != nil {
		return nil, err
	}
	actions, err := s.builder.Build(req.Selection, doc)
	if err != nil {
		return nil, err
	}
	fingerprint, err := Fingerprint(actions)
	if err != nil {
		return nil, err
	}

	artifact := Render(actions, InfoFor(req.Selection))
	if err := Check(artifact); err != nil {
		return nil, err
	}
	warnings, err := applyAndCheck(artifact, doc.Clone())
	if err != nil {
		return nil, err
	}
	data, err := Encode(artifact)
	if err != nil {
		return nil, err
	}
	path, err := writeArtifact(req.WorkDir, data)
	if err != nil {
		return nil, err
	}

	s.opts.logger.Debug("overlay document written",
		"pair", req.Selection.Key(),
		"overlay", path,
		"actions", len(actions),
		"fingerprint", fingerprint,
	)

	p := &Prepared{
		Strategy:    StrategyDocument,
		SpecDir:     filepath.Dir(req.SpecPath),
		SpecPath:    req.SpecPath,
		OverlayPath: path,
		Fingerprint: fingerprint,
		Actions:     len(actions),
		Warnings:    warnings,
	}
	if !s.opts.keep {
		p.cleanup = func() error {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return err
			}
			return nil
		}
	}
	return p, nil
}

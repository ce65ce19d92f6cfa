package overlay

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// InPlace rewrites the base specification file itself. Only the spans the
// actions target are rewritten; every other byte of the file is left as
// it was. The write is atomic.
type InPlace struct {
	builder *Builder
	opts    options
}

// NewInPlace creates the in-place strategy.
func NewInPlace(b *Builder, opts ...Option) *InPlace {
	return &InPlace{builder: b, opts: newOptions(opts)}
}

// Name implements Strategy.
func (s *InPlace) Name() string { return StrategyInPlace }

// Prepare implements Strategy. Unless artifacts are kept, Cleanup restores
// the original bytes of the spec file.
func (s *InPlace) Prepare(ctx context.Context, req Request) (*Prepared, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	doc, original, err := loadBase(req.SpecPath)
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

	before := doc.Clone()
	warnings, err := applyAndCheck(Render(actions, InfoFor(req.Selection)), doc)
	if err != nil {
		return nil, err
	}
	data, err := splice(original, before, doc, actions)
	if err != nil {
		// Positional patching failed, e.g. on an anchored or block scalar
		// target. Re-encode at the file's own indent instead.
		s.opts.logger.Warn("spec re-encoded instead of patched",
			"spec", req.SpecPath,
			"error", err,
		)
		warnings = append(warnings, fmt.Sprintf("%s was re-encoded rather than patched: %v", req.SpecPath, err))
		if data, err = doc.EncodeIndent(indentStep(original)); err != nil {
			return nil, err
		}
	}

	perm := os.FileMode(0o644)
	if info, statErr := os.Stat(req.SpecPath); statErr == nil {
		perm = info.Mode().Perm()
	}
	if err := writeFileAtomic(req.SpecPath, data, perm); err != nil {
		return nil, err
	}

	s.opts.logger.Debug("spec mutated in place",
		"pair", req.Selection.Key(),
		"spec", req.SpecPath,
		"actions", len(actions),
		"fingerprint", fingerprint,
	)

	p := &Prepared{
		Strategy:    StrategyInPlace,
		SpecDir:     filepath.Dir(req.SpecPath),
		SpecPath:    req.SpecPath,
		Fingerprint: fingerprint,
		Actions:     len(actions),
		Warnings:    warnings,
	}
	if !s.opts.keep {
		p.cleanup = func() error {
			return writeFileAtomic(req.SpecPath, original, perm)
		}
	}
	return p, nil
}

// Package templates selects and renders notification content.
package templates

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"

	"go.uber.org/zap"

	"github.com/lalithlochan/gatecall/internal/db"
)

// Store is the persistence the selector needs.
type Store interface {
	ActiveTemplates(ctx context.Context, typ db.NotificationType, channel db.Channel, language string) ([]*db.Template, error)
	IncrementTemplateUsage(ctx context.Context, id int64) error
	UpdateTemplateSuccessRate(ctx context.Context, id int64, success bool) error
}

// Mode chooses between best-performer and A/B variant selection.
type Mode string

const (
	ModeBest Mode = "best"
	ModeAB   Mode = "ab"
)

// ParseMode parses a selection mode, defaulting to best.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeBest:
		return ModeBest, nil
	case ModeAB:
		return ModeAB, nil
	}
	return "", fmt.Errorf("unknown template selection mode %q", s)
}

// Selector picks the template for a (type, channel, language) key.
type Selector struct {
	store           Store
	mode            Mode
	defaultLanguage string
	logger          *zap.Logger

	// intn is swapped in tests.
	intn func(n int) int
}

// NewSelector creates a selector. When no template exists for a passenger's
// language the selector retries with defaultLanguage.
func NewSelector(store Store, mode Mode, defaultLanguage string, logger *zap.Logger) *Selector {
	if defaultLanguage == "" {
		defaultLanguage = "en"
	}
	return &Selector{
		store:           store,
		mode:            mode,
		defaultLanguage: defaultLanguage,
		logger:          logger,
		intn:            rand.IntN,
	}
}

// Select returns the template to use, or nil when none is active. A missing
// template is not an error; callers fall back to Default content.
func (s *Selector) Select(ctx context.Context, typ db.NotificationType, channel db.Channel, language string) (*db.Template, error) {
	if language == "" {
		language = s.defaultLanguage
	}

	candidates, err := s.store.ActiveTemplates(ctx, typ, channel, language)
	if err != nil {
		return nil, fmt.Errorf("load templates: %w", err)
	}

	if len(candidates) == 0 && language != s.defaultLanguage {
		candidates, err = s.store.ActiveTemplates(ctx, typ, channel, s.defaultLanguage)
		if err != nil {
			return nil, fmt.Errorf("load templates: %w", err)
		}
	}

	if len(candidates) == 0 {
		return nil, nil
	}

	if s.mode == ModeAB {
		if t := s.pickVariant(candidates); t != nil {
			return t, nil
		}
	}

	return Best(candidates), nil
}

// pickVariant chooses uniformly among templates carrying a variant label.
func (s *Selector) pickVariant(candidates []*db.Template) *db.Template {
	var variants []*db.Template
	for _, t := range candidates {
		if t.Variant != nil {
			variants = append(variants, t)
		}
	}
	if len(variants) == 0 {
		return nil
	}
	return variants[s.intn(len(variants))]
}

// Best returns the active template with the highest success rate, ties
// broken by the higher usage count.
func Best(candidates []*db.Template) *db.Template {
	var active []*db.Template
	for _, t := range candidates {
		if t.IsActive {
			active = append(active, t)
		}
	}
	if len(active) == 0 {
		return nil
	}

	sort.SliceStable(active, func(i, j int) bool {
		if active[i].SuccessRate != active[j].SuccessRate {
			return active[i].SuccessRate > active[j].SuccessRate
		}
		return active[i].UsageCount > active[j].UsageCount
	})
	return active[0]
}

// RecordUsage bumps the usage counter once per render.
func (s *Selector) RecordUsage(ctx context.Context, t *db.Template) error {
	if err := s.store.IncrementTemplateUsage(ctx, t.ID); err != nil {
		return err
	}
	t.UsageCount++
	return nil
}

// RecordOutcome folds a delivery outcome into the template's success rate.
// It must run after RecordUsage for the same attempt.
func (s *Selector) RecordOutcome(ctx context.Context, t *db.Template, success bool) error {
	if err := s.store.UpdateTemplateSuccessRate(ctx, t.ID, success); err != nil {
		return err
	}
	t.SuccessRate = NextSuccessRate(t.SuccessRate, t.UsageCount, success)
	return nil
}

// NextSuccessRate computes the cumulative moving average after one more
// outcome. count already includes this outcome. The result is rounded to two
// decimals; a non-positive count leaves the rate unchanged.
func NextSuccessRate(old float64, count int, success bool) float64 {
	if count <= 0 {
		return old
	}
	score := 0.0
	if success {
		score = 100
	}
	rate := (old*float64(count-1) + score) / float64(count)
	return math.Round(rate*100) / 100
}

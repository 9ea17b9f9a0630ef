package db

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// ActiveTemplates returns the active templates for a (type, channel, language) key.
func (r *Repository) ActiveTemplates(
	ctx context.Context,
	typ NotificationType,
	channel Channel,
	language string,
) ([]*Template, error) {
	query := `
		SELECT
			id, name, type, channel, language, variant, subject,
			body, html_body, variables, is_active, usage_count, success_rate
		FROM notification_templates
		WHERE type = $1 AND channel = $2 AND language = $3 AND is_active
		ORDER BY id ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, typ, channel, language)
	if err != nil {
		return nil, fmt.Errorf("query templates: %w", err)
	}
	defer rows.Close()

	var templates []*Template
	for rows.Next() {
		var (
			t    Template
			rate *float64
		)
		err := rows.Scan(
			&t.ID,
			&t.Name,
			&t.Type,
			&t.Channel,
			&t.Language,
			&t.Variant,
			&t.Subject,
			&t.Body,
			&t.HTMLBody,
			&t.Variables,
			&t.IsActive,
			&t.UsageCount,
			&rate,
		)
		if err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		t.SuccessRate = deref(rate)
		templates = append(templates, &t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return templates, nil
}

// IncrementTemplateUsage bumps a template's usage counter by one.
func (r *Repository) IncrementTemplateUsage(ctx context.Context, id int64) error {
	query := `
		UPDATE notification_templates
		SET usage_count = usage_count + 1, updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.db.Pool().Exec(ctx, query, id)
	if err != nil {
		r.logger.Error("failed to increment template usage", zap.Error(err), zap.Int64("template_id", id))
		return fmt.Errorf("increment template usage: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("template %d: %w", id, ErrNotFound)
	}

	return nil
}

// UpdateTemplateSuccessRate folds one delivery outcome into the cumulative
// success rate. usage_count already includes the attempt being recorded, so
// the prior rate covers usage_count-1 attempts. The arithmetic matches
// templates.NextSuccessRate and runs in one statement so concurrent outcomes
// don't overwrite each other.
func (r *Repository) UpdateTemplateSuccessRate(ctx context.Context, id int64, success bool) error {
	query := `
		UPDATE notification_templates
		SET success_rate = ROUND(
				((COALESCE(success_rate, 0) * (usage_count - 1)) + $2) / usage_count,
				2
			),
			updated_at = NOW()
		WHERE id = $1 AND usage_count > 0
	`

	score := 0
	if success {
		score = 100
	}

	if _, err := r.db.Pool().Exec(ctx, query, id, score); err != nil {
		r.logger.Error("failed to update template success rate", zap.Error(err), zap.Int64("template_id", id))
		return fmt.Errorf("update template success rate: %w", err)
	}

	return nil
}

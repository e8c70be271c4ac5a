package index

import (
	"context"
	"fmt"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/trellis/internal/apperr"
	"github.com/starford/trellis/internal/models"
)

// Sort columns accepted by Filter.
const (
	SortPath      = "path"
	SortPriority  = "priority"
	SortUpdated   = "updated_at"
	SortCreated   = "created_at"
	SortName      = "name"
	SortBacklinks = "backlink_count"
	SortViews     = "view_count"
)

// Filter selects documents for a scan. Zero values mean "no constraint";
// closed documents are excluded unless IncludeClosed is set.
type Filter struct {
	Status        string
	Kind          string
	LabelsAll     []string
	LabelsAny     []string
	PathPrefix    string
	NameContains  string
	PriorityMin   *int
	PriorityMax   *int
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	UpdatedAfter  *time.Time
	UpdatedBefore *time.Time
	IncludeClosed bool
	Root          *bool
	Sort          string
	Descending    bool
	Limit         int
	Offset        int
}

// Validate rejects filters that cannot be answered.
func (f *Filter) Validate() error {
	err := validation.ValidateStruct(f,
		validation.Field(&f.Sort, validation.In(SortPath, SortPriority, SortUpdated, SortCreated,
			SortName, SortBacklinks, SortViews)),
		validation.Field(&f.Limit, validation.Min(0)),
		validation.Field(&f.Offset, validation.Min(0)),
		validation.Field(&f.PriorityMin, validation.Min(0), validation.Max(4)),
		validation.Field(&f.PriorityMax, validation.Min(0), validation.Max(4)),
	)
	if err != nil {
		return fmt.Errorf("index: filter: %v: %w", err, apperr.ErrInvalid)
	}
	if f.PriorityMin != nil && f.PriorityMax != nil && *f.PriorityMin > *f.PriorityMax {
		return fmt.Errorf("index: filter: priority range %d-%d is empty: %w", *f.PriorityMin, *f.PriorityMax, apperr.ErrInvalid)
	}
	return nil
}

// Find returns the documents matching f. Labels are not loaded.
func (q queries) Find(ctx context.Context, f Filter) ([]models.Document, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	var (
		where []string
		args  []any
	)
	add := func(clause string, a ...any) {
		where = append(where, clause)
		args = append(args, a...)
	}
	if !f.IncludeClosed {
		add(`is_closed = 0`)
	}
	if f.Status != "" {
		add(`status = ?`, f.Status)
	}
	if f.Kind != "" {
		add(`kind = ?`, f.Kind)
	}
	if f.PathPrefix != "" {
		add(`substr(path, 1, ?) = ?`, len(f.PathPrefix), f.PathPrefix)
	}
	if f.NameContains != "" {
		add(`name LIKE ? ESCAPE '\'`, "%"+escapeLike(f.NameContains)+"%")
	}
	if f.PriorityMin != nil {
		add(`priority >= ?`, *f.PriorityMin)
	}
	if f.PriorityMax != nil {
		add(`priority <= ?`, *f.PriorityMax)
	}
	for _, r := range []struct {
		col, op string
		t       *time.Time
	}{
		{"created_at", ">=", f.CreatedAfter},
		{"created_at", "<", f.CreatedBefore},
		{"updated_at", ">=", f.UpdatedAfter},
		{"updated_at", "<", f.UpdatedBefore},
	} {
		if r.t != nil {
			add(r.col+` `+r.op+` ?`, r.t.UTC())
		}
	}
	if f.Root != nil {
		add(`is_root = ?`, boolInt(*f.Root))
	}
	for _, l := range f.LabelsAll {
		add(`EXISTS (SELECT 1 FROM labels WHERE document_id = documents.id AND label = ?)`, l)
	}
	if len(f.LabelsAny) > 0 {
		clause := `EXISTS (SELECT 1 FROM labels WHERE document_id = documents.id AND label IN (` +
			placeholders(len(f.LabelsAny)) + `))`
		la := make([]any, len(f.LabelsAny))
		for i, l := range f.LabelsAny {
			la[i] = l
		}
		add(clause, la...)
	}

	query := `SELECT ` + documentColumns + ` FROM documents`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	sortCol := f.Sort
	if sortCol == "" {
		sortCol = SortPath
	}
	dir := "ASC"
	if f.Descending {
		dir = "DESC"
	}
	query += ` ORDER BY ` + sortCol + ` ` + dir + `, id ASC`
	if f.Limit > 0 || f.Offset > 0 {
		limit := f.Limit
		if limit == 0 {
			limit = -1
		}
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, f.Offset)
	}

	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("index: find: %w", err)
	}
	defer rows.Close()
	var out []models.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

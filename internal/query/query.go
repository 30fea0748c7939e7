// Package query is the read-only side of the audit store: filtered
// listing, batch-tree reconstruction, and artifact-to-artifact diff. No
// operation here mutates stored artifacts.
package query

import (
	"context"
	"database/sql"
	"encoding/base64"
	"fmt"
	"strings"

	"cutledger/internal/domain"
	"cutledger/internal/store"
)

type Engine struct {
	DB    *sql.DB
	Store *store.Store
}

func New(db *sql.DB, st *store.Store) Engine {
	return Engine{DB: db, Store: st}
}

// Filters compose as logical AND. Zero values mean "no constraint".
type Filters struct {
	Kind        string
	Status      string
	SessionID   string
	BatchLabel  string
	ToolID      string
	MaterialID  string
	CreatedFrom string
	CreatedTo   string

	Cursor string
	Limit  int
}

const defaultPageSize = 50

// Page is one page of listed artifacts.
type Page struct {
	Items      []domain.RunArtifact `json:"items"`
	NextCursor string               `json:"next_cursor,omitempty"`
}

// ListRuns returns artifacts newest-first through the append-only index.
// The cursor is an opaque (created_at, run_id) tuple.
func (e Engine) ListRuns(ctx context.Context, f Filters) (Page, error) {
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = defaultPageSize
	}

	var where []string
	var args []any
	add := func(cond string, val any) {
		where = append(where, cond)
		args = append(args, val)
	}
	if f.Kind != "" {
		add("i.kind=?", f.Kind)
	}
	if f.Status != "" {
		add("i.status=?", f.Status)
	}
	if f.SessionID != "" {
		add("i.session_id=?", f.SessionID)
	}
	if f.BatchLabel != "" {
		add("i.batch_label=?", f.BatchLabel)
	}
	if f.ToolID != "" {
		add("i.tool_id=?", f.ToolID)
	}
	if f.MaterialID != "" {
		add("i.material_id=?", f.MaterialID)
	}
	if f.CreatedFrom != "" {
		add("i.created_at>=?", f.CreatedFrom)
	}
	if f.CreatedTo != "" {
		add("i.created_at<=?", f.CreatedTo)
	}
	if f.Cursor != "" {
		createdAt, runID, err := decodeCursor(f.Cursor)
		if err != nil {
			return Page{}, err
		}
		where = append(where, "(i.created_at<? OR (i.created_at=? AND i.run_id<?))")
		args = append(args, createdAt, createdAt, runID)
	}

	query := `SELECT ` + runColumnsPrefixed + ` FROM run_index i JOIN runs r ON r.run_id=i.run_id`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY i.created_at DESC, i.run_id DESC LIMIT ?"
	args = append(args, limit+1)

	rows, err := e.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return Page{}, err
	}
	defer rows.Close()

	var items []domain.RunArtifact
	for rows.Next() {
		a, err := scanRunRow(rows)
		if err != nil {
			return Page{}, err
		}
		items = append(items, a)
	}
	if err := rows.Err(); err != nil {
		return Page{}, err
	}

	page := Page{Items: items}
	if len(items) > limit {
		page.Items = items[:limit]
		last := page.Items[limit-1]
		page.NextCursor = encodeCursor(last.CreatedAt, last.RunID)
	}
	return page, nil
}

func encodeCursor(createdAt, runID string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(createdAt + "|" + runID))
}

func decodeCursor(cursor string) (createdAt, runID string, err error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return "", "", fmt.Errorf("invalid cursor")
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

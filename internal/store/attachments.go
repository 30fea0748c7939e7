package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"cutledger/internal/canonical"
	"cutledger/internal/domain"
	"cutledger/internal/events"
)

// runLocks serializes attachment appends per run id. Appends to different
// runs proceed fully concurrently.
type runLocks struct {
	mu    sync.Mutex
	byRun map[string]*sync.Mutex
}

func (l *runLocks) lock(runID string) *sync.Mutex {
	l.mu.Lock()
	if l.byRun == nil {
		l.byRun = make(map[string]*sync.Mutex)
	}
	m, ok := l.byRun[runID]
	if !ok {
		m = &sync.Mutex{}
		l.byRun[runID] = m
	}
	l.mu.Unlock()
	m.Lock()
	return m
}

// AttachOptions are the parameters for appending an attachment.
type AttachOptions struct {
	RunID   string
	Kind    string
	Content []byte
	// SHA256 is the caller-supplied content hash; it is verified against
	// the recomputed hash and the attach is rejected on mismatch.
	SHA256  string
	Meta    map[string]any
	ActorID string
}

// Attach appends an attachment to an existing run. Append-only: nothing
// here can modify or remove a previously written attachment.
func (s *Store) Attach(ctx context.Context, opts AttachOptions) (domain.Attachment, error) {
	if opts.Kind == "" {
		return domain.Attachment{}, fmt.Errorf("attachment kind is required")
	}
	computed := canonical.HashBytes(opts.Content)
	if opts.SHA256 != "" && opts.SHA256 != computed {
		return domain.Attachment{}, HashMismatchError{Supplied: opts.SHA256, Computed: computed}
	}

	a, err := s.GetRun(ctx, opts.RunID)
	if err != nil {
		return domain.Attachment{}, err
	}
	if a.DeletedAt != nil {
		return domain.Attachment{}, fmt.Errorf("run %s is deleted", opts.RunID)
	}

	var metaJSON string
	if len(opts.Meta) > 0 {
		data, err := json.Marshal(opts.Meta)
		if err != nil {
			return domain.Attachment{}, fmt.Errorf("marshal attachment meta: %w", err)
		}
		metaJSON = string(data)
	}

	att := domain.Attachment{
		ID:        uuid.NewString(),
		RunID:     opts.RunID,
		Kind:      opts.Kind,
		SHA256:    computed,
		SizeBytes: int64(len(opts.Content)),
		MetaJSON:  metaJSON,
		CreatedAt: s.now().UTC().Format(time.RFC3339),
	}

	m := s.locks.lock(opts.RunID)
	defer m.Unlock()

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Attachment{}, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT INTO attachments(id,run_id,kind,sha256,size_bytes,meta_json,content,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		att.ID, att.RunID, att.Kind, att.SHA256, att.SizeBytes, nullable(att.MetaJSON), opts.Content, att.CreatedAt); err != nil {
		return domain.Attachment{}, fmt.Errorf("insert attachment: %w", err)
	}
	// An explanation attachment flips the run's explanation marker; the
	// artifact itself stays immutable.
	if att.Kind == domain.AttachmentExplanation {
		if _, err := tx.ExecContext(ctx, `UPDATE runs SET explanation_status=? WHERE run_id=?`,
			domain.ExplanationReady, att.RunID); err != nil {
			return domain.Attachment{}, fmt.Errorf("mark explanation ready: %w", err)
		}
	}
	if err := s.Events.Append(ctx, tx, "run.attach", a.SessionID, "attachment", att.ID, actorOrDefault(opts.ActorID), events.EventPayload{
		"run_id": att.RunID,
		"kind":   att.Kind,
		"sha256": att.SHA256,
	}); err != nil {
		return domain.Attachment{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Attachment{}, err
	}
	return att, nil
}

const attachmentColumns = `id,run_id,kind,sha256,size_bytes,COALESCE(meta_json,''),created_at`

// ListAttachments returns the live attachments of a run in append order.
func (s *Store) ListAttachments(ctx context.Context, runID string) ([]domain.Attachment, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+attachmentColumns+` FROM attachments WHERE run_id=? AND deleted_at IS NULL ORDER BY created_at, id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Attachment
	for rows.Next() {
		var att domain.Attachment
		if err := rows.Scan(&att.ID, &att.RunID, &att.Kind, &att.SHA256, &att.SizeBytes, &att.MetaJSON, &att.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, att)
	}
	return res, rows.Err()
}

// AttachmentContent returns one attachment plus its stored bytes.
func (s *Store) AttachmentContent(ctx context.Context, attachmentID string) (domain.Attachment, []byte, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+attachmentColumns+`,content FROM attachments WHERE id=? AND deleted_at IS NULL`, attachmentID)
	var att domain.Attachment
	var content []byte
	err := row.Scan(&att.ID, &att.RunID, &att.Kind, &att.SHA256, &att.SizeBytes, &att.MetaJSON, &att.CreatedAt, &content)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Attachment{}, nil, ErrNotFound
	}
	return att, content, err
}

// DeleteAttachment is the explicit, audited removal path. It soft-deletes;
// content stays recoverable for forensics.
func (s *Store) DeleteAttachment(ctx context.Context, attachmentID, actorID, reason string) error {
	att, _, err := s.AttachmentContent(ctx, attachmentID)
	if err != nil {
		return err
	}
	run, err := s.GetRun(ctx, att.RunID)
	if err != nil {
		return err
	}

	m := s.locks.lock(att.RunID)
	defer m.Unlock()

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := s.now().UTC().Format(time.RFC3339)
	if _, err := tx.ExecContext(ctx, `UPDATE attachments SET deleted_at=? WHERE id=?`, now, attachmentID); err != nil {
		return err
	}
	if err := s.Events.Append(ctx, tx, "attachment.delete", run.SessionID, "attachment", attachmentID, actorOrDefault(actorID), events.EventPayload{
		"run_id": att.RunID,
		"kind":   att.Kind,
		"reason": reason,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

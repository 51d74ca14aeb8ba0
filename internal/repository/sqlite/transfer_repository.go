package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"grid-client/internal/domain"
	"grid-client/internal/repository"
)

const createTransfersTable = `
CREATE TABLE IF NOT EXISTS transfers (
	id TEXT PRIMARY KEY,
	direction TEXT NOT NULL,
	client_name TEXT NOT NULL,
	project_name TEXT NOT NULL,
	local_path TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	progress INTEGER NOT NULL DEFAULT 0,
	bytes_transferred INTEGER NOT NULL DEFAULT 0,
	total_bytes INTEGER NOT NULL DEFAULT 0,
	mirror_location TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	finished_at DATETIME NULL
);
CREATE INDEX IF NOT EXISTS idx_transfers_status ON transfers(status);
`

const transferColumns = `id, direction, client_name, project_name, local_path, status, progress, bytes_transferred, total_bytes, mirror_location, error_message, created_at, updated_at, finished_at`

type TransferRepository struct {
	db *sql.DB
}

func NewTransferRepository(db *sql.DB) repository.TransferRepository {
	return &TransferRepository{db: db}
}

func (r *TransferRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createTransfersTable); err != nil {
		return fmt.Errorf("create transfers table: %w", err)
	}
	return r.ensureColumns(ctx)
}

// ensureColumns upgrades journals written before the mirror existed.
func (r *TransferRepository) ensureColumns(ctx context.Context) error {
	rows, err := r.db.QueryContext(ctx, `PRAGMA table_info(transfers)`)
	if err != nil {
		return fmt.Errorf("describe transfers table: %w", err)
	}
	defer rows.Close()

	columns := map[string]struct{}{}
	for rows.Next() {
		var (
			cid       int
			name      string
			ctype     string
			notnull   int
			dfltValue any
			pk        int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return fmt.Errorf("scan pragma table info: %w", err)
		}
		columns[name] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate pragma table info: %w", err)
	}

	if _, ok := columns["mirror_location"]; !ok {
		if _, err := r.db.ExecContext(ctx, `ALTER TABLE transfers ADD COLUMN mirror_location TEXT NOT NULL DEFAULT ''`); err != nil {
			return fmt.Errorf("add column mirror_location: %w", err)
		}
	}
	return nil
}

func (r *TransferRepository) Create(ctx context.Context, t *domain.Transfer) error {
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, `
INSERT INTO transfers (id, direction, client_name, project_name, local_path, status, progress, bytes_transferred, total_bytes, mirror_location, error_message, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID,
		string(t.Direction),
		t.ClientName,
		t.ProjectName,
		t.LocalPath,
		string(t.Status),
		t.Progress,
		t.BytesTransferred,
		t.TotalBytes,
		t.MirrorLocation,
		t.ErrorMessage,
		t.CreatedAt,
		t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert transfer: %w", err)
	}
	return nil
}

func (r *TransferRepository) UpdateStatus(ctx context.Context, id string, status domain.TransferStatus, errorMessage *string) error {
	msg := ""
	if errorMessage != nil {
		msg = *errorMessage
	}
	return r.exec(ctx, "update transfer status", `
UPDATE transfers
SET status=?, error_message=?, updated_at=?
WHERE id=?`,
		string(status), msg, time.Now().UTC(), id)
}

func (r *TransferRepository) UpdateProgress(ctx context.Context, id string, progress int, transferred, total int64) error {
	return r.exec(ctx, "update transfer progress", `
UPDATE transfers
SET progress=?, bytes_transferred=?, total_bytes=?, updated_at=?
WHERE id=?`,
		progress, transferred, total, time.Now().UTC(), id)
}

func (r *TransferRepository) MarkFinished(ctx context.Context, id string, status domain.TransferStatus, errorMessage string, finishedAt time.Time) error {
	return r.exec(ctx, "mark transfer finished", `
UPDATE transfers
SET status=?, error_message=?, finished_at=?, updated_at=?
WHERE id=?`,
		string(status), errorMessage, finishedAt.UTC(), time.Now().UTC(), id)
}

func (r *TransferRepository) MarkMirrored(ctx context.Context, id string, location string) error {
	return r.exec(ctx, "mark transfer mirrored", `
UPDATE transfers
SET mirror_location=?, updated_at=?
WHERE id=?`,
		location, time.Now().UTC(), id)
}

func (r *TransferRepository) exec(ctx context.Context, what, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", what, err)
	}
	if aff == 0 {
		return fmt.Errorf("%s: transfer %w", what, repository.ErrNotFound)
	}
	return nil
}

func (r *TransferRepository) Delete(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM transfer_files WHERE transfer_id=?`, id); err != nil {
		return fmt.Errorf("delete transfer files: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM transfers WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("delete transfer: %w", err)
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transfer delete rows affected: %w", err)
	}
	if aff == 0 {
		return fmt.Errorf("transfer %w", repository.ErrNotFound)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transfer delete: %w", err)
	}
	return nil
}

func (r *TransferRepository) Get(ctx context.Context, id string) (*domain.Transfer, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+transferColumns+` FROM transfers WHERE id=?`, id)
	return scanTransfer(row)
}

func (r *TransferRepository) List(ctx context.Context) ([]domain.Transfer, error) {
	return r.query(ctx, `SELECT `+transferColumns+` FROM transfers ORDER BY created_at DESC, id`)
}

func (r *TransferRepository) ListByStatuses(ctx context.Context, statuses ...domain.TransferStatus) ([]domain.Transfer, error) {
	if len(statuses) == 0 {
		return []domain.Transfer{}, nil
	}

	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, status := range statuses {
		placeholders[i] = "?"
		args[i] = string(status)
	}

	query := fmt.Sprintf(`SELECT %s FROM transfers WHERE status IN (%s) ORDER BY created_at ASC, id`,
		transferColumns, strings.Join(placeholders, ","))
	return r.query(ctx, query, args...)
}

func (r *TransferRepository) query(ctx context.Context, query string, args ...any) ([]domain.Transfer, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transfers: %w", err)
	}
	defer rows.Close()

	var transfers []domain.Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		transfers = append(transfers, *t)
	}
	return transfers, rows.Err()
}

func scanTransfer(scanner interface {
	Scan(dest ...any) error
}) (*domain.Transfer, error) {
	var (
		t          domain.Transfer
		direction  string
		status     string
		createdAt  time.Time
		updatedAt  time.Time
		finishedAt sql.NullTime
	)

	if err := scanner.Scan(
		&t.ID,
		&direction,
		&t.ClientName,
		&t.ProjectName,
		&t.LocalPath,
		&status,
		&t.Progress,
		&t.BytesTransferred,
		&t.TotalBytes,
		&t.MirrorLocation,
		&t.ErrorMessage,
		&createdAt,
		&updatedAt,
		&finishedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("transfer %w", repository.ErrNotFound)
		}
		return nil, fmt.Errorf("scan transfer: %w", err)
	}

	t.Direction = domain.Direction(direction)
	t.Status = domain.TransferStatus(status)
	t.CreatedAt = createdAt.Local()
	t.UpdatedAt = updatedAt.Local()
	if finishedAt.Valid {
		v := finishedAt.Time.Local()
		t.FinishedAt = &v
	}
	return &t, nil
}

package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"grid-client/internal/domain"
	"grid-client/internal/repository"
)

const createTransferFilesTable = `
CREATE TABLE IF NOT EXISTS transfer_files (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	transfer_id TEXT NOT NULL,
	role TEXT NOT NULL,
	name TEXT NOT NULL,
	path TEXT NOT NULL,
	size INTEGER NOT NULL,
	FOREIGN KEY(transfer_id) REFERENCES transfers(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_transfer_files_transfer_id ON transfer_files(transfer_id);
`

type TransferFileRepository struct {
	db *sql.DB
}

func NewTransferFileRepository(db *sql.DB) repository.TransferFileRepository {
	return &TransferFileRepository{db: db}
}

func (r *TransferFileRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createTransferFilesTable); err != nil {
		return fmt.Errorf("create transfer_files table: %w", err)
	}
	return nil
}

func (r *TransferFileRepository) ReplaceForTransfer(ctx context.Context, transferID string, files []domain.TransferFile) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM transfer_files WHERE transfer_id=?`, transferID); err != nil {
		return fmt.Errorf("delete files: %w", err)
	}

	for _, file := range files {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO transfer_files (transfer_id, role, name, path, size)
VALUES (?, ?, ?, ?, ?)`,
			transferID,
			file.Role,
			file.Name,
			file.Path,
			file.Size,
		); err != nil {
			return fmt.Errorf("insert file: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (r *TransferFileRepository) ListByTransfer(ctx context.Context, transferID string) ([]domain.TransferFile, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, transfer_id, role, name, path, size
FROM transfer_files
WHERE transfer_id=?
ORDER BY id ASC`, transferID)
	if err != nil {
		return nil, fmt.Errorf("query transfer files: %w", err)
	}
	defer rows.Close()

	var files []domain.TransferFile
	for rows.Next() {
		var file domain.TransferFile
		if err := rows.Scan(&file.ID, &file.TransferID, &file.Role, &file.Name, &file.Path, &file.Size); err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		files = append(files, file)
	}

	return files, rows.Err()
}

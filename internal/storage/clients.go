package storage

import (
	"context"
	"time"

	"clientdesk/internal/models"

	"github.com/shopspring/decimal"
)

const clientColumns = "id, first_name, second_name, iban, id_number, id_photo, wallet, user_id, created_at"

// CreateClient inserts c. A taken IBAN or ID number yields a *DuplicateError
// naming the column.
func (db *DB) CreateClient(ctx context.Context, c *models.Client) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO clients (id, first_name, second_name, iban, id_number, id_photo, wallet, user_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.FirstName, c.SecondName, c.IBAN, c.IDNumber, c.IDPhoto, c.Wallet.String(), c.UserID, c.CreatedAt,
	)
	if err != nil {
		return asDuplicate(err)
	}
	return nil
}

// GetClient retrieves a single client by ID.
func (db *DB) GetClient(ctx context.Context, id models.ID) (*models.Client, error) {
	var c models.Client
	err := db.conn.GetContext(ctx, &c, "SELECT "+clientColumns+" FROM clients WHERE id = ?", id)
	if err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

// ListClientsByUser returns the clients owned by userID in byte order of
// second name. Callers needing linguistic order re-sort the result.
func (db *DB) ListClientsByUser(ctx context.Context, userID models.ID) ([]models.Client, error) {
	clients := []models.Client{}
	err := db.conn.SelectContext(ctx, &clients,
		"SELECT "+clientColumns+" FROM clients WHERE user_id = ? ORDER BY second_name, first_name, id",
		userID,
	)
	if err != nil {
		return nil, err
	}
	return clients, nil
}

// SwapWallet sets the wallet of client id to next only if it still holds
// expected. It reports whether the row was updated.
func (db *DB) SwapWallet(ctx context.Context, id models.ID, expected, next decimal.Decimal) (bool, error) {
	res, err := db.conn.ExecContext(ctx,
		"UPDATE clients SET wallet = ? WHERE id = ? AND wallet = ?",
		next.String(), id, expected.String(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// DeleteClientIfEmpty removes client id when its wallet is zero. The check
// and the delete are one statement. Returns ErrNotFound or
// ErrBalanceNotZero when nothing was deleted.
func (db *DB) DeleteClientIfEmpty(ctx context.Context, id models.ID) error {
	res, err := db.conn.ExecContext(ctx,
		"DELETE FROM clients WHERE id = ? AND CAST(wallet AS REAL) = 0",
		id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	if _, err := db.GetClient(ctx, id); err != nil {
		return err
	}
	return ErrBalanceNotZero
}

package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"casetrail/internal/domain"
)

// UpsertRateCard inserts or updates a rate card by name. Marking a card
// default clears the flag on every other card first.
func (r Repo) UpsertRateCard(ctx context.Context, tx *sql.Tx, card domain.RateCard) error {
	rates, err := json.Marshal(card.Rates)
	if err != nil {
		return err
	}
	if card.IsDefault {
		if _, err := tx.ExecContext(ctx, `UPDATE rate_cards SET is_default=0 WHERE name<>?`, card.Name); err != nil {
			return err
		}
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO rate_cards(id,name,currency,rates,is_default,is_active,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(name) DO UPDATE SET currency=excluded.currency, rates=excluded.rates, is_default=excluded.is_default, is_active=excluded.is_active, updated_at=excluded.updated_at`,
		card.ID, card.Name, card.Currency, string(rates), boolInt(card.IsDefault), boolInt(card.IsActive), card.CreatedAt, card.UpdatedAt)
	return err
}

func scanRateCard(scan func(dest ...any) error) (domain.RateCard, error) {
	var card domain.RateCard
	var rates string
	var isDefault, isActive int
	err := scan(&card.ID, &card.Name, &card.Currency, &rates, &isDefault, &isActive, &card.CreatedAt, &card.UpdatedAt)
	if err == sql.ErrNoRows {
		return card, ErrNotFound
	}
	if err != nil {
		return card, err
	}
	if err := json.Unmarshal([]byte(rates), &card.Rates); err != nil {
		return card, err
	}
	card.IsDefault = isDefault != 0
	card.IsActive = isActive != 0
	return card, nil
}

const rateCardColumns = `id,name,currency,rates,is_default,is_active,created_at,updated_at`

func (r Repo) GetRateCard(ctx context.Context, id string) (domain.RateCard, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+rateCardColumns+` FROM rate_cards WHERE id=?`, id)
	return scanRateCard(row.Scan)
}

func (r Repo) GetRateCardByName(ctx context.Context, name string) (domain.RateCard, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+rateCardColumns+` FROM rate_cards WHERE name=?`, name)
	return scanRateCard(row.Scan)
}

// DefaultRateCard returns the active default card.
func (r Repo) DefaultRateCard(ctx context.Context) (domain.RateCard, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+rateCardColumns+` FROM rate_cards WHERE is_default=1 AND is_active=1 LIMIT 1`)
	return scanRateCard(row.Scan)
}

func (r Repo) ListRateCards(ctx context.Context, activeOnly bool) ([]domain.RateCard, error) {
	query := `SELECT ` + rateCardColumns + ` FROM rate_cards`
	if activeOnly {
		query += ` WHERE is_active=1`
	}
	query += ` ORDER BY name`
	rows, err := r.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RateCard
	for rows.Next() {
		card, err := scanRateCard(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, card)
	}
	return res, rows.Err()
}

// DeactivateRateCard soft-deletes a card; historical cost estimates keep
// referencing it by id.
func (r Repo) DeactivateRateCard(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return ErrNotFound
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE rate_cards SET is_default=0, is_active=0 WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

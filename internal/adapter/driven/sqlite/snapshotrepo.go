package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ericfisherdev/wealthpanel/internal/domain/model"
	"github.com/ericfisherdev/wealthpanel/internal/domain/port/driven"
)

var _ driven.SnapshotStore = (*SnapshotRepo)(nil)

const snapshotColumns = `
	s.id, s.account_id, s.snapshot_date, s.balance, s.currency, s.base_balance, s.base_currency,
	s.exchange_rate, s.source, s.raw_data, s.created_at`

// SnapshotRepo is the SQLite implementation of the SnapshotStore port
// interface. Amounts are stored as decimal strings.
type SnapshotRepo struct {
	db *DB
}

// NewSnapshotRepo creates a new SnapshotRepo backed by the given DB.
func NewSnapshotRepo(db *DB) *SnapshotRepo {
	return &SnapshotRepo{db: db}
}

// Create inserts the snapshot and its positions in one transaction.
func (r *SnapshotRepo) Create(ctx context.Context, s model.Snapshot) (int64, error) {
	const insertSnapshot = `
		INSERT INTO snapshots (
			account_id, snapshot_date, balance, currency, base_balance, base_currency,
			exchange_rate, source, raw_data
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	const insertPosition = `
		INSERT INTO positions (
			snapshot_id, symbol, name, isin, quantity, price, market_value, cost_basis, currency, asset_class
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	var raw sql.NullString
	if len(s.Raw) > 0 {
		data, err := json.Marshal(s.Raw)
		if err != nil {
			return 0, fmt.Errorf("marshal raw data: %w", err)
		}
		raw = sql.NullString{String: string(data), Valid: true}
	}

	source := s.Source
	if source == "" {
		source = model.SnapshotSourceAuto
	}

	var id int64
	err := r.db.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, insertSnapshot,
			s.AccountID, formatDate(s.Date), s.Balance.String(), s.Currency,
			nullDecimal(s.BaseBalance), s.BaseCurrency, nullDecimal(s.ExchangeRate), string(source), raw,
		)
		if err != nil {
			return fmt.Errorf("insert snapshot: %w", err)
		}
		if id, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("snapshot id: %w", err)
		}

		for _, p := range s.Positions {
			_, err := tx.ExecContext(ctx, insertPosition,
				id, p.Symbol, p.Name, p.ISIN, p.Quantity.String(), p.Price.String(), p.MarketValue.String(),
				nullDecimal(p.CostBasis), p.Currency, string(p.AssetClass),
			)
			if err != nil {
				return fmt.Errorf("insert position %s: %w", p.Symbol, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("create snapshot for account %d: %w", s.AccountID, err)
	}
	return id, nil
}

// HasDuplicate compares balances numerically so "100" and "100.00" match.
func (r *SnapshotRepo) HasDuplicate(ctx context.Context, accountID int64, date time.Time, balance decimal.Decimal, currency string) (bool, error) {
	const query = `SELECT balance FROM snapshots WHERE account_id = ? AND snapshot_date = ? AND currency = ?`

	rows, err := r.db.Reader.QueryContext(ctx, query, accountID, formatDate(date), currency)
	if err != nil {
		return false, fmt.Errorf("check duplicate snapshot: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var stored string
		if err := rows.Scan(&stored); err != nil {
			return false, fmt.Errorf("scan balance: %w", err)
		}
		d, err := decimal.NewFromString(stored)
		if err != nil {
			return false, fmt.Errorf("parse balance %q: %w", stored, err)
		}
		if d.Equal(balance) {
			return true, nil
		}
	}
	return false, rows.Err()
}

// Dates returns distinct snapshot dates in [from, to], ascending.
func (r *SnapshotRepo) Dates(ctx context.Context, accountID int64, from, to time.Time) ([]time.Time, error) {
	const query = `
		SELECT DISTINCT snapshot_date FROM snapshots
		WHERE account_id = ? AND snapshot_date BETWEEN ? AND ?
		ORDER BY snapshot_date`

	rows, err := r.db.Reader.QueryContext(ctx, query, accountID, formatDate(from), formatDate(to))
	if err != nil {
		return nil, fmt.Errorf("list snapshot dates: %w", err)
	}
	defer rows.Close()

	var dates []time.Time
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scan snapshot date: %w", err)
		}
		d, err := parseDate(s)
		if err != nil {
			return nil, fmt.Errorf("parse snapshot date %q: %w", s, err)
		}
		dates = append(dates, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshot dates: %w", err)
	}
	return dates, nil
}

// ListByAccount returns all snapshots of an account with their positions.
func (r *SnapshotRepo) ListByAccount(ctx context.Context, accountID int64) ([]model.Snapshot, error) {
	query := `SELECT ` + snapshotColumns + ` FROM snapshots s WHERE s.account_id = ? ORDER BY s.snapshot_date, s.id`

	snapshots, err := r.list(ctx, query, accountID)
	if err != nil {
		return nil, err
	}
	if err := r.attachPositions(ctx, snapshots); err != nil {
		return nil, err
	}
	return snapshots, nil
}

// ListByUser returns snapshots of all the user's accounts within [from, to].
func (r *SnapshotRepo) ListByUser(ctx context.Context, userID int64, from, to time.Time) ([]model.Snapshot, error) {
	query := `SELECT ` + snapshotColumns + `
		FROM snapshots s JOIN accounts a ON a.id = s.account_id
		WHERE a.user_id = ? AND s.snapshot_date BETWEEN ? AND ?
		ORDER BY s.snapshot_date, s.id`
	return r.list(ctx, query, userID, formatDate(from), formatDate(to))
}

// LatestByUser returns the newest snapshot of each account, newest id
// winning ties on the same date.
func (r *SnapshotRepo) LatestByUser(ctx context.Context, userID int64) ([]model.Snapshot, error) {
	query := `SELECT ` + snapshotColumns + `
		FROM snapshots s JOIN accounts a ON a.id = s.account_id
		WHERE a.user_id = ? AND s.id = (
			SELECT s2.id FROM snapshots s2 WHERE s2.account_id = s.account_id
			ORDER BY s2.snapshot_date DESC, s2.id DESC LIMIT 1
		)
		ORDER BY s.account_id`
	return r.list(ctx, query, userID)
}

func (r *SnapshotRepo) list(ctx context.Context, query string, args ...any) ([]model.Snapshot, error) {
	rows, err := r.db.Reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var snapshots []model.Snapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snapshots = append(snapshots, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return snapshots, nil
}

func (r *SnapshotRepo) attachPositions(ctx context.Context, snapshots []model.Snapshot) error {
	const query = `
		SELECT id, snapshot_id, symbol, name, isin, quantity, price, market_value, cost_basis, currency, asset_class
		FROM positions WHERE snapshot_id = ? ORDER BY id`

	for i := range snapshots {
		rows, err := r.db.Reader.QueryContext(ctx, query, snapshots[i].ID)
		if err != nil {
			return fmt.Errorf("list positions for snapshot %d: %w", snapshots[i].ID, err)
		}

		for rows.Next() {
			p, err := scanPosition(rows)
			if err != nil {
				rows.Close()
				return fmt.Errorf("scan position: %w", err)
			}
			snapshots[i].Positions = append(snapshots[i].Positions, *p)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return fmt.Errorf("iterate positions: %w", err)
		}
	}
	return nil
}

func scanSnapshot(s scanner) (*model.Snapshot, error) {
	var (
		snap      model.Snapshot
		date      string
		balance   string
		base      sql.NullString
		rate      sql.NullString
		source    string
		raw       sql.NullString
		createdAt string
	)

	err := s.Scan(&snap.ID, &snap.AccountID, &date, &balance, &snap.Currency, &base, &snap.BaseCurrency,
		&rate, &source, &raw, &createdAt)
	if err != nil {
		return nil, err
	}

	if snap.Date, err = parseDate(date); err != nil {
		return nil, fmt.Errorf("parse snapshot_date: %w", err)
	}
	if snap.Balance, err = decimal.NewFromString(balance); err != nil {
		return nil, fmt.Errorf("parse balance: %w", err)
	}
	if snap.BaseBalance, err = scanNullDecimal(base); err != nil {
		return nil, fmt.Errorf("parse base_balance: %w", err)
	}
	if snap.ExchangeRate, err = scanNullDecimal(rate); err != nil {
		return nil, fmt.Errorf("parse exchange_rate: %w", err)
	}
	snap.Source = model.SnapshotSource(source)

	if raw.Valid && raw.String != "" {
		if err := json.Unmarshal([]byte(raw.String), &snap.Raw); err != nil {
			return nil, fmt.Errorf("unmarshal raw_data: %w", err)
		}
	}

	if snap.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	return &snap, nil
}

func scanPosition(s scanner) (*model.Position, error) {
	var (
		p                 model.Position
		qty, price, value string
		costBasis         sql.NullString
		assetClass        string
	)

	if err := s.Scan(&p.ID, &p.SnapshotID, &p.Symbol, &p.Name, &p.ISIN, &qty, &price, &value,
		&costBasis, &p.Currency, &assetClass); err != nil {
		return nil, err
	}

	var err error
	if p.Quantity, err = decimal.NewFromString(qty); err != nil {
		return nil, fmt.Errorf("parse quantity: %w", err)
	}
	if p.Price, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("parse price: %w", err)
	}
	if p.MarketValue, err = decimal.NewFromString(value); err != nil {
		return nil, fmt.Errorf("parse market_value: %w", err)
	}
	if p.CostBasis, err = scanNullDecimal(costBasis); err != nil {
		return nil, fmt.Errorf("parse cost_basis: %w", err)
	}
	p.AssetClass = model.AssetClass(assetClass)
	return &p, nil
}

package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
)

var _ Store = (*SQLStore)(nil)

type paymentRecord struct {
	bun.BaseModel `bun:"table:x402_payments,alias:xp"`

	ID          string    `bun:"id,pk"`
	Network     string    `bun:"network,notnull"`
	Asset       string    `bun:"asset,notnull"`
	Payer       string    `bun:"payer,notnull"`
	Nonce       string    `bun:"nonce,notnull"`
	PayTo       string    `bun:"pay_to,notnull"`
	Value       string    `bun:"value,notnull"`
	Signature   string    `bun:"signature,notnull"`
	Resource    string    `bun:"resource"`
	ValidAfter  int64     `bun:"valid_after,notnull"`
	ValidBefore int64     `bun:"valid_before,notnull"`
	State       string    `bun:"state,notnull"`
	TxHash      string    `bun:"tx_hash"`
	ErrorReason string    `bun:"error_reason"`
	CreatedAt   time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt   time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

// SQLStore keeps payments in a SQL database through bun.
type SQLStore struct {
	db  *bun.DB
	now func() time.Time
}

// OpenSQLite opens (and migrates) a SQLite ledger. dsn is a go-sqlite3
// data source such as "file:ledger.db?_busy_timeout=5000" or
// "file::memory:?cache=shared".
func OpenSQLite(ctx context.Context, dsn string) (*SQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("ledger: sqlite dsn is required")
	}
	sqldb, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: open sqlite: %w", err)
	}
	// one writer keeps check-and-set transitions serialized
	sqldb.SetMaxOpenConns(1)

	store, err := NewSQLStore(ctx, bun.NewDB(sqldb, sqlitedialect.New()))
	if err != nil {
		_ = sqldb.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLStore wraps db and creates the payments table if needed.
func NewSQLStore(ctx context.Context, db *bun.DB) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("ledger: bun db is required")
	}
	s := &SQLStore{db: db, now: time.Now}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	if _, err := s.db.NewCreateTable().
		Model((*paymentRecord)(nil)).
		IfNotExists().
		Exec(ctx); err != nil {
		return fmt.Errorf("ledger: create table: %w", err)
	}
	if _, err := s.db.NewCreateIndex().
		Model((*paymentRecord)(nil)).
		Index("x402_payments_key_uidx").
		Unique().
		IfNotExists().
		Column("network", "asset", "payer", "nonce").
		Exec(ctx); err != nil {
		return fmt.Errorf("ledger: create key index: %w", err)
	}
	if _, err := s.db.NewCreateIndex().
		Model((*paymentRecord)(nil)).
		Index("x402_payments_state_idx").
		IfNotExists().
		Column("state", "valid_before").
		Exec(ctx); err != nil {
		return fmt.Errorf("ledger: create state index: %w", err)
	}
	return nil
}

func (s *SQLStore) Record(ctx context.Context, p *Payment) (*Payment, bool, error) {
	rec := p.clone()
	rec.syncKey()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.State == "" {
		rec.State = StatePending
	}
	now := s.now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now

	row := toRecord(rec)
	res, err := s.db.NewInsert().
		Model(row).
		On("CONFLICT (network, asset, payer, nonce) DO NOTHING").
		Exec(ctx)
	if err != nil {
		if !isUniqueViolation(err) {
			return nil, false, fmt.Errorf("ledger: insert payment: %w", err)
		}
	} else if n, _ := res.RowsAffected(); n == 1 {
		return fromRecord(row), true, nil
	}

	existing, err := s.GetByKey(ctx, rec.Key)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*Payment, error) {
	return s.get(ctx, s.db, id)
}

func (s *SQLStore) get(ctx context.Context, db bun.IDB, id string) (*Payment, error) {
	row := new(paymentRecord)
	err := db.NewSelect().
		Model(row).
		Where("?TableAlias.id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return fromRecord(row), nil
}

func (s *SQLStore) GetByKey(ctx context.Context, key Key) (*Payment, error) {
	key = NewKey(key.Network, key.Asset, key.Payer, key.Nonce)

	row := new(paymentRecord)
	err := s.db.NewSelect().
		Model(row).
		Where("?TableAlias.network = ?", key.Network).
		Where("?TableAlias.asset = ?", key.Asset).
		Where("?TableAlias.payer = ?", key.Payer).
		Where("?TableAlias.nonce = ?", key.Nonce).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return fromRecord(row), nil
}

func (s *SQLStore) Transition(ctx context.Context, id string, to State, u Update) (*Payment, error) {
	var (
		out      *Payment
		transErr error
	)
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		current, err := s.get(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := checkTransition(current.State, to); err != nil {
			out, transErr = current, err
			return nil
		}

		q := tx.NewUpdate().
			Model((*paymentRecord)(nil)).
			Set("state = ?", string(to)).
			Set("updated_at = ?", s.now().UTC()).
			Where("id = ?", id).
			Where("state = ?", string(current.State))
		if u.TxHash != "" {
			q = q.Set("tx_hash = ?", u.TxHash)
		}
		if u.ErrorReason != "" {
			q = q.Set("error_reason = ?", u.ErrorReason)
		}
		res, err := q.Exec(ctx)
		if err != nil {
			return fmt.Errorf("ledger: update payment: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("%w: %s changed concurrently", ErrInvalidTransition, id)
		}

		out, err = s.get(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, transErr
}

func (s *SQLStore) List(ctx context.Context, f Filter) ([]*Payment, error) {
	var rows []paymentRecord
	q := s.db.NewSelect().
		Model(&rows).
		OrderExpr("?TableAlias.created_at DESC, ?TableAlias.id ASC")
	if f.State != "" {
		q = q.Where("?TableAlias.state = ?", string(f.State))
	}
	if f.Network != "" {
		q = q.Where("?TableAlias.network = ?", f.Network)
	}
	if f.Payer != "" {
		q = q.Where("?TableAlias.payer = ?", strings.ToLower(f.Payer))
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if err := q.Scan(ctx); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	out := make([]*Payment, 0, len(rows))
	for i := range rows {
		out = append(out, fromRecord(&rows[i]))
	}
	return out, nil
}

func (s *SQLStore) ExpireBefore(ctx context.Context, t time.Time) (int, error) {
	res, err := s.db.NewUpdate().
		Model((*paymentRecord)(nil)).
		Set("state = ?", string(StateExpired)).
		Set("updated_at = ?", s.now().UTC()).
		Where("state IN (?)", bun.In([]string{string(StatePending), string(StateVerified)})).
		Where("valid_before > 0").
		Where("valid_before < ?", t.Unix()).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("ledger: expire payments: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// DB exposes the underlying handle, mainly for tests.
func (s *SQLStore) DB() *bun.DB {
	return s.db
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func toRecord(p *Payment) *paymentRecord {
	return &paymentRecord{
		ID:          p.ID,
		Network:     p.Network,
		Asset:       p.Asset,
		Payer:       p.Payer,
		Nonce:       p.Nonce,
		PayTo:       p.PayTo,
		Value:       p.Value,
		Signature:   p.Signature,
		Resource:    p.Resource,
		ValidAfter:  unixOrZero(p.ValidAfter),
		ValidBefore: unixOrZero(p.ValidBefore),
		State:       string(p.State),
		TxHash:      p.TxHash,
		ErrorReason: p.ErrorReason,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}

func fromRecord(r *paymentRecord) *Payment {
	p := &Payment{
		ID:          r.ID,
		Network:     r.Network,
		Asset:       r.Asset,
		Payer:       r.Payer,
		Nonce:       r.Nonce,
		PayTo:       r.PayTo,
		Value:       r.Value,
		Signature:   r.Signature,
		Resource:    r.Resource,
		ValidAfter:  timeOrZero(r.ValidAfter),
		ValidBefore: timeOrZero(r.ValidBefore),
		State:       State(r.State),
		TxHash:      r.TxHash,
		ErrorReason: r.ErrorReason,
		CreatedAt:   r.CreatedAt.UTC(),
		UpdatedAt:   r.UpdatedAt.UTC(),
	}
	p.Key = Key{Network: r.Network, Asset: r.Asset, Payer: r.Payer, Nonce: r.Nonce}
	return p
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func timeOrZero(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

func isUniqueViolation(err error) bool {
	message := strings.ToLower(strings.TrimSpace(err.Error()))
	return strings.Contains(message, "unique constraint failed")
}

package adaptive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"adaptivepay/internal/common/database"
	"adaptivepay/internal/common/money"
)

// Store persists payments, preapprovals and refunds. The With* methods hold
// a row lock on the aggregate while fn runs and save it when fn returns nil.
type Store interface {
	CreatePayment(ctx context.Context, p *Payment) error
	GetPayment(ctx context.Context, id int64) (*Payment, error)
	WithPayment(ctx context.Context, id int64, fn func(p *Payment) error) (*Payment, error)
	RefundPayment(ctx context.Context, id int64, fn func(p *Payment) (*Refund, error)) (*Payment, error)
	GetRefundByPayment(ctx context.Context, paymentID int64) (*Refund, error)
	ListStalePayments(ctx context.Context, olderThan time.Duration, limit int) ([]int64, error)

	CreatePreapproval(ctx context.Context, p *Preapproval) error
	GetPreapproval(ctx context.Context, id int64) (*Preapproval, error)
	WithPreapproval(ctx context.Context, id int64, fn func(p *Preapproval) error) (*Preapproval, error)
	ListStalePreapprovals(ctx context.Context, olderThan time.Duration, limit int) ([]int64, error)
}

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *database.DB
}

// NewPostgresStore creates a new PostgreSQL store.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const paymentColumns = `id, amount::text, currency, secret, pay_key, transaction_id,
	status, status_detail, debug_request, debug_response, created_at, updated_at`

const preapprovalColumns = `id, amount::text, currency, valid_until, secret, preapproval_key,
	status, status_detail, debug_request, debug_response, created_at, updated_at`

// CreatePayment inserts a payment and assigns its ID.
func (s *PostgresStore) CreatePayment(ctx context.Context, p *Payment) error {
	query := `
		INSERT INTO payments (
			amount, currency, secret, pay_key, transaction_id,
			status, status_detail, debug_request, debug_response, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id
	`
	err := s.db.QueryRow(ctx, query,
		p.Money.Amount.String(), string(p.Money.Currency), p.Secret, p.PayKey, p.TransactionID,
		p.Status, p.StatusDetail, p.DebugRequest, p.DebugResponse, p.CreatedAt, p.UpdatedAt,
	).Scan(&p.ID)
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

// GetPayment retrieves a payment by ID.
func (s *PostgresStore) GetPayment(ctx context.Context, id int64) (*Payment, error) {
	row := s.db.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
	return scanPayment(row)
}

// WithPayment locks the payment row, applies fn and saves the result.
func (s *PostgresStore) WithPayment(ctx context.Context, id int64, fn func(p *Payment) error) (*Payment, error) {
	var out *Payment
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		p, err := scanPayment(tx.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		if err := fn(p); err != nil {
			return err
		}
		if err := updatePayment(ctx, tx, p); err != nil {
			return err
		}
		out = p
		return nil
	})
	return out, err
}

// RefundPayment locks the payment, applies fn and stores the payment together
// with the refund fn returns.
func (s *PostgresStore) RefundPayment(ctx context.Context, id int64, fn func(p *Payment) (*Refund, error)) (*Payment, error) {
	var out *Payment
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		p, err := scanPayment(tx.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		refund, err := fn(p)
		if err != nil {
			return err
		}
		if err := updatePayment(ctx, tx, p); err != nil {
			return err
		}
		if refund != nil {
			query := `
				INSERT INTO refunds (
					payment_id, amount, currency, secret, status, status_detail,
					debug_request, debug_response, created_at, updated_at
				) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
				RETURNING id
			`
			err := tx.QueryRow(ctx, query,
				refund.PaymentID, refund.Money.Amount.String(), string(refund.Money.Currency), refund.Secret,
				refund.Status, refund.StatusDetail, refund.DebugRequest, refund.DebugResponse,
				refund.CreatedAt, refund.UpdatedAt,
			).Scan(&refund.ID)
			if err != nil {
				if database.IsUniqueViolation(err) {
					return fmt.Errorf("refund for payment %d: %w", id, database.ErrAlreadyExists)
				}
				return fmt.Errorf("insert refund: %w", err)
			}
		}
		out = p
		return nil
	})
	return out, err
}

// GetRefundByPayment retrieves the refund of a payment.
func (s *PostgresStore) GetRefundByPayment(ctx context.Context, paymentID int64) (*Refund, error) {
	query := `
		SELECT id, payment_id, amount::text, currency, secret, status, status_detail,
			debug_request, debug_response, created_at, updated_at
		FROM refunds WHERE payment_id = $1
	`
	var r Refund
	var amount, currency string
	err := s.db.QueryRow(ctx, query, paymentID).Scan(
		&r.ID, &r.PaymentID, &amount, &currency, &r.Secret, &r.Status, &r.StatusDetail,
		&r.DebugRequest, &r.DebugResponse, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err, "refund")
	}
	if r.Money, err = money.Parse(amount, currency); err != nil {
		return nil, fmt.Errorf("refund %d: %w", r.ID, err)
	}
	return &r, nil
}

// ListStalePayments lists payments still waiting on PayPal that have not
// changed for olderThan.
func (s *PostgresStore) ListStalePayments(ctx context.Context, olderThan time.Duration, limit int) ([]int64, error) {
	query := `
		SELECT id FROM payments
		WHERE status IN ('created', 'returned') AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2
	`
	return s.listIDs(ctx, query, time.Now().UTC().Add(-olderThan), limit)
}

// CreatePreapproval inserts a preapproval and assigns its ID.
func (s *PostgresStore) CreatePreapproval(ctx context.Context, p *Preapproval) error {
	query := `
		INSERT INTO preapprovals (
			amount, currency, valid_until, secret, preapproval_key,
			status, status_detail, debug_request, debug_response, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id
	`
	err := s.db.QueryRow(ctx, query,
		p.Money.Amount.String(), string(p.Money.Currency), p.ValidUntil, p.Secret, p.PreapprovalKey,
		p.Status, p.StatusDetail, p.DebugRequest, p.DebugResponse, p.CreatedAt, p.UpdatedAt,
	).Scan(&p.ID)
	if err != nil {
		return fmt.Errorf("insert preapproval: %w", err)
	}
	return nil
}

// GetPreapproval retrieves a preapproval by ID.
func (s *PostgresStore) GetPreapproval(ctx context.Context, id int64) (*Preapproval, error) {
	row := s.db.QueryRow(ctx, `SELECT `+preapprovalColumns+` FROM preapprovals WHERE id = $1`, id)
	return scanPreapproval(row)
}

// WithPreapproval locks the preapproval row, applies fn and saves the result.
func (s *PostgresStore) WithPreapproval(ctx context.Context, id int64, fn func(p *Preapproval) error) (*Preapproval, error) {
	var out *Preapproval
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		p, err := scanPreapproval(tx.QueryRow(ctx, `SELECT `+preapprovalColumns+` FROM preapprovals WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		if err := fn(p); err != nil {
			return err
		}
		query := `
			UPDATE preapprovals SET
				preapproval_key = $2, status = $3, status_detail = $4,
				debug_request = $5, debug_response = $6, updated_at = $7
			WHERE id = $1
		`
		if _, err := tx.Exec(ctx, query,
			p.ID, p.PreapprovalKey, p.Status, p.StatusDetail,
			p.DebugRequest, p.DebugResponse, p.UpdatedAt,
		); err != nil {
			return fmt.Errorf("update preapproval: %w", err)
		}
		out = p
		return nil
	})
	return out, err
}

// ListStalePreapprovals lists unexpired preapprovals still waiting on PayPal
// that have not changed for olderThan.
func (s *PostgresStore) ListStalePreapprovals(ctx context.Context, olderThan time.Duration, limit int) ([]int64, error) {
	query := `
		SELECT id FROM preapprovals
		WHERE status IN ('created', 'returned', 'approved')
			AND updated_at < $1 AND valid_until > now()
		ORDER BY updated_at ASC
		LIMIT $2
	`
	return s.listIDs(ctx, query, time.Now().UTC().Add(-olderThan), limit)
}

func (s *PostgresStore) listIDs(ctx context.Context, query string, cutoff time.Time, limit int) ([]int64, error) {
	rows, err := s.db.Query(ctx, query, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func updatePayment(ctx context.Context, q database.Querier, p *Payment) error {
	query := `
		UPDATE payments SET
			pay_key = $2, transaction_id = $3, status = $4, status_detail = $5,
			debug_request = $6, debug_response = $7, updated_at = $8
		WHERE id = $1
	`
	_, err := q.Exec(ctx, query,
		p.ID, p.PayKey, p.TransactionID, p.Status, p.StatusDetail,
		p.DebugRequest, p.DebugResponse, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update payment: %w", err)
	}
	return nil
}

func scanPayment(row pgx.Row) (*Payment, error) {
	var p Payment
	var amount, currency string
	err := row.Scan(
		&p.ID, &amount, &currency, &p.Secret, &p.PayKey, &p.TransactionID,
		&p.Status, &p.StatusDetail, &p.DebugRequest, &p.DebugResponse, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err, "payment")
	}
	if p.Money, err = money.Parse(amount, currency); err != nil {
		return nil, fmt.Errorf("payment %d: %w", p.ID, err)
	}
	return &p, nil
}

func scanPreapproval(row pgx.Row) (*Preapproval, error) {
	var p Preapproval
	var amount, currency string
	err := row.Scan(
		&p.ID, &amount, &currency, &p.ValidUntil, &p.Secret, &p.PreapprovalKey,
		&p.Status, &p.StatusDetail, &p.DebugRequest, &p.DebugResponse, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err, "preapproval")
	}
	if p.Money, err = money.Parse(amount, currency); err != nil {
		return nil, fmt.Errorf("preapproval %d: %w", p.ID, err)
	}
	return &p, nil
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, database.ErrNotFound)
	}
	return fmt.Errorf("scan %s: %w", what, err)
}

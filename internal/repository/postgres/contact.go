package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ignite/newsletter-engine/internal/domain"
	"github.com/ignite/newsletter-engine/internal/service/contact"
)

// ContactRepo implements contact.Repository against PostgreSQL.
type ContactRepo struct{ db *sql.DB }

// NewContactRepo creates a Postgres-backed contact repository.
func NewContactRepo(db *sql.DB) *ContactRepo { return &ContactRepo{db: db} }

func (r *ContactRepo) FindAll(ctx context.Context) ([]domain.Contact, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT email, unsubscribe_key, created_at
		FROM newsletter_contacts
		ORDER BY created_at, email
	`)
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	defer rows.Close()

	var out []domain.Contact
	for rows.Next() {
		var c domain.Contact
		if err := rows.Scan(&c.Email, &c.UnsubscribeKey, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *ContactRepo) Create(ctx context.Context, c *domain.Contact) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO newsletter_contacts (email, unsubscribe_key, created_at)
		VALUES ($1, $2, $3)
	`, c.Email, c.UnsubscribeKey, c.CreatedAt)
	if isUniqueViolation(err) {
		return contact.ErrAlreadySubscribed
	}
	if err != nil {
		return fmt.Errorf("insert contact: %w", err)
	}
	return nil
}

func (r *ContactRepo) DeleteByUnsubscribeKey(ctx context.Context, key string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM newsletter_contacts WHERE unsubscribe_key = $1`, key)
	if err != nil {
		return fmt.Errorf("delete contact: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete contact: %w", err)
	}
	if n == 0 {
		return contact.ErrNotFound
	}
	return nil
}

func (r *ContactRepo) FindByEmail(ctx context.Context, email string) (*domain.Contact, error) {
	c := &domain.Contact{}
	err := r.db.QueryRowContext(ctx, `
		SELECT email, unsubscribe_key, created_at
		FROM newsletter_contacts
		WHERE email = $1
	`, email).Scan(&c.Email, &c.UnsubscribeKey, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, contact.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get contact: %w", err)
	}
	return c, nil
}

var _ contact.Repository = (*ContactRepo)(nil)

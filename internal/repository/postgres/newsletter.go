package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ignite/newsletter-engine/internal/domain"
	"github.com/ignite/newsletter-engine/internal/service/newsletter"
)

// deliveryInsertChunk bounds the rows per multi-row INSERT so a statement
// stays far below the 65535 bind-parameter limit.
const deliveryInsertChunk = 1000

// NewsletterRepo implements newsletter.Store against PostgreSQL.
type NewsletterRepo struct{ db *sql.DB }

// NewNewsletterRepo creates a Postgres-backed newsletter store.
func NewNewsletterRepo(db *sql.DB) *NewsletterRepo { return &NewsletterRepo{db: db} }

func (r *NewsletterRepo) FindByTitle(ctx context.Context, title string) (*domain.Newsletter, error) {
	var (
		rec                    domain.NewsletterRecord
		startedAt, completedAt sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, title, subject, preview_text, html_template,
		       created_at, started_at, completed_at
		FROM newsletters
		WHERE title = $1
	`, title).Scan(
		&rec.ID, &rec.Title, &rec.Subject, &rec.PreviewText, &rec.HTMLTemplate,
		&rec.CreatedAt, &startedAt, &completedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get newsletter: %w", err)
	}
	rec.StartedAt = nullTime(startedAt)
	rec.CompletedAt = nullTime(completedAt)

	rows, err := r.db.QueryContext(ctx, `
		SELECT recipient_email, template_data, status, sent_at, error_message
		FROM newsletter_deliveries
		WHERE newsletter_id = $1
		ORDER BY position
	`, rec.ID)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	defer rows.Close()

	var (
		recipients []domain.Recipient
		deliveries []domain.Delivery
	)
	for rows.Next() {
		var (
			d      domain.Delivery
			raw    []byte
			sentAt sql.NullTime
		)
		if err := rows.Scan(&d.RecipientEmail, &raw, &d.Status, &sentAt, &d.ErrorMessage); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		data := map[string]string{}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &data); err != nil {
				return nil, fmt.Errorf("decode template data for %s: %w", d.RecipientEmail, err)
			}
		}
		d.SentAt = nullTime(sentAt)
		recipients = append(recipients, domain.Recipient{Email: d.RecipientEmail, TemplateData: data})
		deliveries = append(deliveries, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deliveries: %w", err)
	}

	n, err := domain.RestoreNewsletter(rec, recipients, deliveries)
	if err != nil {
		return nil, fmt.Errorf("restore newsletter %q: %w", title, err)
	}
	return n, nil
}

func (r *NewsletterRepo) Save(ctx context.Context, n *domain.Newsletter) error {
	id := n.ID()
	if id == "" {
		id = uuid.NewString()
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO newsletters (
			id, title, subject, preview_text, html_template, status,
			total_recipients, processed_count, failed_count,
			created_at, started_at, completed_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())
	`, id, n.Title(), n.Subject(), n.PreviewText(), n.HTMLTemplate(), string(n.Status()),
		n.TotalRecipients(), n.SentCount(), n.FailedCount(),
		n.CreatedAt(), n.StartedAt(), n.CompletedAt(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %q", newsletter.ErrDuplicateCampaign, n.Title())
		}
		return fmt.Errorf("insert newsletter: %w", err)
	}

	recipients := n.Recipients()
	deliveries := n.Deliveries()
	for start := 0; start < len(recipients); start += deliveryInsertChunk {
		end := min(start+deliveryInsertChunk, len(recipients))
		if err := insertDeliveries(ctx, tx, id, start, recipients[start:end], deliveries[start:end]); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit newsletter: %w", err)
	}
	n.SetID(id)
	return nil
}

func insertDeliveries(ctx context.Context, tx *sql.Tx, id string, offset int, recipients []domain.Recipient, deliveries []domain.Delivery) error {
	const cols = 7
	var sb strings.Builder
	sb.WriteString(`INSERT INTO newsletter_deliveries
		(newsletter_id, position, recipient_email, template_data, status, sent_at, error_message) VALUES `)
	args := make([]interface{}, 0, len(recipients)*cols)
	for i, rcpt := range recipients {
		data, err := json.Marshal(rcpt.TemplateData)
		if err != nil {
			return fmt.Errorf("encode template data: %w", err)
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * cols
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7)
		d := deliveries[i]
		args = append(args, id, offset+i, rcpt.Email, string(data), string(d.Status), d.SentAt, d.ErrorMessage)
	}
	if _, err := tx.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("insert deliveries: %w", err)
	}
	return nil
}

// deliveryKey groups deliveries that receive the same column values.
type deliveryKey struct {
	status domain.DeliveryStatus
	sentAt time.Time
	hasAt  bool
	errMsg string
}

func (r *NewsletterRepo) Update(ctx context.Context, n *domain.Newsletter) error {
	if n.ID() == "" {
		return newsletter.ErrNotFound
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE newsletters
		SET status = $2, total_recipients = $3, processed_count = $4, failed_count = $5,
		    started_at = $6, completed_at = $7, updated_at = NOW()
		WHERE id = $1
	`, n.ID(), string(n.Status()), n.TotalRecipients(), n.SentCount(), n.FailedCount(),
		n.StartedAt(), n.CompletedAt())
	if err != nil {
		return fmt.Errorf("update newsletter: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return newsletter.ErrNotFound
	}

	var order []deliveryKey
	groups := make(map[deliveryKey][]string)
	for _, d := range n.Deliveries() {
		k := deliveryKey{status: d.Status, errMsg: d.ErrorMessage}
		if d.SentAt != nil {
			k.sentAt, k.hasAt = d.SentAt.UTC(), true
		}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], d.RecipientEmail)
	}

	for _, k := range order {
		var sentAt interface{}
		if k.hasAt {
			sentAt = k.sentAt
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE newsletter_deliveries
			SET status = $2, sent_at = $3, error_message = $4
			WHERE newsletter_id = $1
			  AND recipient_email = ANY($5)
			  AND (status IS DISTINCT FROM $2 OR sent_at IS DISTINCT FROM $3 OR error_message IS DISTINCT FROM $4)
		`, n.ID(), string(k.status), sentAt, k.errMsg, pq.Array(groups[k]))
		if err != nil {
			return fmt.Errorf("update deliveries: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit newsletter: %w", err)
	}
	return nil
}

func (r *NewsletterRepo) Titles(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT title FROM newsletters ORDER BY created_at DESC, title`)
	if err != nil {
		return nil, fmt.Errorf("list newsletters: %w", err)
	}
	defer rows.Close()

	var titles []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scan title: %w", err)
		}
		titles = append(titles, t)
	}
	return titles, rows.Err()
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

var _ newsletter.Store = (*NewsletterRepo)(nil)

// Package bolt stores newsletters and contacts in a single embedded bbolt
// file, for deployments without PostgreSQL.
package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	bbolt "go.etcd.io/bbolt"

	"github.com/ignite/newsletter-engine/internal/domain"
	"github.com/ignite/newsletter-engine/internal/service/contact"
	"github.com/ignite/newsletter-engine/internal/service/newsletter"
)

var (
	bucketContacts    = []byte("contacts")
	bucketUnsubscribe = []byte("unsubscribe_keys")
	bucketNewsletters = []byte("newsletters")
)

// Store implements both newsletter.Store and contact.Repository.
// bbolt serialises writers, so every method is safe for concurrent use.
type Store struct {
	db *bbolt.DB
}

// Open opens (or creates) the database file at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketContacts, bucketUnsubscribe, bucketNewsletters} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the file lock.
func (s *Store) Close() error { return s.db.Close() }

type newsletterDoc struct {
	ID           string        `json:"id"`
	Title        string        `json:"title"`
	Subject      string        `json:"subject"`
	PreviewText  string        `json:"preview_text"`
	HTMLTemplate string        `json:"html_template"`
	Status       string        `json:"status"`
	CreatedAt    time.Time     `json:"created_at"`
	StartedAt    *time.Time    `json:"started_at,omitempty"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
	Deliveries   []deliveryDoc `json:"deliveries"`
}

type deliveryDoc struct {
	Email        string                `json:"email"`
	TemplateData map[string]string     `json:"template_data"`
	Status       domain.DeliveryStatus `json:"status"`
	SentAt       *time.Time            `json:"sent_at,omitempty"`
	ErrorMessage string                `json:"error_message,omitempty"`
}

func toDoc(n *domain.Newsletter) newsletterDoc {
	doc := newsletterDoc{
		ID:           n.ID(),
		Title:        n.Title(),
		Subject:      n.Subject(),
		PreviewText:  n.PreviewText(),
		HTMLTemplate: n.HTMLTemplate(),
		Status:       string(n.Status()),
		CreatedAt:    n.CreatedAt(),
		StartedAt:    n.StartedAt(),
		CompletedAt:  n.CompletedAt(),
	}
	recipients := n.Recipients()
	for i, d := range n.Deliveries() {
		doc.Deliveries = append(doc.Deliveries, deliveryDoc{
			Email:        d.RecipientEmail,
			TemplateData: recipients[i].TemplateData,
			Status:       d.Status,
			SentAt:       d.SentAt,
			ErrorMessage: d.ErrorMessage,
		})
	}
	return doc
}

func fromDoc(doc newsletterDoc) (*domain.Newsletter, error) {
	recipients := make([]domain.Recipient, len(doc.Deliveries))
	deliveries := make([]domain.Delivery, len(doc.Deliveries))
	for i, d := range doc.Deliveries {
		recipients[i] = domain.Recipient{Email: d.Email, TemplateData: d.TemplateData}
		deliveries[i] = domain.Delivery{RecipientEmail: d.Email, Status: d.Status, SentAt: d.SentAt, ErrorMessage: d.ErrorMessage}
	}
	return domain.RestoreNewsletter(domain.NewsletterRecord{
		ID:           doc.ID,
		Title:        doc.Title,
		Subject:      doc.Subject,
		PreviewText:  doc.PreviewText,
		HTMLTemplate: doc.HTMLTemplate,
		CreatedAt:    doc.CreatedAt,
		StartedAt:    doc.StartedAt,
		CompletedAt:  doc.CompletedAt,
	}, recipients, deliveries)
}

func (s *Store) FindByTitle(_ context.Context, title string) (*domain.Newsletter, error) {
	var doc *newsletterDoc
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketNewsletters).Get([]byte(title))
		if data == nil {
			return nil
		}
		doc = &newsletterDoc{}
		return json.Unmarshal(data, doc)
	})
	if err != nil {
		return nil, fmt.Errorf("get newsletter: %w", err)
	}
	if doc == nil {
		return nil, nil
	}
	n, err := fromDoc(*doc)
	if err != nil {
		return nil, fmt.Errorf("restore newsletter %q: %w", title, err)
	}
	return n, nil
}

func (s *Store) Save(_ context.Context, n *domain.Newsletter) error {
	doc := toDoc(n)
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketNewsletters)
		if b.Get([]byte(doc.Title)) != nil {
			return fmt.Errorf("%w: %q", newsletter.ErrDuplicateCampaign, doc.Title)
		}
		return putJSON(b, doc.Title, doc)
	})
	if err != nil {
		return err
	}
	n.SetID(doc.ID)
	return nil
}

func (s *Store) Update(_ context.Context, n *domain.Newsletter) error {
	doc := toDoc(n)
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketNewsletters)
		if b.Get([]byte(doc.Title)) == nil {
			return newsletter.ErrNotFound
		}
		return putJSON(b, doc.Title, doc)
	})
}

func (s *Store) Titles(_ context.Context) ([]string, error) {
	type entry struct {
		title   string
		created time.Time
	}
	var entries []entry
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketNewsletters).ForEach(func(k, v []byte) error {
			var head struct {
				CreatedAt time.Time `json:"created_at"`
			}
			if err := json.Unmarshal(v, &head); err != nil {
				return fmt.Errorf("decode %s: %w", k, err)
			}
			entries = append(entries, entry{title: string(k), created: head.CreatedAt})
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list newsletters: %w", err)
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].created.After(entries[j].created) })
	titles := make([]string, len(entries))
	for i, e := range entries {
		titles[i] = e.title
	}
	return titles, nil
}

func (s *Store) FindAll(_ context.Context) ([]domain.Contact, error) {
	var out []domain.Contact
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketContacts).ForEach(func(_, v []byte) error {
			var c domain.Contact
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			out = append(out, c)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Email < out[j].Email
	})
	return out, nil
}

func (s *Store) Create(_ context.Context, c *domain.Contact) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		contacts := tx.Bucket(bucketContacts)
		keys := tx.Bucket(bucketUnsubscribe)
		if contacts.Get([]byte(c.Email)) != nil || keys.Get([]byte(c.UnsubscribeKey)) != nil {
			return contact.ErrAlreadySubscribed
		}
		if err := putJSON(contacts, c.Email, c); err != nil {
			return err
		}
		return keys.Put([]byte(c.UnsubscribeKey), []byte(c.Email))
	})
}

func (s *Store) DeleteByUnsubscribeKey(_ context.Context, key string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		keys := tx.Bucket(bucketUnsubscribe)
		email := keys.Get([]byte(key))
		if email == nil {
			return contact.ErrNotFound
		}
		if err := tx.Bucket(bucketContacts).Delete(email); err != nil {
			return fmt.Errorf("delete contact: %w", err)
		}
		return keys.Delete([]byte(key))
	})
}

func (s *Store) FindByEmail(_ context.Context, email string) (*domain.Contact, error) {
	var c *domain.Contact
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketContacts).Get([]byte(email))
		if data == nil {
			return contact.ErrNotFound
		}
		c = &domain.Contact{}
		return json.Unmarshal(data, c)
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func putJSON(b *bbolt.Bucket, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return b.Put([]byte(key), data)
}

var (
	_ newsletter.Store   = (*Store)(nil)
	_ contact.Repository = (*Store)(nil)
)

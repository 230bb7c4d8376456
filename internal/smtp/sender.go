// Package smtp implements sending.Sender over a plain SMTP relay. Templates
// are Liquid; "{{ name }}" placeholders render from each recipient's
// template data.
package smtp

import (
	"context"
	"fmt"

	"github.com/osteele/liquid"
	"gopkg.in/gomail.v2"

	"github.com/ignite/newsletter-engine/internal/config"
	"github.com/ignite/newsletter-engine/internal/domain"
	"github.com/ignite/newsletter-engine/internal/pkg/logger"
	"github.com/ignite/newsletter-engine/internal/service/sending"
)

const defaultChunk = 50

// Dialer opens one SMTP session. *gomail.Dialer satisfies it.
type Dialer interface {
	Dial() (gomail.SendCloser, error)
}

// Sender delivers one message per recipient, reusing a connection per chunk.
type Sender struct {
	dialer    Dialer
	from      string
	chunkSize int
	engine    *liquid.Engine
}

// NewSender builds a sender on an arbitrary dialer.
func NewSender(d Dialer, from string, chunkSize int) *Sender {
	if chunkSize <= 0 {
		chunkSize = defaultChunk
	}
	return &Sender{dialer: d, from: from, chunkSize: chunkSize, engine: liquid.NewEngine()}
}

// NewFromConfig dials cfg.Host with the configured credentials.
func NewFromConfig(cfg config.SMTPConfig) *Sender {
	return NewSender(gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password), cfg.From, defaultChunk)
}

// SendBatch implements sending.Sender. Parsing the template plays the role
// of provider-side template creation: a parse error fails the whole batch.
func (s *Sender) SendBatch(ctx context.Context, recipients []domain.Recipient, tpl domain.EmailTemplate) ([]domain.DeliveryResult, error) {
	if len(recipients) == 0 {
		return []domain.DeliveryResult{}, nil
	}

	subject, err := s.engine.ParseString(tpl.Subject)
	if err != nil {
		return nil, fmt.Errorf("parse subject template: %w", err)
	}
	body, err := s.engine.ParseString(sending.BodyHTML(tpl))
	if err != nil {
		return nil, fmt.Errorf("parse html template: %w", err)
	}

	results := make([]domain.DeliveryResult, 0, len(recipients))
	for start := 0; start < len(recipients); start += s.chunkSize {
		chunk := recipients[start:min(start+s.chunkSize, len(recipients))]
		results = append(results, s.sendChunk(ctx, chunk, subject, body)...)
	}
	return results, nil
}

func (s *Sender) sendChunk(ctx context.Context, chunk []domain.Recipient, subject, body *liquid.Template) []domain.DeliveryResult {
	out := make([]domain.DeliveryResult, 0, len(chunk))

	conn, err := s.dialer.Dial()
	if err != nil {
		logger.Warn("smtp dial failed", "component", "smtp", "recipients", len(chunk), "error", err)
		for _, r := range chunk {
			out = append(out, domain.DeliveryResult{Email: r.Email, Error: err.Error()})
		}
		return out
	}
	defer conn.Close()

	for _, r := range chunk {
		if err := ctx.Err(); err != nil {
			out = append(out, domain.DeliveryResult{Email: r.Email, Error: err.Error()})
			continue
		}
		if err := s.sendOne(conn, r, subject, body); err != nil {
			out = append(out, domain.DeliveryResult{Email: r.Email, Error: err.Error()})
			continue
		}
		out = append(out, domain.DeliveryResult{Email: r.Email, Success: true})
	}
	return out
}

func (s *Sender) sendOne(conn gomail.SendCloser, r domain.Recipient, subject, body *liquid.Template) error {
	bindings := make(liquid.Bindings, len(r.TemplateData))
	for k, v := range r.TemplateData {
		bindings[k] = v
	}
	subj, err := subject.RenderString(bindings)
	if err != nil {
		return fmt.Errorf("render subject: %w", err)
	}
	html, err := body.RenderString(bindings)
	if err != nil {
		return fmt.Errorf("render html: %w", err)
	}

	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", r.Email)
	m.SetHeader("Subject", subj)
	if u := r.TemplateData["unsubscribe_url"]; u != "" {
		m.SetHeader("List-Unsubscribe", "<"+u+">")
	}
	m.SetBody("text/html", html)
	return gomail.Send(conn, m)
}

var _ sending.Sender = (*Sender)(nil)

// Package ses implements sending.Sender on the AWS SES v2 bulk API.
//
// Each SendBatch call creates a temporary email template, sends the
// recipients in chunks with per-recipient replacement data, and always
// deletes the template afterwards.
package ses

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	appconfig "github.com/ignite/newsletter-engine/internal/config"
	"github.com/ignite/newsletter-engine/internal/domain"
	"github.com/ignite/newsletter-engine/internal/pkg/logger"
	"github.com/ignite/newsletter-engine/internal/service/sending"
)

// MaxBulkEntries is the SES limit on destinations per SendBulkEmail call.
const MaxBulkEntries = 50

const cleanupTimeout = 10 * time.Second

// API is the subset of *sesv2.Client the sender uses.
type API interface {
	CreateEmailTemplate(ctx context.Context, in *sesv2.CreateEmailTemplateInput, optFns ...func(*sesv2.Options)) (*sesv2.CreateEmailTemplateOutput, error)
	SendBulkEmail(ctx context.Context, in *sesv2.SendBulkEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendBulkEmailOutput, error)
	DeleteEmailTemplate(ctx context.Context, in *sesv2.DeleteEmailTemplateInput, optFns ...func(*sesv2.Options)) (*sesv2.DeleteEmailTemplateOutput, error)
}

// Options configures a BulkSender.
type Options struct {
	FromEmail        string
	ConfigurationSet string
	// MaxBatchSize caps entries per SendBulkEmail call; values outside
	// 1..50 become 50.
	MaxBatchSize int
	// Concurrency bounds in-flight SendBulkEmail calls per batch.
	Concurrency int
	// Timeout bounds each provider call. Zero means no extra bound.
	Timeout time.Duration
}

// BulkSender is a sending.Sender backed by SES v2.
type BulkSender struct {
	api  API
	opts Options
	// templateName is swapped in tests.
	templateName func() string
}

// NewBulkSender wraps an SES API client.
func NewBulkSender(api API, opts Options) *BulkSender {
	if opts.MaxBatchSize <= 0 || opts.MaxBatchSize > MaxBulkEntries {
		opts.MaxBatchSize = MaxBulkEntries
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	return &BulkSender{
		api:          api,
		opts:         opts,
		templateName: func() string { return "newsletter-" + uuid.NewString() },
	}
}

// NewClient builds a BulkSender from static credentials in cfg.
func NewClient(ctx context.Context, cfg appconfig.SESConfig) (*BulkSender, error) {
	creds := credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(creds),
	)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return NewBulkSender(sesv2.NewFromConfig(awsCfg), Options{
		FromEmail:        cfg.FromEmail,
		ConfigurationSet: cfg.ConfigurationSet,
		MaxBatchSize:     cfg.MaxBatchSize,
		Concurrency:      cfg.Concurrency,
		Timeout:          cfg.Timeout(),
	}), nil
}

// SendBatch implements sending.Sender.
func (s *BulkSender) SendBatch(ctx context.Context, recipients []domain.Recipient, tpl domain.EmailTemplate) ([]domain.DeliveryResult, error) {
	if len(recipients) == 0 {
		return []domain.DeliveryResult{}, nil
	}

	name := s.templateName()
	cctx, cancel := s.callContext(ctx)
	_, err := s.api.CreateEmailTemplate(cctx, &sesv2.CreateEmailTemplateInput{
		TemplateName: aws.String(name),
		TemplateContent: &types.EmailTemplateContent{
			Subject: aws.String(tpl.Subject),
			Html:    aws.String(sending.BodyHTML(tpl)),
		},
	})
	cancel()
	if err != nil {
		return nil, fmt.Errorf("create ses template: %w", err)
	}
	defer s.deleteTemplate(ctx, name)

	chunks := chunk(recipients, s.opts.MaxBatchSize)
	perChunk := make([][]domain.DeliveryResult, len(chunks))

	var g errgroup.Group
	g.SetLimit(s.opts.Concurrency)
	for i, c := range chunks {
		g.Go(func() error {
			perChunk[i] = s.sendChunk(ctx, name, c)
			return nil
		})
	}
	_ = g.Wait()

	results := make([]domain.DeliveryResult, 0, len(recipients))
	for _, r := range perChunk {
		results = append(results, r...)
	}
	return sending.FillMissing(recipients, results), nil
}

func (s *BulkSender) sendChunk(ctx context.Context, templateName string, chunk []domain.Recipient) []domain.DeliveryResult {
	entries := make([]types.BulkEmailEntry, 0, len(chunk))
	for _, r := range chunk {
		data, err := json.Marshal(r.TemplateData)
		if err != nil {
			return failAll(chunk, fmt.Sprintf("encode template data: %v", err))
		}
		entries = append(entries, types.BulkEmailEntry{
			Destination: &types.Destination{ToAddresses: []string{r.Email}},
			ReplacementEmailContent: &types.ReplacementEmailContent{
				ReplacementTemplate: &types.ReplacementTemplate{
					ReplacementTemplateData: aws.String(string(data)),
				},
			},
		})
	}

	in := &sesv2.SendBulkEmailInput{
		FromEmailAddress: aws.String(s.opts.FromEmail),
		DefaultContent: &types.BulkEmailContent{
			Template: &types.Template{
				TemplateName: aws.String(templateName),
				TemplateData: aws.String("{}"),
			},
		},
		BulkEmailEntries: entries,
	}
	if s.opts.ConfigurationSet != "" {
		in.ConfigurationSetName = aws.String(s.opts.ConfigurationSet)
	}

	cctx, cancel := s.callContext(ctx)
	defer cancel()
	out, err := s.api.SendBulkEmail(cctx, in)
	if err != nil {
		logger.Warn("ses bulk send failed", "component", "ses", "recipients", len(chunk), "error", err)
		return failAll(chunk, err.Error())
	}

	// Entry results come back in request order.
	results := make([]domain.DeliveryResult, 0, len(chunk))
	for i, r := range out.BulkEmailEntryResults {
		if i >= len(chunk) {
			break
		}
		res := domain.DeliveryResult{Email: chunk[i].Email}
		if r.Status == types.BulkEmailStatusSuccess {
			res.Success = true
		} else {
			res.Error = aws.ToString(r.Error)
			if res.Error == "" {
				res.Error = string(r.Status)
			}
		}
		results = append(results, res)
	}
	return results
}

// deleteTemplate runs even when ctx is already cancelled. Failures are
// logged only.
func (s *BulkSender) deleteTemplate(ctx context.Context, name string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if _, err := s.api.DeleteEmailTemplate(ctx, &sesv2.DeleteEmailTemplateInput{TemplateName: aws.String(name)}); err != nil {
		logger.Warn("ses template cleanup failed", "component", "ses", "template", name, "error", err)
	}
}

func (s *BulkSender) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opts.Timeout > 0 {
		return context.WithTimeout(ctx, s.opts.Timeout)
	}
	return context.WithCancel(ctx)
}

func chunk(rs []domain.Recipient, size int) [][]domain.Recipient {
	var out [][]domain.Recipient
	for start := 0; start < len(rs); start += size {
		out = append(out, rs[start:min(start+size, len(rs))])
	}
	return out
}

func failAll(chunk []domain.Recipient, msg string) []domain.DeliveryResult {
	out := make([]domain.DeliveryResult, len(chunk))
	for i, r := range chunk {
		out[i] = domain.DeliveryResult{Email: r.Email, Error: msg}
	}
	return out
}

var _ sending.Sender = (*BulkSender)(nil)

package mailsource

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/dvloznov/alertledger/internal/config"
	"github.com/dvloznov/alertledger/internal/domain"
	"github.com/dvloznov/alertledger/internal/store"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// GmailScopes is the only scope the source asks for.
var GmailScopes = []string{gmail.GmailReadonlyScope}

// maxMessages caps one fetch so a first sync of a busy mailbox stays bounded.
const maxMessages = 500

// GmailSource reads a user's mailbox through the Gmail API with the
// OAuth token stored for that user. Refreshed tokens are written back.
type GmailSource struct {
	oauth   *oauth2.Config
	tokens  store.CredentialStore
	log     zerolog.Logger
	options []option.ClientOption
}

// NewGmailSource creates a source. Extra client options are appended to
// every service, e.g. an endpoint override.
func NewGmailSource(cfg config.GmailConfig, tokens store.CredentialStore, log zerolog.Logger, opts ...option.ClientOption) *GmailSource {
	return &GmailSource{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     google.Endpoint,
			Scopes:       GmailScopes,
		},
		tokens:  tokens,
		log:     log,
		options: opts,
	}
}

// savingTokenSource persists a token whenever the underlying source
// hands out a new one.
type savingTokenSource struct {
	ctx    context.Context
	owner  string
	base   oauth2.TokenSource
	tokens store.CredentialStore
	log    zerolog.Logger

	mu   sync.Mutex
	last string
}

func (s *savingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if tok.AccessToken != s.last {
		s.last = tok.AccessToken
		if err := s.tokens.SaveToken(s.ctx, s.owner, tok); err != nil {
			s.log.Warn().Err(err).Str("owner", s.owner).Msg("Failed to save refreshed mailbox token")
		}
	}
	return tok, nil
}

func (g *GmailSource) service(ctx context.Context, owner string) (*gmail.Service, error) {
	tok, err := g.tokens.GetToken(ctx, owner)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("no mailbox token for %s: %w", owner, domain.ErrReauthorizationRequired)
	}
	if err != nil {
		return nil, fmt.Errorf("load mailbox token: %w", err)
	}

	ts := &savingTokenSource{
		ctx:    context.WithoutCancel(ctx),
		owner:  owner,
		base:   g.oauth.TokenSource(ctx, tok),
		tokens: g.tokens,
		log:    g.log,
		last:   tok.AccessToken,
	}
	opts := append([]option.ClientOption{option.WithTokenSource(oauth2.ReuseTokenSource(tok, ts))}, g.options...)
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gmail service: %w", err)
	}
	return svc, nil
}

// Fetch implements Source.
func (g *GmailSource) Fetch(ctx context.Context, owner string, q Query) ([]Message, error) {
	svc, err := g.service(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("Fetch: %w", err)
	}
	query := q.String()
	log := g.log.With().Str("owner", owner).Str("query", query).Logger()

	var ids []string
	err = svc.Users.Messages.List("me").Q(query).Pages(ctx, func(resp *gmail.ListMessagesResponse) error {
		for _, m := range resp.Messages {
			ids = append(ids, m.Id)
		}
		if len(ids) >= maxMessages {
			return errStopPaging
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStopPaging) {
		return nil, fmt.Errorf("Fetch: list messages: %w", classify(err))
	}
	if len(ids) > maxMessages {
		ids = ids[:maxMessages]
	}

	out := make([]Message, 0, len(ids))
	for _, id := range ids {
		msg, err := svc.Users.Messages.Get("me", id).Format("full").Context(ctx).Do()
		if err != nil {
			err = classify(err)
			if errors.Is(err, domain.ErrReauthorizationRequired) || ctx.Err() != nil {
				return nil, fmt.Errorf("Fetch: get message %s: %w", id, err)
			}
			log.Warn().Err(err).Str("external_id", id).Msg("Skipping unreadable message")
			continue
		}
		out = append(out, convertMessage(msg))
	}

	log.Info().Int("listed", len(ids)).Int("fetched", len(out)).Msg("Mailbox fetched")
	return out, nil
}

var errStopPaging = errors.New("stop paging")

// classify maps token and auth failures to ErrReauthorizationRequired.
func classify(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		return fmt.Errorf("%w: %v", domain.ErrReauthorizationRequired, err)
	}
	var ge *googleapi.Error
	if errors.As(err, &ge) && (ge.Code == http.StatusUnauthorized || ge.Code == http.StatusForbidden) {
		return fmt.Errorf("%w: %v", domain.ErrReauthorizationRequired, err)
	}
	return err
}

func convertMessage(msg *gmail.Message) Message {
	m := Message{ID: msg.Id, Headers: make(map[string]string)}
	if msg.Payload != nil {
		for _, h := range msg.Payload.Headers {
			m.Headers[h.Name] = h.Value
		}
		m.Body = messageBody(msg.Payload)
	}
	m.Subject = header(m.Headers, "Subject")
	m.From = header(m.Headers, "From")

	if d := header(m.Headers, "Date"); d != "" {
		if t, err := mail.ParseDate(d); err == nil {
			m.SentAt = &t
		}
	}
	if m.SentAt == nil && msg.InternalDate > 0 {
		t := time.UnixMilli(msg.InternalDate)
		m.SentAt = &t
	}
	return m
}

func header(h map[string]string, name string) string {
	for k, v := range h {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// messageBody prefers the first text/html part at any depth, then
// text/plain, then the top-level body.
func messageBody(p *gmail.MessagePart) string {
	if data := findPart(p, "text/html"); data != "" {
		return decodeBody(data)
	}
	if data := findPart(p, "text/plain"); data != "" {
		return decodeBody(data)
	}
	if p.Body != nil {
		return decodeBody(p.Body.Data)
	}
	return ""
}

func findPart(p *gmail.MessagePart, mimeType string) string {
	if p == nil {
		return ""
	}
	if strings.EqualFold(p.MimeType, mimeType) && p.Body != nil && p.Body.Data != "" {
		return p.Body.Data
	}
	for _, child := range p.Parts {
		if data := findPart(child, mimeType); data != "" {
			return data
		}
	}
	return ""
}

// decodeBody decodes Gmail's base64url body data, padded or not.
func decodeBody(s string) string {
	if s == "" {
		return ""
	}
	for _, enc := range []*base64.Encoding{base64.URLEncoding, base64.RawURLEncoding, base64.StdEncoding} {
		if data, err := enc.DecodeString(s); err == nil {
			return string(data)
		}
	}
	return ""
}

var _ Source = (*GmailSource)(nil)

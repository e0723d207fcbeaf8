// Package mailsource fetches bank notification emails and turns them into
// stored raw messages with a processing job each.
package mailsource

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Message is one fetched email.
type Message struct {
	ID      string
	Body    string
	Subject string
	From    string
	Headers map[string]string
	SentAt  *time.Time
}

// Query selects the emails to fetch. Zero times leave that side open.
type Query struct {
	From        time.Time
	To          time.Time
	BankDomains []string
}

// Source fetches an owner's emails.
type Source interface {
	Fetch(ctx context.Context, owner string, q Query) ([]Message, error)
}

// String renders q in Gmail search syntax.
func (q Query) String() string {
	var parts []string
	if len(q.BankDomains) > 0 {
		parts = append(parts, "from:("+strings.Join(q.BankDomains, " OR ")+")")
	}
	if !q.From.IsZero() {
		parts = append(parts, fmt.Sprintf("after:%d", q.From.Unix()))
	}
	if !q.To.IsZero() {
		parts = append(parts, fmt.Sprintf("before:%d", q.To.Unix()))
	}
	parts = append(parts, "(Debit OR Credit)")
	return strings.Join(parts, " ")
}

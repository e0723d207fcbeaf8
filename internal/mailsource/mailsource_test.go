package mailsource

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dvloznov/alertledger/internal/config"
	"github.com/dvloznov/alertledger/internal/domain"
	"github.com/dvloznov/alertledger/internal/jobs"
	"github.com/dvloznov/alertledger/internal/store/memory"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

func TestQueryString(t *testing.T) {
	from := time.Unix(1709251200, 0)
	to := time.Unix(1711929600, 0)

	assert.Equal(t, "(Debit OR Credit)", Query{}.String())
	assert.Equal(t,
		"from:(providusbank.com OR opay-nigeria.com) after:1709251200 before:1711929600 (Debit OR Credit)",
		Query{From: from, To: to, BankDomains: []string{"providusbank.com", "opay-nigeria.com"}}.String())
}

func b64(s string) string { return base64.URLEncoding.EncodeToString([]byte(s)) }

func TestConvertMessage_PrefersNestedHTML(t *testing.T) {
	msg := &gmail.Message{
		Id:           "18e4",
		InternalDate: 1710513000000,
		Payload: &gmail.MessagePart{
			MimeType: "multipart/mixed",
			Headers: []*gmail.MessagePartHeader{
				{Name: "From", Value: "ProvidusBank <alerts@providusbank.com>"},
				{Name: "Subject", Value: "Debit Alert"},
				{Name: "Date", Value: "Fri, 15 Mar 2024 14:30:00 +0100"},
			},
			Parts: []*gmail.MessagePart{
				{MimeType: "text/plain", Body: &gmail.MessagePartBody{Data: b64("plain")}},
				{MimeType: "multipart/alternative", Parts: []*gmail.MessagePart{
					{MimeType: "text/html", Body: &gmail.MessagePartBody{Data: b64("<p>NGN 1,000.00</p>")}},
				}},
			},
		},
	}

	m := convertMessage(msg)
	assert.Equal(t, "18e4", m.ID)
	assert.Equal(t, "<p>NGN 1,000.00</p>", m.Body)
	assert.Equal(t, "Debit Alert", m.Subject)
	assert.Equal(t, "ProvidusBank <alerts@providusbank.com>", m.From)
	require.NotNil(t, m.SentAt)
	assert.True(t, m.SentAt.Equal(time.Date(2024, 3, 15, 13, 30, 0, 0, time.UTC)))
}

func TestConvertMessage_Fallbacks(t *testing.T) {
	plain := convertMessage(&gmail.Message{
		Id:           "a",
		InternalDate: 1710513000000,
		Payload: &gmail.MessagePart{
			MimeType: "multipart/alternative",
			Parts:    []*gmail.MessagePart{{MimeType: "text/plain", Body: &gmail.MessagePartBody{Data: b64("Debit NGN 500")}}},
		},
	})
	assert.Equal(t, "Debit NGN 500", plain.Body)
	require.NotNil(t, plain.SentAt)
	assert.Equal(t, int64(1710513000000), plain.SentAt.UnixMilli())

	single := convertMessage(&gmail.Message{
		Id:      "b",
		Payload: &gmail.MessagePart{MimeType: "text/html", Body: &gmail.MessagePartBody{Data: strings.TrimRight(b64("<b>hi</b>"), "=")}},
	})
	assert.Equal(t, "<b>hi</b>", single.Body)
	assert.Nil(t, single.SentAt)
}

func gmailServer(t *testing.T, status int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":{"code":401,"message":"Invalid Credentials"}}`))
			return
		}
		switch {
		case strings.HasSuffix(r.URL.Path, "/users/me/messages"):
			assert.Contains(t, r.URL.Query().Get("q"), "providusbank.com")
			_ = json.NewEncoder(w).Encode(map[string]any{
				"messages": []map[string]string{{"id": "m1"}, {"id": "m2"}},
			})
		case strings.HasSuffix(r.URL.Path, "/users/me/messages/m1"):
			_ = json.NewEncoder(w).Encode(map[string]any{
				"id":           "m1",
				"internalDate": "1710513000000",
				"payload": map[string]any{
					"mimeType": "text/html",
					"headers":  []map[string]string{{"name": "Subject", "value": "Credit Alert"}},
					"body":     map[string]string{"data": b64("<p>credited</p>")},
				},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":{"code":404,"message":"Not Found"}}`))
		}
	}))
}

func TestGmailSource_Fetch(t *testing.T) {
	ctx := context.Background()
	srv := gmailServer(t, http.StatusOK)
	defer srv.Close()

	st := memory.New()
	require.NoError(t, st.SaveToken(ctx, "u1", &oauth2.Token{AccessToken: "tok", Expiry: time.Now().Add(time.Hour)}))

	src := NewGmailSource(config.GmailConfig{}, st, zerolog.Nop(),
		option.WithHTTPClient(srv.Client()), option.WithEndpoint(srv.URL+"/"))
	msgs, err := src.Fetch(ctx, "u1", Query{BankDomains: []string{"providusbank.com"}})
	require.NoError(t, err)

	// m2 is unreadable and skipped.
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, "<p>credited</p>", msgs[0].Body)
	assert.Equal(t, "Credit Alert", msgs[0].Subject)
}

func TestGmailSource_Reauthorization(t *testing.T) {
	ctx := context.Background()
	srv := gmailServer(t, http.StatusUnauthorized)
	defer srv.Close()

	st := memory.New()
	src := NewGmailSource(config.GmailConfig{}, st, zerolog.Nop(),
		option.WithHTTPClient(srv.Client()), option.WithEndpoint(srv.URL+"/"))

	_, err := src.Fetch(ctx, "u1", Query{})
	assert.ErrorIs(t, err, domain.ErrReauthorizationRequired, "missing token")

	require.NoError(t, st.SaveToken(ctx, "u1", &oauth2.Token{AccessToken: "revoked", Expiry: time.Now().Add(time.Hour)}))
	_, err = src.Fetch(ctx, "u1", Query{})
	assert.ErrorIs(t, err, domain.ErrReauthorizationRequired, "401 from the API")
}

type fakeSource struct {
	msgs  []Message
	err   error
	query Query
}

func (f *fakeSource) Fetch(ctx context.Context, owner string, q Query) ([]Message, error) {
	f.query = q
	return f.msgs, f.err
}

type fakePublisher struct{ jobs []*jobs.Job }

func (p *fakePublisher) Publish(ctx context.Context, job *jobs.Job) error {
	job.JobID = "job-" + job.MessageID
	p.jobs = append(p.jobs, job)
	return nil
}

type fakeArchive struct{ objects map[string]string }

func (a *fakeArchive) PutRawMessage(ctx context.Context, owner, externalID string, body []byte) (string, error) {
	uri := "gs://raw/" + owner + "/" + externalID
	a.objects[uri] = string(body)
	return uri, nil
}

func TestSyncer_StoresAndEnqueuesNewMessages(t *testing.T) {
	ctx := context.Background()
	sent := time.Date(2024, 3, 15, 13, 30, 0, 0, time.UTC)
	src := &fakeSource{msgs: []Message{
		{ID: "m1", Body: "<p>Debit</p>", Subject: "Debit Alert", From: "alerts@providusbank.com", SentAt: &sent},
		{ID: "m2", Body: "Credit NGN 5,000.00", Subject: "Transaction notification", From: "noreply@example.org"},
	}}
	st := memory.New()
	pub := &fakePublisher{}
	arc := &fakeArchive{objects: map[string]string{}}
	syncer := NewSyncer(src, st, pub, SyncOptions{
		BankDomains: []string{"providusbank.com"},
		Archive:     arc,
		Logger:      zerolog.Nop(),
	})
	now := time.Date(2024, 3, 20, 0, 0, 0, 0, time.UTC)
	syncer.now = func() time.Time { return now }

	res, err := syncer.Sync(ctx, "u1", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Created)
	assert.Len(t, pub.jobs, 2)
	assert.True(t, src.query.From.Equal(now.Add(-DefaultLookback)))
	assert.True(t, src.query.To.IsZero())
	assert.Equal(t, []string{"providusbank.com"}, src.query.BankDomains)
	assert.Equal(t, "<p>Debit</p>", arc.objects["gs://raw/u1/m1"])

	pending, err := st.ListUnparsed(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	hints := map[string]string{}
	for _, m := range pending {
		hints[m.ExternalID] = m.BankHint
		assert.Equal(t, "gs://raw/u1/"+m.ExternalID, m.ArchiveURI)
	}
	assert.Equal(t, "Providus Bank", hints["m1"])
	assert.Empty(t, hints["m2"])

	// A second overlapping sync stores and enqueues nothing new.
	since := sent.Add(-time.Hour)
	res, err = syncer.Sync(ctx, "u1", &since, nil)
	require.NoError(t, err)
	assert.Zero(t, res.Created)
	assert.Equal(t, 2, res.Existing)
	assert.Len(t, pub.jobs, 2)
	assert.True(t, src.query.From.Equal(since))
}

func TestSyncer_SourceError(t *testing.T) {
	src := &fakeSource{err: errors.Join(domain.ErrReauthorizationRequired)}
	syncer := NewSyncer(src, memory.New(), &fakePublisher{}, SyncOptions{Logger: zerolog.Nop()})

	_, err := syncer.Sync(context.Background(), "u1", nil, nil)
	assert.ErrorIs(t, err, domain.ErrReauthorizationRequired)
}

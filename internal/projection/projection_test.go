package projection

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stageline/internal/config"
	"stageline/internal/domain"
)

var fixedNow = func() time.Time { return time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC) }

func TestWebhookSinkPostsItem(t *testing.T) {
	var (
		got     Message
		headers http.Header
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := &WebhookSink{Hook: config.WebhookConfig{URL: srv.URL, Secret: "s3"}, Client: srv.Client(), Now: fixedNow}
	item := domain.WorkItem{ID: 9, Kind: domain.KindTask, Title: "t", Status: domain.StatusBlocked}
	require.NoError(t, sink.Project(context.Background(), item))

	assert.Equal(t, "9", headers.Get("X-Stageline-Item"))
	assert.Equal(t, "blocked", headers.Get("X-Stageline-Status"))
	assert.Equal(t, "s3", headers.Get("X-Stageline-Secret"))
	assert.Equal(t, int64(9), got.Item.ID)
	assert.Equal(t, "2025-03-01T10:00:00Z", got.ProjectedAt)
}

func TestWebhookSinkFiltersStatuses(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { calls++ }))
	defer srv.Close()

	sink := &WebhookSink{Hook: config.WebhookConfig{URL: srv.URL, Statuses: []string{"completed"}}, Client: srv.Client()}
	require.NoError(t, sink.Project(context.Background(), domain.WorkItem{ID: 1, Status: domain.StatusPlanned}))
	require.NoError(t, sink.Project(context.Background(), domain.WorkItem{ID: 1, Status: domain.StatusCompleted}))
	assert.Equal(t, 1, calls)
}

func TestWebhookSinkReportsNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()
	sink := &WebhookSink{Hook: config.WebhookConfig{URL: srv.URL}, Client: srv.Client()}
	err := sink.Project(context.Background(), domain.WorkItem{ID: 1, Status: domain.StatusFailed})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")
}

func TestNewWebhookSinksSkipsDisabled(t *testing.T) {
	off := false
	sinks := NewWebhookSinks([]config.WebhookConfig{
		{URL: "http://a.example"},
		{URL: "http://b.example", Enabled: &off},
		{URL: " "},
	})
	assert.Len(t, sinks, 1)
}

type recordingPublisher struct {
	subjects []string
	payloads [][]byte
	err      error
}

func (p *recordingPublisher) Publish(subject string, data []byte) error {
	p.subjects = append(p.subjects, subject)
	p.payloads = append(p.payloads, data)
	return p.err
}

func TestNATSSinkPublishesPerStatusSubject(t *testing.T) {
	pub := &recordingPublisher{}
	sink := &NATSSink{Conn: pub, Subject: "stageline.items", Now: fixedNow}
	require.NoError(t, sink.Project(context.Background(), domain.WorkItem{ID: 3, Status: domain.StatusCompleted}))
	assert.Equal(t, []string{"stageline.items.completed"}, pub.subjects)

	var msg Message
	require.NoError(t, json.Unmarshal(pub.payloads[0], &msg))
	assert.Equal(t, int64(3), msg.Item.ID)
}

type failingSink struct{ err error }

func (f failingSink) Project(context.Context, domain.WorkItem) error { return f.err }

func TestMultiContinuesPastFailures(t *testing.T) {
	pub := &recordingPublisher{}
	boom := errors.New("boom")
	m := Multi{failingSink{err: boom}, nil, &NATSSink{Conn: pub, Subject: "s"}}
	err := m.Project(context.Background(), domain.WorkItem{ID: 1, Status: domain.StatusNew})
	require.ErrorIs(t, err, boom)
	assert.Len(t, pub.subjects, 1)
}

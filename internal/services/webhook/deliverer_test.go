package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/fredfleetwood/backendbokning/internal/models"
)

// memDeadLetters is an in-memory DeadLetterStorage for tests
type memDeadLetters struct {
	mu      sync.Mutex
	letters []*models.DeadLetter
}

func (m *memDeadLetters) SaveDeadLetter(ctx context.Context, letter *models.DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.letters = append(m.letters, letter)
	return nil
}

func (m *memDeadLetters) ListDeadLetters(ctx context.Context, jobID string, limit int) ([]*models.DeadLetter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*models.DeadLetter(nil), m.letters...), nil
}

func (m *memDeadLetters) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.letters)
}

func newTestDeliverer(dlq *memDeadLetters) *Deliverer {
	return NewDeliverer("test-secret", 3, 2*time.Second, 10*time.Millisecond, dlq, nil, arbor.NewLogger())
}

func TestDeliverer_SignsAndDelivers(t *testing.T) {
	received := make(chan *http.Request, 1)
	var body []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		received <- r
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := newTestDeliverer(&memDeadLetters{})
	payload := models.NewWebhookPayload(models.EventStatusUpdate, "job-1", "user-1", map[string]interface{}{
		"status": "navigating",
	})
	d.Enqueue(payload, server.URL)
	d.Close()

	select {
	case r := <-received:
		assert.Equal(t, "status_update", r.Header.Get("X-Webhook-Event"))
		assert.Equal(t, "job-1", r.Header.Get("X-Job-ID"))

		signature := r.Header.Get("X-Webhook-Signature")
		require.NotEmpty(t, signature)
		assert.True(t, VerifySignature([]byte("test-secret"), body, signature))

		var decoded models.WebhookPayload
		require.NoError(t, json.Unmarshal(body, &decoded))
		assert.Equal(t, "job-1", decoded.JobID)
		assert.Equal(t, "user-1", decoded.UserID)
	case <-time.After(2 * time.Second):
		t.Fatal("webhook never delivered")
	}
}

func TestDeliverer_RetriesThenSucceeds(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusAccepted) // 202 counts as success
	}))
	defer server.Close()

	dlq := &memDeadLetters{}
	d := newTestDeliverer(dlq)
	d.Enqueue(models.NewWebhookPayload(models.EventStatusUpdate, "job-1", "user-1", nil), server.URL)
	d.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 0, dlq.count(), "successful delivery must not dead-letter")
}

func TestDeliverer_DeadLettersOnExhaustion(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	dlq := &memDeadLetters{}
	d := newTestDeliverer(dlq)
	d.Enqueue(models.NewWebhookPayload(models.EventBookingCompleted, "job-1", "user-1", nil), server.URL)
	d.Close()

	require.Equal(t, 1, dlq.count())
	letter := dlq.letters[0]
	assert.Equal(t, "job-1", letter.JobID)
	assert.Equal(t, models.EventBookingCompleted, letter.EventType)
	assert.Equal(t, 3, letter.Attempts)
	assert.NotEmpty(t, letter.Reason)
	assert.NotEmpty(t, letter.Body)
}

func TestDeliverer_PerJobOrdering(t *testing.T) {
	var mu sync.Mutex
	var order []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var payload models.WebhookPayload
		json.Unmarshal(body, &payload)

		mu.Lock()
		order = append(order, fmt.Sprint(payload.Data["seq"]))
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := newTestDeliverer(&memDeadLetters{})
	for i := 0; i < 10; i++ {
		d.Enqueue(models.NewWebhookPayload(models.EventStatusUpdate, "job-1", "user-1", map[string]interface{}{
			"seq": fmt.Sprint(i),
		}), server.URL)
	}
	d.Close()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 10)
	for i, seq := range order {
		assert.Equal(t, fmt.Sprint(i), seq, "events for one job must deliver in enqueue order")
	}
}

func TestDeliverer_EmptyURLIsNoop(t *testing.T) {
	dlq := &memDeadLetters{}
	d := newTestDeliverer(dlq)
	d.Enqueue(models.NewWebhookPayload(models.EventStatusUpdate, "job-1", "user-1", nil), "")
	d.Close()
	assert.Equal(t, 0, dlq.count())
}

func TestVerifySignature(t *testing.T) {
	secret := []byte("test-secret")
	body := []byte(`{"event_type":"status_update"}`)

	signature := Sign(secret, body)
	assert.True(t, VerifySignature(secret, body, signature))
	assert.False(t, VerifySignature(secret, []byte("tampered"), signature))
	assert.False(t, VerifySignature([]byte("wrong-secret"), body, signature))
}

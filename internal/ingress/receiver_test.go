package ingress

import (
	"context"
	"encoding/json"
	"strconv"
	"testing"
	"time"

	"github.com/KyMidd/AgentCore-AgenticSlackBot/internal/auth"
	"github.com/KyMidd/AgentCore-AgenticSlackBot/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturingQueue struct {
	requests []domain.DispatchRequest
	err      error
}

func (q *capturingQueue) Enqueue(req domain.DispatchRequest) error {
	if q.err != nil {
		return q.err
	}
	q.requests = append(q.requests, req)
	return nil
}

type memoryDedup struct {
	seen map[string]bool
}

func (d *memoryDedup) Seen(ctx context.Context, eventID string, window time.Duration) (bool, error) {
	if d.seen == nil {
		d.seen = make(map[string]bool)
	}
	if d.seen[eventID] {
		return true, nil
	}
	d.seen[eventID] = true
	return false, nil
}

type receiverFixture struct {
	receiver *Receiver
	verifier *auth.IngressVerifier
	queue    *capturingQueue
	now      time.Time
}

func newReceiverFixture(t *testing.T) *receiverFixture {
	t.Helper()

	now := time.Unix(1700000000, 0)
	verifier := auth.NewIngressVerifier("test-secret", 5*time.Minute).
		WithIngressClock(func() time.Time { return now })
	queue := &capturingQueue{}

	receiver := NewReceiver(ReceiverDependencies{
		Verifier:    verifier,
		Dedup:       &memoryDedup{},
		Queue:       queue,
		DedupWindow: 5 * time.Minute,
		BotID:       "B0OUR0BOT",
		Clock:       func() time.Time { return now },
	})

	return &receiverFixture{
		receiver: receiver,
		verifier: verifier,
		queue:    queue,
		now:      now,
	}
}

func (f *receiverFixture) deliver(t *testing.T, body []byte) (Response, error) {
	t.Helper()

	signature := f.verifier.Sign(f.now.Unix(), body)
	timestamp := strconv.FormatInt(f.now.Unix(), 10)

	return f.receiver.Handle(context.Background(), signature, timestamp, body)
}

func messageEventBody(t *testing.T, eventID, subtype, botID string) []byte {
	t.Helper()

	inner := map[string]any{
		"type":      "message",
		"user":      "U123",
		"text":      "hello bot",
		"channel":   "C123",
		"ts":        "1700000000.000100",
		"thread_ts": "1700000000.000001",
	}
	if subtype != "" {
		inner["subtype"] = subtype
	}
	if botID != "" {
		inner["bot_id"] = botID
	}

	body, err := json.Marshal(map[string]any{
		"type":       "event_callback",
		"event_id":   eventID,
		"team_id":    "T123",
		"api_app_id": "A123",
		"event":      inner,
	})
	require.NoError(t, err)
	return body
}

func TestReceiver_DispatchesMessage(t *testing.T) {
	f := newReceiverFixture(t)

	resp, err := f.deliver(t, messageEventBody(t, "Ev001", "", ""))
	require.NoError(t, err)

	assert.True(t, resp.Accepted)
	assert.False(t, resp.Duplicate)
	assert.False(t, resp.Discarded)

	require.Len(t, f.queue.requests, 1)
	req := f.queue.requests[0]
	assert.Equal(t, "Ev001", req.EventID)
	assert.Equal(t, "C123", req.ChannelID)
	assert.Equal(t, "1700000000.000001", req.ThreadTS)
	assert.NotEmpty(t, req.ID)
	assert.Equal(t, f.now, req.ReceivedAt)
}

func TestReceiver_DuplicateDeliveryAcknowledgedOnce(t *testing.T) {
	f := newReceiverFixture(t)

	body := messageEventBody(t, "Ev001", "", "")

	resp, err := f.deliver(t, body)
	require.NoError(t, err)
	assert.False(t, resp.Duplicate)

	resp, err = f.deliver(t, body)
	require.NoError(t, err)
	assert.True(t, resp.Accepted)
	assert.True(t, resp.Duplicate)

	// Exactly one dispatch for the retried delivery.
	assert.Len(t, f.queue.requests, 1)
}

func TestReceiver_TamperedSignatureRejected(t *testing.T) {
	f := newReceiverFixture(t)

	body := messageEventBody(t, "Ev001", "", "")
	timestamp := strconv.FormatInt(f.now.Unix(), 10)

	_, err := f.receiver.Handle(context.Background(), "v0=0000", timestamp, body)

	var validationErr *domain.ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Empty(t, f.queue.requests)
}

func TestReceiver_ChallengeEchoed(t *testing.T) {
	f := newReceiverFixture(t)

	body, err := json.Marshal(map[string]any{
		"type":      "url_verification",
		"challenge": "challenge-token-123",
	})
	require.NoError(t, err)

	resp, err := f.deliver(t, body)
	require.NoError(t, err)

	assert.True(t, resp.Accepted)
	assert.Equal(t, "challenge-token-123", resp.Challenge)
	assert.Empty(t, f.queue.requests)
}

func TestReceiver_DiscardRules(t *testing.T) {
	tests := []struct {
		name    string
		subtype string
		botID   string
	}{
		{
			name:    "edited message",
			subtype: "message_changed",
		},
		{
			name:    "deleted message",
			subtype: "message_deleted",
		},
		{
			name:  "own bot message",
			botID: "B0OUR0BOT",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newReceiverFixture(t)

			resp, err := f.deliver(t, messageEventBody(t, "Ev001", tt.subtype, tt.botID))
			require.NoError(t, err)

			assert.True(t, resp.Accepted)
			assert.True(t, resp.Discarded)
			assert.Empty(t, f.queue.requests)
		})
	}
}

func TestReceiver_OtherBotMessageDispatches(t *testing.T) {
	f := newReceiverFixture(t)

	resp, err := f.deliver(t, messageEventBody(t, "Ev001", "", "B0OTHERBOT"))
	require.NoError(t, err)

	assert.True(t, resp.Accepted)
	assert.False(t, resp.Discarded)
	assert.Len(t, f.queue.requests, 1)
}

func TestReceiver_UnparseablePayloadAcknowledged(t *testing.T) {
	f := newReceiverFixture(t)

	resp, err := f.deliver(t, []byte("this is not json"))
	require.NoError(t, err)

	assert.True(t, resp.Accepted)
	assert.True(t, resp.Discarded)
	assert.Empty(t, f.queue.requests)
}

func TestReceiver_MissingEventIDAckedAndDiscarded(t *testing.T) {
	f := newReceiverFixture(t)

	body, err := json.Marshal(map[string]any{
		"type":    "event_callback",
		"team_id": "T123",
		"event": map[string]any{
			"type":    "message",
			"channel": "C123",
			"ts":      "1700000000.000100",
		},
	})
	require.NoError(t, err)

	// Authenticated but malformed payloads are acknowledged so Slack does
	// not redeliver them.
	resp, err := f.deliver(t, body)
	require.NoError(t, err)

	assert.True(t, resp.Accepted)
	assert.True(t, resp.Discarded)
	assert.Empty(t, f.queue.requests)
}

func TestReceiver_QueueFullPropagated(t *testing.T) {
	f := newReceiverFixture(t)
	f.queue.err = domain.ErrQueueFull

	_, err := f.deliver(t, messageEventBody(t, "Ev001", "", ""))
	assert.ErrorIs(t, err, domain.ErrQueueFull)
}

package ingress

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/KyMidd/AgentCore-AgenticSlackBot/internal/auth"
	"github.com/KyMidd/AgentCore-AgenticSlackBot/internal/domain"

	"github.com/rs/xid"
	"github.com/rs/zerolog/log"
	"github.com/slack-go/slack/slackevents"
)

// DedupStore tracks delivered event IDs within a bounded window.
type DedupStore interface {
	Seen(ctx context.Context, eventID string, window time.Duration) (bool, error)
}

// Enqueuer hands accepted events to the dispatch pipeline without blocking.
type Enqueuer interface {
	Enqueue(req domain.DispatchRequest) error
}

// Receiver validates inbound Slack event deliveries and triggers dispatch.
// It never waits on agent execution: Slack retries any delivery not answered
// within seconds, so the only work done inline is validation, filtering, and
// an in-memory hand-off.
type Receiver struct {
	verifier    *auth.IngressVerifier
	dedup       DedupStore
	queue       Enqueuer
	dedupWindow time.Duration
	botID       string
	clock       func() time.Time
}

type ReceiverDependencies struct {
	Verifier    *auth.IngressVerifier
	Dedup       DedupStore
	Queue       Enqueuer
	DedupWindow time.Duration

	// BotID identifies the bot's own posts, which are discarded to keep the
	// agent from answering itself.
	BotID string

	Clock func() time.Time
}

func NewReceiver(deps ReceiverDependencies) *Receiver {
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Receiver{
		verifier:    deps.Verifier,
		dedup:       deps.Dedup,
		queue:       deps.Queue,
		dedupWindow: deps.DedupWindow,
		botID:       deps.BotID,
		clock:       clock,
	}
}

// Response is the receiver's answer to a webhook delivery. Accepted responses
// are acknowledged 200 regardless of whether a dispatch was triggered, so the
// upstream source does not retry events we deliberately discarded.
type Response struct {
	Accepted  bool
	Challenge string
	Duplicate bool
	Discarded bool
}

// ignoredSubtypes are message variants we never dispatch: edits (constant
// noise while the bot streams its own responses) and deletions.
var ignoredSubtypes = map[string]bool{
	"message_changed": true,
	"message_deleted": true,
}

// Handle validates and routes one raw webhook delivery.
func (r *Receiver) Handle(ctx context.Context, signatureHeader, timestampHeader string, body []byte) (Response, error) {
	if err := r.verifier.Verify(signatureHeader, timestampHeader, body); err != nil {
		return Response{}, &domain.ValidationError{Reason: err.Error()}
	}

	event, err := slackevents.ParseEvent(json.RawMessage(body), slackevents.OptionNoVerifyToken())
	if err != nil {
		// Authenticated but unparseable; acknowledge so Slack does not retry
		// a payload we will never understand.
		log.Warn().Err(err).Msg("Failed to parse event payload, discarding")
		return Response{Accepted: true, Discarded: true}, nil
	}

	if event.Type == slackevents.URLVerification {
		verification, ok := event.Data.(*slackevents.EventsAPIURLVerificationEvent)
		if !ok {
			return Response{}, &domain.ValidationError{Reason: "malformed url_verification payload"}
		}
		return Response{Accepted: true, Challenge: verification.Challenge}, nil
	}

	if event.Type != slackevents.CallbackEvent {
		log.Debug().Str("type", event.Type).Msg("Ignoring non-callback event")
		return Response{Accepted: true, Discarded: true}, nil
	}

	callback, ok := event.Data.(*slackevents.EventsAPICallbackEvent)
	if !ok || callback.EventID == "" {
		// Authenticated but malformed; a retry would be just as malformed, so
		// acknowledge and drop.
		log.Warn().Msg("Callback event missing event_id, discarding")
		return Response{Accepted: true, Discarded: true}, nil
	}

	channelID, threadTS, discard := r.inspectInnerEvent(event.InnerEvent)
	if discard {
		return Response{Accepted: true, Discarded: true}, nil
	}

	seen, err := r.dedup.Seen(ctx, callback.EventID, r.dedupWindow)
	if err != nil {
		return Response{}, fmt.Errorf("dedup check failed: %w", err)
	}
	if seen {
		log.Info().Str("event_id", callback.EventID).Msg("Duplicate delivery acknowledged without dispatch")
		return Response{Accepted: true, Duplicate: true}, nil
	}

	req := domain.DispatchRequest{
		ID:         xid.New().String(),
		EventID:    callback.EventID,
		ChannelID:  channelID,
		ThreadTS:   threadTS,
		Payload:    body,
		ReceivedAt: r.clock(),
	}

	if err := r.queue.Enqueue(req); err != nil {
		return Response{}, err
	}

	log.Info().
		Str("event_id", callback.EventID).
		Str("dispatch_id", req.ID).
		Str("channel", channelID).
		Msg("Event accepted for dispatch")

	return Response{Accepted: true}, nil
}

// inspectInnerEvent extracts the reply target and applies the discard rules:
// ignored subtypes, and the bot's own messages.
func (r *Receiver) inspectInnerEvent(inner slackevents.EventsAPIInnerEvent) (channelID, threadTS string, discard bool) {
	switch ev := inner.Data.(type) {
	case *slackevents.MessageEvent:
		if ignoredSubtypes[ev.SubType] {
			log.Debug().Str("subtype", ev.SubType).Msg("Discarding ignored message subtype")
			return "", "", true
		}
		if ev.BotID != "" && ev.BotID == r.botID {
			log.Debug().Msg("Discarding message from our own bot")
			return "", "", true
		}
		return ev.Channel, threadTimestamp(ev.ThreadTimeStamp, ev.TimeStamp), false

	case *slackevents.AppMentionEvent:
		if ev.BotID != "" && ev.BotID == r.botID {
			return "", "", true
		}
		return ev.Channel, threadTimestamp(ev.ThreadTimeStamp, ev.TimeStamp), false

	default:
		// Unknown inner events still dispatch; the agent decides what it
		// understands.
		return "", "", false
	}
}

func threadTimestamp(threadTS, ts string) string {
	if threadTS != "" {
		return threadTS
	}
	return ts
}

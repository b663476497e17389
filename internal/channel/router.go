package channel

import (
	"context"
	"strings"

	"courier/internal/orchestrator"
	"courier/internal/storage"
	"courier/pkg/channel"
	"courier/pkg/logger"
)

// Submitter is the orchestrator surface the router drives.
type Submitter interface {
	Submit(ctx context.Context, req orchestrator.SubmitRequest) (*orchestrator.RunResult, error)
	Inject(sessionKey, text string) bool
}

// ReplyBroker tries to settle an inbound message against a pending
// approval or question before it becomes a run.
type ReplyBroker interface {
	HandleChannelReply(channelName, chatID, replyToID, text string) (handled bool, backref string)
}

// Router turns inbound channel messages into broker replies, live-run
// injections, or queued runs, and delivers results back to the chat.
type Router struct {
	reg    *Registry
	subs   Submitter
	broker ReplyBroker
}

// NewRouter creates a router. broker may be nil when approvals are not
// routed through channels.
func NewRouter(reg *Registry, subs Submitter, broker ReplyBroker) *Router {
	return &Router{reg: reg, subs: subs, broker: broker}
}

// Bind registers the router as the inbound handler on every adapter. Call
// before Registry.StartAll.
func (r *Router) Bind() {
	for _, a := range r.reg.All() {
		a.OnMessage(r.Handle)
	}
}

// Handle processes one inbound message.
func (r *Router) Handle(ctx context.Context, msg channel.InboundMessage) error {
	if msg.IsSelfSend {
		return nil
	}
	if msg.ChatType == channel.ChatTypeGroup && !msg.WasMentioned {
		return nil
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return nil
	}

	// An outstanding approval or question gets first claim on the message.
	var extraContext string
	if r.broker != nil {
		handled, backref := r.broker.HandleChannelReply(msg.Channel, msg.ChatID, msg.ReplyToID, text)
		if handled {
			return nil
		}
		extraContext = backref
	}

	sessionKey := storage.SessionKey(msg.Channel, msg.ChatType, msg.ChatID)

	// A message during a live run is injected into it when the engine
	// allows; the sender sees the agent pick it up mid-response.
	if extraContext == "" && r.subs.Inject(sessionKey, text) {
		return nil
	}

	adapter, _ := r.reg.Get(msg.Channel)
	if adapter != nil && adapter.Capabilities().CanTyping {
		if err := adapter.Typing(ctx, msg.ChatID, true); err != nil {
			logger.Debug().Err(err).Str("channel", msg.Channel).Msg("Typing indicator failed")
		}
		defer adapter.Typing(ctx, msg.ChatID, false)
	}

	res, err := r.subs.Submit(ctx, orchestrator.SubmitRequest{
		Channel:      msg.Channel,
		ChatType:     msg.ChatType,
		ChatID:       msg.ChatID,
		Prompt:       text,
		ExtraContext: extraContext,
		FromChannel:  true,
	})
	if err != nil {
		logger.Error().Err(err).Str("session", sessionKey).Msg("Run failed for channel message")
		if adapter != nil {
			if _, sendErr := adapter.Send(ctx, msg.ChatID, "Something went wrong, please try again."); sendErr != nil {
				logger.Error().Err(sendErr).Str("channel", msg.Channel).Msg("Failed to send error notice")
			}
		}
		return err
	}

	// Engines that already delivered through a send-message tool set
	// SentMessage; echoing the result text would duplicate it.
	if res == nil || res.SentMessage || res.Text == "" || adapter == nil {
		return nil
	}
	if _, err := adapter.Send(ctx, msg.ChatID, res.Text); err != nil {
		logger.Error().Err(err).Str("channel", msg.Channel).Msg("Failed to deliver run result")
		return err
	}
	return nil
}

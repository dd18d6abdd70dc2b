// Package pipeline drives a normalized message through acknowledgement,
// assistant processing and response delivery. It runs after the webhook
// request has already been answered, on its own context.
package pipeline

import (
	"context"
	"log/slog"

	"github.com/relaydhq/relayd/internal/assistant"
	"github.com/relaydhq/relayd/internal/channel"
)

const failureNotice = "Sorry, something went wrong while processing your message. Please try again."

// Pipeline processes accepted messages against the assistant service.
type Pipeline struct {
	assistant assistant.Assistant
	logger    *slog.Logger
}

// New creates a message processing pipeline.
func New(log *slog.Logger, a assistant.Assistant) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		assistant: a,
		logger:    log.With(slog.String("component", "pipeline")),
	}
}

// Process acknowledges the message, forwards it to the assistant and sends
// the reply back through the adapter. Acknowledgement and indicator failures
// are logged but never abort processing; assistant and delivery failures
// produce a failure notice in the originating thread.
func (p *Pipeline) Process(ctx context.Context, adapter channel.Adapter, msg *channel.Message) {
	log := p.logger.With(
		slog.String("platform", string(adapter.Platform())),
		slog.String("thread_id", msg.ThreadID),
	)

	if err := adapter.Acknowledge(ctx, msg.Metadata); err != nil {
		log.Warn("acknowledge failed", slog.Any("error", err))
	}

	stop := adapter.StartProcessingIndicator(ctx, msg.Metadata)
	defer stop()

	chCtx := channel.Context{
		UserID:    msg.Metadata.Get("user_id"),
		ChatTitle: msg.Metadata.Get("chat_title"),
	}
	reply, err := p.assistant.Chat(ctx, msg.ThreadID, msg.Text, msg.Attachments, chCtx)
	if err != nil {
		log.Error("assistant request failed", slog.Any("error", err))
		p.sendNotice(ctx, adapter, msg, log)
		return
	}
	if reply == "" {
		log.Info("assistant returned empty reply, nothing to send")
		return
	}

	if err := adapter.SendResponse(ctx, msg.ThreadID, reply, msg.Metadata); err != nil {
		log.Error("response delivery failed", slog.Any("error", err))
	}
}

func (p *Pipeline) sendNotice(ctx context.Context, adapter channel.Adapter, msg *channel.Message, log *slog.Logger) {
	if err := adapter.SendResponse(ctx, msg.ThreadID, failureNotice, msg.Metadata); err != nil {
		log.Error("failure notice delivery failed", slog.Any("error", err))
	}
}

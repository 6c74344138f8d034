package agent

import (
	"context"

	"github.com/flexrpc/flexrpc-go/internal/message"
)

// Producer sends messages to a destination through the agent's Sender
// directly, not through MessageAgent.Invoke, so no concurrency policy
// applies. Send blocks until the reply arrives.
type Producer struct {
	*MessageAgent
	Subtopic string
}

// NewProducer creates a Producer targeting destination.
func NewProducer(agent *MessageAgent, subtopic string) *Producer {
	return &Producer{MessageAgent: agent, Subtopic: subtopic}
}

// Send publishes body, tagging the message with the producer's
// subtopic header if one is configured.
func (p *Producer) Send(ctx context.Context, body any) error {
	msg := message.New(message.KindAsync)
	msg.Destination = p.Destination
	msg.Body = body
	if p.Subtopic != "" {
		msg.SetHeader(message.HeaderDSSubtopic, p.Subtopic)
	}

	responder, err := p.Sender.Send(ctx, msg)
	if err != nil {
		return err
	}
	_, err = responder.Wait(ctx)
	return err
}

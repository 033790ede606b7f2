// Package broker fans new_message broadcasts out across server instances via
// NATS JetStream. Presence and typing state stay process-local; only stored
// messages cross the wire.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/nats-io/nats.go/jetstream"

	"meetchat/internal/model"
)

var (
	StreamName   = "MEETCHAT"
	SubjectRooms = StreamName + ".room.>"
)

func roomSubject(meetingID string) string {
	return StreamName + ".room." + meetingID
}

type Broker struct {
	js jetstream.JetStream
}

func New(js jetstream.JetStream) *Broker {
	return &Broker{js: js}
}

// EnsureStream creates or updates the stream that carries room messages.
func (b *Broker) EnsureStream(ctx context.Context) (jetstream.Stream, error) {
	stream, err := b.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     StreamName,
		Subjects: []string{SubjectRooms},
		MaxBytes: 1 << 30, // 1GB max storage
	})
	if err != nil {
		return nil, fmt.Errorf("internal/broker: create/update stream: %w", err)
	}
	return stream, nil
}

// Publish sends a stored message to the room's subject. The message id doubles
// as the dedup key so redeliveries collapse server-side.
func (b *Broker) Publish(ctx context.Context, meetingID string, msg model.Message) error {
	p, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("internal/broker: encode message: %w", err)
	}

	_, err = b.js.Publish(ctx, roomSubject(meetingID), p, jetstream.WithMsgID(msg.ID))
	if err != nil {
		return fmt.Errorf("internal/broker: publish to [%s]: %w", roomSubject(meetingID), err)
	}

	return nil
}

// Subscribe consumes room messages and hands them to deliver, typically the
// hub's local fan-out. Consumption stops when ctx is cancelled.
func Subscribe(ctx context.Context, stream jetstream.Stream, deliver func(model.Message)) error {
	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{})
	if err != nil {
		return fmt.Errorf("internal/broker: create or update consumer: %w", err)
	}

	consumeHandler := func(msg jetstream.Msg) {
		var payload model.Message

		if err := json.Unmarshal(msg.Data(), &payload); err != nil {
			msg.Term()
			log.Printf("could not decode broker payload: %v", err)
			return
		}

		msg.Ack()
		deliver(payload)
	}

	optErrHandler := jetstream.ConsumeErrHandler(func(cctx jetstream.ConsumeContext, err error) {
		log.Printf("consumer error: %v", err)
		cctx.Drain()
	})

	consumeCtx, err := consumer.Consume(consumeHandler, optErrHandler)
	if err != nil {
		return fmt.Errorf("internal/broker: start consuming: %w", err)
	}

	go func() {
		<-ctx.Done()
		consumeCtx.Drain()
	}()

	return nil
}

package nats

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/leakhawk/leakhawk-stack/common/logging"
	"github.com/leakhawk/leakhawk-stack/common/messaging"
	"github.com/leakhawk/leakhawk-stack/common/middleware"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeMsg records the acknowledgment outcome of a dispatched message.
type fakeMsg struct {
	jetstream.Msg
	subject string
	data    []byte
	headers nats.Header
	meta    *jetstream.MsgMetadata

	acked     bool
	termed    bool
	nakDelay  time.Duration
	nakCalled bool
}

func (f *fakeMsg) Subject() string       { return f.subject }
func (f *fakeMsg) Data() []byte          { return f.data }
func (f *fakeMsg) Headers() nats.Header  { return f.headers }
func (f *fakeMsg) Ack() error            { f.acked = true; return nil }
func (f *fakeMsg) Term() error           { f.termed = true; return nil }
func (f *fakeMsg) NakWithDelay(d time.Duration) error {
	f.nakCalled, f.nakDelay = true, d
	return nil
}
func (f *fakeMsg) Metadata() (*jetstream.MsgMetadata, error) {
	if f.meta == nil {
		return nil, errors.New("no metadata")
	}
	return f.meta, nil
}

func newFakeMsg() *fakeMsg {
	return &fakeMsg{
		subject: messaging.SubjectWebhookDeliveries,
		data:    []byte(`{}`),
		meta: &jetstream.MsgMetadata{
			Sequence:     jetstream.SequencePair{Stream: 42, Consumer: 7},
			NumDelivered: 2,
			Stream:       messaging.StreamWebhooks,
			Timestamp:    time.Unix(1700000000, 0),
		},
	}
}

func testConsumer(h messaging.MessageHandler) *consumer {
	return &consumer{ctx: context.Background(), handler: h, logger: logging.Component("test")}
}

func TestDispatchOutcomes(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		panics   bool
		wantAck  bool
		wantTerm bool
		wantNak  time.Duration
	}{
		{name: "success acks", wantAck: true},
		{name: "delay naks", err: messaging.Redeliver(3 * time.Second), wantNak: 3 * time.Second},
		{name: "error terminates", err: errors.New("bad payload"), wantTerm: true},
		{name: "panic terminates", panics: true, wantTerm: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := newFakeMsg()
			c := testConsumer(func(context.Context, *messaging.Message) error {
				if tt.panics {
					panic("boom")
				}
				return tt.err
			})

			c.dispatch(msg)

			assert.Equal(t, tt.wantAck, msg.acked)
			assert.Equal(t, tt.wantTerm, msg.termed)
			assert.Equal(t, tt.wantNak != 0, msg.nakCalled)
			assert.Equal(t, tt.wantNak, msg.nakDelay)
		})
	}
}

func TestDispatchStampsMessageID(t *testing.T) {
	var gotID string
	var got *messaging.Message
	c := testConsumer(func(ctx context.Context, m *messaging.Message) error {
		gotID = middleware.GetRequestID(ctx)
		got = m
		return nil
	})

	c.dispatch(newFakeMsg())

	require.NotNil(t, got)
	assert.Equal(t, "WEBHOOKS-42", gotID)
	assert.Equal(t, uint64(2), got.NumDelivered)

	withHeader := newFakeMsg()
	withHeader.headers = nats.Header{messaging.HeaderMsgID: []string{"abc"}}
	c.dispatch(withHeader)
	assert.Equal(t, "abc", gotID)
}

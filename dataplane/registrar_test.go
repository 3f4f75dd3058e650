package dataplane

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/nats-io/nats.go"
	"github.com/pawhub/relay/alarms"
	"github.com/stretchr/testify/assert"
)

// fakeSubscription channel backed msgSubscription
type fakeSubscription struct {
	msgs chan *nats.Msg
}

func (s *fakeSubscription) NextMsgWithContext(ctx context.Context) (*nats.Msg, error) {
	select {
	case msg := <-s.msgs:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *fakeSubscription) Drain() error       { return nil }
func (s *fakeSubscription) Unsubscribe() error { return nil }

func (s *fakeSubscription) inject(t *testing.T, alarm alarms.Alarm) {
	t.Helper()
	serialized, err := json.Marshal(alarm.Wire())
	if err != nil {
		t.Fatalf("serialize alarm: %v", err)
	}
	s.msgs <- &nats.Msg{Data: serialized}
}

func TestListenerRegistration(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	wg := &sync.WaitGroup{}

	sub := &fakeSubscription{msgs: make(chan *nats.Msg, 4)}
	subscribeCalls := 0
	subscribe := func(ref QueueRef) (msgSubscription, error) {
		subscribeCalls++
		return sub, nil
	}
	uut := getConsumerRegistrarWithSubscribe(utCtxt, subscribe, wg, "ut-registrar")

	received := make(chan alarms.Alarm, 4)
	handler := func(_ context.Context, alarm alarms.Alarm) error {
		received <- alarm
		return nil
	}

	ref := QueueRef{Channel: "user-0", Subject: "user.0", Queue: "inbox"}
	assert.Nil(uut.RegisterListener(utCtxt, "user.0", ref, handler))
	assert.Equal([]string{"user.0"}, uut.ListListeners())
	assert.Equal(1, subscribeCalls)

	sub.inject(t, alarms.Alarm{
		RecipientID: "user-0", Kind: alarms.KindComment, Content: "first",
	})
	select {
	case alarm := <-received:
		assert.Equal("first", alarm.Content)
		assert.Equal(alarms.KindComment, alarm.Kind)
	case <-time.After(time.Second):
		t.Fatal("alarm never reached the handler")
	}

	// Registering the same ID again changes nothing
	assert.Nil(uut.RegisterListener(utCtxt, "user.0", ref, handler))
	assert.Equal(1, subscribeCalls)
	assert.Equal([]string{"user.0"}, uut.ListListeners())

	sub.inject(t, alarms.Alarm{
		RecipientID: "user-0", Kind: alarms.KindComment, Content: "second",
	})
	select {
	case alarm := <-received:
		// One listener means no duplicate handling
		assert.Equal("second", alarm.Content)
	case <-time.After(time.Second):
		t.Fatal("alarm never reached the handler")
	}
	assert.Empty(received)
}

func TestListenerDeregistration(t *testing.T) {
	assert := assert.New(t)

	utCtxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	wg := &sync.WaitGroup{}

	subscribe := func(ref QueueRef) (msgSubscription, error) {
		return &fakeSubscription{msgs: make(chan *nats.Msg)}, nil
	}
	uut := getConsumerRegistrarWithSubscribe(utCtxt, subscribe, wg, "ut-registrar")

	handler := func(_ context.Context, _ alarms.Alarm) error { return nil }
	assert.NotNil(uut.DeregisterListener(utCtxt, "room.9.member.user-0"))

	ref := QueueRef{Channel: "room-9", Subject: "room.9", Queue: "member-user-0"}
	assert.Nil(uut.RegisterListener(utCtxt, "room.9.member.user-0", ref, handler))
	assert.Nil(uut.DeregisterListener(utCtxt, "room.9.member.user-0"))

	// Read loop winds down and the listener is forgotten
	wg.Wait()
	assert.Empty(uut.ListListeners())

	// The ID is free for reuse
	assert.Nil(uut.RegisterListener(utCtxt, "room.9.member.user-0", ref, handler))
	cancel()
	wg.Wait()
}

func TestMalformedMessagesAreDiscarded(t *testing.T) {
	assert := assert.New(t)

	utCtxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	wg := &sync.WaitGroup{}

	sub := &fakeSubscription{msgs: make(chan *nats.Msg, 4)}
	subscribe := func(ref QueueRef) (msgSubscription, error) { return sub, nil }
	uut := getConsumerRegistrarWithSubscribe(utCtxt, subscribe, wg, "ut-registrar")

	received := make(chan alarms.Alarm, 4)
	handler := func(_ context.Context, alarm alarms.Alarm) error {
		received <- alarm
		return nil
	}
	ref := QueueRef{Channel: "user-3", Subject: "user.3", Queue: "inbox"}
	assert.Nil(uut.RegisterListener(utCtxt, "user.3", ref, handler))

	sub.msgs <- &nats.Msg{Data: []byte("not json")}
	sub.inject(t, alarms.Alarm{
		RecipientID: "user-3", Kind: alarms.KindTodayMeeting, Content: "meeting today",
	})
	select {
	case alarm := <-received:
		// The valid alarm right behind the junk still arrives
		assert.Equal("meeting today", alarm.Content)
	case <-time.After(time.Second):
		t.Fatal("alarm never reached the handler")
	}
}

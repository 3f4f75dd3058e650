package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/pawhub/relay/alarms"
	"github.com/pawhub/relay/dataplane"
	"github.com/pawhub/relay/delivery"
	"github.com/pawhub/relay/storage"
	"github.com/pawhub/relay/topology"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

// fakeTopology records topology calls without touching a broker
type fakeTopology struct {
	channels map[string]topology.ChannelParam
	queues   map[string]string
}

func newFakeTopology() *fakeTopology {
	return &fakeTopology{
		channels: map[string]topology.ChannelParam{}, queues: map[string]string{},
	}
}

func queueKey(channel, queue string) string {
	return channel + "/" + queue
}

func (f *fakeTopology) EnsureChannel(_ context.Context, param topology.ChannelParam) error {
	f.channels[param.Name] = param
	return nil
}

func (f *fakeTopology) EnsureQueue(_ context.Context, channel, queue string) error {
	f.queues[queueKey(channel, queue)] = ""
	return nil
}

func (f *fakeTopology) Bind(_ context.Context, channel, queue, routingKey string) error {
	f.queues[queueKey(channel, queue)] = routingKey
	return nil
}

func (f *fakeTopology) DeleteQueue(_ context.Context, channel, queue string) error {
	delete(f.queues, queueKey(channel, queue))
	return nil
}

func (f *fakeTopology) DeleteChannel(_ context.Context, channel string) error {
	delete(f.channels, channel)
	return nil
}

// registeredListener one listener captured by fakeRegistrar
type registeredListener struct {
	ref     dataplane.QueueRef
	handler dataplane.MessageHandler
}

// fakeRegistrar captures listener registrations and lets tests play the broker
type fakeRegistrar struct {
	listeners map[string]registeredListener
}

func newFakeRegistrar() *fakeRegistrar {
	return &fakeRegistrar{listeners: map[string]registeredListener{}}
}

func (f *fakeRegistrar) RegisterListener(
	_ context.Context, listenerID string, ref dataplane.QueueRef, handler dataplane.MessageHandler,
) error {
	if _, ok := f.listeners[listenerID]; ok {
		return nil
	}
	f.listeners[listenerID] = registeredListener{ref: ref, handler: handler}
	return nil
}

func (f *fakeRegistrar) DeregisterListener(_ context.Context, listenerID string) error {
	if _, ok := f.listeners[listenerID]; !ok {
		return fmt.Errorf("listener %s is not registered", listenerID)
	}
	delete(f.listeners, listenerID)
	return nil
}

func (f *fakeRegistrar) ListListeners() []string {
	listenerIDs := make([]string, 0, len(f.listeners))
	for listenerID := range f.listeners {
		listenerIDs = append(listenerIDs, listenerID)
	}
	return listenerIDs
}

// route play the broker, feeding an alarm to every listener bound to a subject
func (f *fakeRegistrar) route(
	t *testing.T, ctxt context.Context, subject string, alarm alarms.Alarm,
) {
	t.Helper()
	for _, listener := range f.listeners {
		if listener.ref.Subject != subject {
			continue
		}
		if err := listener.handler(ctxt, alarm); err != nil {
			t.Fatalf("listener handler: %v", err)
		}
	}
}

// fakePublisher persists alarms and records the subject they went out on
type fakePublisher struct {
	store     storage.AlarmStore
	published []string
}

func (f *fakePublisher) persist(
	ctxt context.Context, alarm alarms.Alarm, subject string,
) (alarms.Alarm, error) {
	if alarm.ID == "" {
		alarm.ID = uuid.New().String()
	}
	if alarm.CreatedAt.IsZero() {
		alarm.CreatedAt = time.Now().UTC()
	}
	if err := f.store.Save(ctxt, alarm); err != nil {
		return alarm, err
	}
	f.published = append(f.published, subject)
	return alarm, nil
}

func (f *fakePublisher) PublishToUser(
	ctxt context.Context, alarm alarms.Alarm,
) (alarms.Alarm, error) {
	return f.persist(ctxt, alarm, alarms.UserSubject(alarm.RecipientID))
}

func (f *fakePublisher) PublishToRoom(
	ctxt context.Context, roomID string, alarm alarms.Alarm,
) (alarms.Alarm, error) {
	alarm.RecipientID = roomID
	return f.persist(ctxt, alarm, alarms.RoomSubject(roomID))
}

// recordedEvent one event captured by fakeEventWriter
type recordedEvent struct {
	id      string
	name    string
	payload []byte
}

// fakeEventWriter captures pushed events
type fakeEventWriter struct {
	lock   sync.Mutex
	events []recordedEvent
}

func (w *fakeEventWriter) WriteEvent(eventID, eventName string, payload []byte) error {
	w.lock.Lock()
	defer w.lock.Unlock()
	w.events = append(w.events, recordedEvent{id: eventID, name: eventName, payload: payload})
	return nil
}

func (w *fakeEventWriter) alarms(t *testing.T) []alarms.WireAlarm {
	t.Helper()
	w.lock.Lock()
	defer w.lock.Unlock()
	results := []alarms.WireAlarm{}
	for _, event := range w.events {
		if event.name != delivery.EventNameAlarm {
			continue
		}
		var wire alarms.WireAlarm
		if err := json.Unmarshal(event.payload, &wire); err != nil {
			t.Fatalf("parse pushed alarm: %v", err)
		}
		results = append(results, wire)
	}
	return results
}

// testHarness everything a facade test needs
type testHarness struct {
	uut       AlarmService
	topo      *fakeTopology
	registrar *fakeRegistrar
	publisher *fakePublisher
	store     storage.AlarmStore
}

func defineTestHarness(t *testing.T) *testHarness {
	t.Helper()
	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(server.Close)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store, err := storage.GetRedisAlarmStore(client, "ut-relay")
	assert.Nil(t, err)
	registry, err := delivery.GetConnectionRegistry("ut-relay")
	assert.Nil(t, err)
	cache, err := delivery.GetRedisEventCache(client, time.Minute, "ut-relay")
	assert.Nil(t, err)
	deliverySvc, err := delivery.GetDeliveryService(registry, cache, time.Hour, "ut-relay")
	assert.Nil(t, err)

	topo := newFakeTopology()
	registrar := newFakeRegistrar()
	publisher := &fakePublisher{store: store}
	uut, err := GetAlarmService(topo, publisher, registrar, store, deliverySvc, "ut-relay")
	assert.Nil(t, err)
	return &testHarness{
		uut: uut, topo: topo, registrar: registrar, publisher: publisher, store: store,
	}
}

func TestUserChannelProvisioning(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	h := defineTestHarness(t)
	utCtxt := context.Background()

	assert.Nil(h.uut.ProvisionUserChannel(utCtxt, "user-0"))
	channel, ok := h.topo.channels[alarms.UserChannel("user-0")]
	assert.True(ok)
	assert.Equal(topology.ChannelDirectPerUser, channel.Kind)
	assert.Equal(alarms.UserSubject("user-0"), h.topo.queues[queueKey(channel.Name, alarms.InboxConsumer)])
	assert.Contains(h.registrar.ListListeners(), alarms.UserListenerID("user-0"))

	users, err := h.store.ListProvisionedUsers(utCtxt)
	assert.Nil(err)
	assert.ElementsMatch([]string{"user-0"}, users)

	// Provisioning again changes nothing
	assert.Nil(h.uut.ProvisionUserChannel(utCtxt, "user-0"))
	assert.Len(h.registrar.ListListeners(), 1)
}

func TestAlarmReachesConnectedUser(t *testing.T) {
	assert := assert.New(t)

	h := defineTestHarness(t)
	utCtxt := context.Background()

	writer := &fakeEventWriter{}
	_, err := h.uut.Connect(utCtxt, "user-0", "", writer)
	assert.Nil(err)

	sent, err := h.uut.SendAlarmToUser(utCtxt, alarms.Alarm{
		RecipientID:    "user-0",
		Kind:           alarms.KindJoinApproved,
		Content:        "your adoption meeting was approved",
		RedirectTarget: "/meetings/3",
	})
	assert.Nil(err)
	h.registrar.route(t, utCtxt, alarms.UserSubject("user-0"), sent)

	pushed := writer.alarms(t)
	assert.Len(pushed, 1)
	assert.Equal("your adoption meeting was approved", pushed[0].Content)
	assert.Equal(string(alarms.KindJoinApproved), pushed[0].Kind)

	// And it is durable regardless of the live push
	stored, err := h.uut.ListAlarms(utCtxt, "user-0")
	assert.Nil(err)
	assert.Len(stored, 1)
	assert.Equal(sent.ID, stored[0].ID)

	// No recipient is rejected
	_, err = h.uut.SendAlarmToUser(utCtxt, alarms.Alarm{Kind: alarms.KindComment})
	assert.NotNil(err)
}

func TestChatMessageFansOutToMembers(t *testing.T) {
	assert := assert.New(t)

	h := defineTestHarness(t)
	utCtxt := context.Background()

	assert.Nil(h.uut.JoinRoomChannel(utCtxt, "room-1", "user-a"))
	assert.Nil(h.uut.JoinRoomChannel(utCtxt, "room-1", "user-b"))
	channel, ok := h.topo.channels[alarms.RoomChannel("room-1")]
	assert.True(ok)
	assert.Equal(topology.ChannelFanOutPerRoom, channel.Kind)

	writerA := &fakeEventWriter{}
	writerB := &fakeEventWriter{}
	_, err := h.uut.Connect(utCtxt, "user-a", "", writerA)
	assert.Nil(err)
	_, err = h.uut.Connect(utCtxt, "user-b", "", writerB)
	assert.Nil(err)

	sent, err := h.uut.SendChatMessage(utCtxt, "room-1", alarms.Alarm{
		Content: "look at this puppy",
	})
	assert.Nil(err)
	assert.Equal(alarms.KindChatMessage, sent.Kind)
	assert.Equal("/chatting/room-1", sent.RedirectTarget)
	h.registrar.route(t, utCtxt, alarms.RoomSubject("room-1"), sent)

	// Each member gets a copy addressed to themselves
	pushedA := writerA.alarms(t)
	assert.Len(pushedA, 1)
	assert.Equal("user-a", pushedA[0].RecipientID)
	assert.Equal("look at this puppy", pushedA[0].Content)
	pushedB := writerB.alarms(t)
	assert.Len(pushedB, 1)
	assert.Equal("user-b", pushedB[0].RecipientID)
}

func TestRoomMembershipLifecycle(t *testing.T) {
	assert := assert.New(t)

	h := defineTestHarness(t)
	utCtxt := context.Background()

	assert.Nil(h.uut.JoinRoomChannel(utCtxt, "room-2", "user-a"))
	assert.Nil(h.uut.JoinRoomChannel(utCtxt, "room-2", "user-b"))
	members, err := h.store.ListRoomMembers(utCtxt, "room-2")
	assert.Nil(err)
	assert.Len(members, 2)

	assert.Nil(h.uut.LeaveRoomChannel(utCtxt, "room-2", "user-a"))
	assert.NotContains(h.registrar.ListListeners(), alarms.MemberListenerID("room-2", "user-a"))
	_, ok := h.topo.queues[queueKey(alarms.RoomChannel("room-2"), alarms.MemberQueue("user-a"))]
	assert.False(ok)
	members, err = h.store.ListRoomMembers(utCtxt, "room-2")
	assert.Nil(err)
	assert.ElementsMatch([]string{"user-b"}, members)

	assert.Nil(h.uut.TeardownRoomChannel(utCtxt, "room-2"))
	assert.Empty(h.registrar.ListListeners())
	assert.Empty(h.topo.channels)
	rooms, err := h.store.ListProvisionedRooms(utCtxt)
	assert.Nil(err)
	assert.Empty(rooms)
}

func TestListenerBootstrap(t *testing.T) {
	assert := assert.New(t)

	h := defineTestHarness(t)
	utCtxt := context.Background()

	// Directory as a previous instance left it
	assert.Nil(h.store.AddProvisionedUser(utCtxt, "user-0"))
	assert.Nil(h.store.AddProvisionedUser(utCtxt, "user-1"))
	assert.Nil(h.store.AddProvisionedRoom(utCtxt, "room-1"))
	assert.Nil(h.store.AddRoomMember(utCtxt, "room-1", "user-0"))
	assert.Nil(h.store.AddRoomMember(utCtxt, "room-1", "user-1"))

	assert.Nil(h.uut.BootstrapListeners(utCtxt))
	listenerIDs := h.registrar.ListListeners()
	assert.ElementsMatch([]string{
		alarms.UserListenerID("user-0"),
		alarms.UserListenerID("user-1"),
		alarms.MemberListenerID("room-1", "user-0"),
		alarms.MemberListenerID("room-1", "user-1"),
	}, listenerIDs)
}

func TestMarkAlarmRead(t *testing.T) {
	assert := assert.New(t)

	h := defineTestHarness(t)
	utCtxt := context.Background()

	sent, err := h.uut.SendAlarmToUser(utCtxt, alarms.Alarm{
		RecipientID: "user-0", Kind: alarms.KindAnswer, Content: "answered",
	})
	assert.Nil(err)

	assert.ErrorIs(h.uut.MarkRead(utCtxt, sent.ID, "user-1"), storage.ErrNotAuthorized)
	assert.Nil(h.uut.MarkRead(utCtxt, sent.ID, "user-0"))
	stored, err := h.uut.ListAlarms(utCtxt, "user-0")
	assert.Nil(err)
	assert.Len(stored, 1)
	assert.True(stored[0].Read)
}

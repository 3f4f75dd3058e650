package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/pawhub/relay/alarms"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func startTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(server.Close)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func testAlarm(recipientID string, createdAt time.Time) alarms.Alarm {
	return alarms.Alarm{
		ID:             uuid.New().String(),
		RecipientID:    recipientID,
		Kind:           alarms.KindComment,
		Content:        "someone commented on your post",
		RedirectTarget: "/community/42",
		CreatedAt:      createdAt,
	}
}

func TestAlarmPersistence(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut, err := GetRedisAlarmStore(startTestRedis(t), "ut-storage")
	assert.Nil(err)
	utCtxt := context.Background()

	_, err = uut.Get(utCtxt, uuid.New().String())
	assert.ErrorIs(err, ErrNotFound)

	now := time.Now().UTC().Truncate(time.Millisecond)
	alarm0 := testAlarm("user-0", now)
	alarm1 := testAlarm("user-0", now.Add(time.Second))
	other := testAlarm("user-1", now)
	assert.Nil(uut.Save(utCtxt, alarm0))
	assert.Nil(uut.Save(utCtxt, alarm1))
	assert.Nil(uut.Save(utCtxt, other))

	read, err := uut.Get(utCtxt, alarm0.ID)
	assert.Nil(err)
	assert.Equal(alarm0.ID, read.ID)
	assert.Equal(alarm0.Content, read.Content)
	assert.False(read.Read)

	// Listing returns only the recipient's alarms, oldest first
	listed, err := uut.ListByRecipient(utCtxt, "user-0")
	assert.Nil(err)
	assert.Len(listed, 2)
	assert.Equal(alarm0.ID, listed[0].ID)
	assert.Equal(alarm1.ID, listed[1].ID)

	listed, err = uut.ListByRecipient(utCtxt, "user-2")
	assert.Nil(err)
	assert.Empty(listed)
}

func TestMarkAlarmRead(t *testing.T) {
	assert := assert.New(t)

	uut, err := GetRedisAlarmStore(startTestRedis(t), "ut-storage")
	assert.Nil(err)
	utCtxt := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	alarm := testAlarm("user-0", now)
	assert.Nil(uut.Save(utCtxt, alarm))

	readAt := now.Add(time.Minute)
	assert.ErrorIs(uut.MarkRead(utCtxt, uuid.New().String(), "user-0", readAt), ErrNotFound)
	assert.ErrorIs(uut.MarkRead(utCtxt, alarm.ID, "user-1", readAt), ErrNotAuthorized)

	assert.Nil(uut.MarkRead(utCtxt, alarm.ID, "user-0", readAt))
	read, err := uut.Get(utCtxt, alarm.ID)
	assert.Nil(err)
	assert.True(read.Read)
	assert.NotNil(read.ReadAt)
	assert.Equal(readAt, *read.ReadAt)

	// Marking again is a no-op and keeps the original read time
	assert.Nil(uut.MarkRead(utCtxt, alarm.ID, "user-0", readAt.Add(time.Hour)))
	read, err = uut.Get(utCtxt, alarm.ID)
	assert.Nil(err)
	assert.Equal(readAt, *read.ReadAt)
}

func TestRetentionWindows(t *testing.T) {
	assert := assert.New(t)

	uut, err := GetRedisAlarmStore(startTestRedis(t), "ut-storage")
	assert.Nil(err)
	utCtxt := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	day := 24 * time.Hour

	// Read eight days ago, outside the seven day read window
	staleRead := testAlarm("user-0", now.Add(-10*day))
	// Read yesterday, inside the window
	freshRead := testAlarm("user-0", now.Add(-10*day))
	// Created 29 days ago unread, inside the thirty day unread window
	freshUnread := testAlarm("user-0", now.Add(-29*day))
	// Created 31 days ago unread, outside the window
	staleUnread := testAlarm("user-0", now.Add(-31*day))
	for _, alarm := range []alarms.Alarm{staleRead, freshRead, freshUnread, staleUnread} {
		assert.Nil(uut.Save(utCtxt, alarm))
	}
	assert.Nil(uut.MarkRead(utCtxt, staleRead.ID, "user-0", now.Add(-8*day)))
	assert.Nil(uut.MarkRead(utCtxt, freshRead.ID, "user-0", now.Add(-1*day)))

	purged, err := uut.DeleteReadBefore(utCtxt, now.Add(-7*day))
	assert.Nil(err)
	assert.Equal(int64(1), purged)
	purged, err = uut.DeleteUnreadBefore(utCtxt, now.Add(-30*day))
	assert.Nil(err)
	assert.Equal(int64(1), purged)

	_, err = uut.Get(utCtxt, staleRead.ID)
	assert.ErrorIs(err, ErrNotFound)
	_, err = uut.Get(utCtxt, staleUnread.ID)
	assert.ErrorIs(err, ErrNotFound)
	_, err = uut.Get(utCtxt, freshRead.ID)
	assert.Nil(err)
	_, err = uut.Get(utCtxt, freshUnread.ID)
	assert.Nil(err)

	// Recipient index no longer references the purged alarms
	listed, err := uut.ListByRecipient(utCtxt, "user-0")
	assert.Nil(err)
	assert.Len(listed, 2)

	// Sweeping again finds nothing
	purged, err = uut.DeleteReadBefore(utCtxt, now.Add(-7*day))
	assert.Nil(err)
	assert.Equal(int64(0), purged)
}

func TestProvisioningDirectory(t *testing.T) {
	assert := assert.New(t)

	uut, err := GetRedisAlarmStore(startTestRedis(t), "ut-storage")
	assert.Nil(err)
	utCtxt := context.Background()

	assert.Nil(uut.AddProvisionedUser(utCtxt, "user-0"))
	assert.Nil(uut.AddProvisionedUser(utCtxt, "user-0"))
	assert.Nil(uut.AddProvisionedUser(utCtxt, "user-1"))
	users, err := uut.ListProvisionedUsers(utCtxt)
	assert.Nil(err)
	assert.ElementsMatch([]string{"user-0", "user-1"}, users)

	assert.Nil(uut.AddProvisionedRoom(utCtxt, "room-0"))
	assert.Nil(uut.AddRoomMember(utCtxt, "room-0", "user-0"))
	assert.Nil(uut.AddRoomMember(utCtxt, "room-0", "user-1"))
	members, err := uut.ListRoomMembers(utCtxt, "room-0")
	assert.Nil(err)
	assert.ElementsMatch([]string{"user-0", "user-1"}, members)

	assert.Nil(uut.RemoveRoomMember(utCtxt, "room-0", "user-1"))
	members, err = uut.ListRoomMembers(utCtxt, "room-0")
	assert.Nil(err)
	assert.ElementsMatch([]string{"user-0"}, members)

	assert.Nil(uut.RemoveProvisionedRoom(utCtxt, "room-0"))
	rooms, err := uut.ListProvisionedRooms(utCtxt)
	assert.Nil(err)
	assert.Empty(rooms)
	members, err = uut.ListRoomMembers(utCtxt, "room-0")
	assert.Nil(err)
	assert.Empty(members)
}

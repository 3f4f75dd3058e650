package retention

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/pawhub/relay/alarms"
	"github.com/pawhub/relay/common"
	"github.com/pawhub/relay/storage"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func startTestStore(t *testing.T) storage.AlarmStore {
	t.Helper()
	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(server.Close)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store, err := storage.GetRedisAlarmStore(client, "ut-retention")
	if err != nil {
		t.Fatalf("define alarm store: %v", err)
	}
	return store
}

func TestRetentionSweep(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	store := startTestStore(t)
	utCtxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	wg := &sync.WaitGroup{}
	defer wg.Wait()

	setting := common.RetentionConfig{
		ReadWindowDays: 7, UnreadWindowDays: 30, SweepInterval: 3600,
	}
	uut, err := GetRetentionSweeper(utCtxt, store, setting, wg, "ut-retention")
	assert.Nil(err)

	now := time.Now().UTC()
	day := 24 * time.Hour
	saveAlarm := func(createdAt time.Time) alarms.Alarm {
		alarm := alarms.Alarm{
			ID:          uuid.New().String(),
			RecipientID: "user-0",
			Kind:        alarms.KindComment,
			Content:     "comment",
			CreatedAt:   createdAt,
		}
		assert.Nil(store.Save(utCtxt, alarm))
		return alarm
	}

	staleRead := saveAlarm(now.Add(-20 * day))
	assert.Nil(store.MarkRead(utCtxt, staleRead.ID, "user-0", now.Add(-8*day)))
	freshRead := saveAlarm(now.Add(-20 * day))
	assert.Nil(store.MarkRead(utCtxt, freshRead.ID, "user-0", now.Add(-6*day)))
	staleUnread := saveAlarm(now.Add(-31 * day))
	freshUnread := saveAlarm(now.Add(-29 * day))

	assert.Nil(uut.SweepOnce(utCtxt, now))

	_, err = store.Get(utCtxt, staleRead.ID)
	assert.ErrorIs(err, storage.ErrNotFound)
	_, err = store.Get(utCtxt, staleUnread.ID)
	assert.ErrorIs(err, storage.ErrNotFound)
	_, err = store.Get(utCtxt, freshRead.ID)
	assert.Nil(err)
	_, err = store.Get(utCtxt, freshUnread.ID)
	assert.Nil(err)
}

// Copyright 2025-2026 The PawHub Relay Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/apex/log"
	"github.com/pawhub/relay/alarms"
	"github.com/pawhub/relay/common"
	"github.com/redis/go-redis/v9"
)

// ErrNotFound no alarm with the requested ID exists
var ErrNotFound = errors.New("alarm not found")

// ErrNotAuthorized the caller does not own the alarm it is operating on
var ErrNotAuthorized = errors.New("alarm belongs to another recipient")

// AlarmStore durable storage for alarms and the provisioning directory
type AlarmStore interface {
	// Save persist an alarm
	Save(ctxt context.Context, alarm alarms.Alarm) error
	// Get fetch one alarm by ID
	Get(ctxt context.Context, alarmID string) (alarms.Alarm, error)
	// ListByRecipient fetch all alarms addressed to a recipient, oldest first
	ListByRecipient(ctxt context.Context, recipientID string) ([]alarms.Alarm, error)
	// MarkRead record that a recipient read an alarm
	MarkRead(ctxt context.Context, alarmID, recipientID string, at time.Time) error
	// DeleteReadBefore purge read alarms whose read timestamp is older than cutoff
	DeleteReadBefore(ctxt context.Context, cutoff time.Time) (int64, error)
	// DeleteUnreadBefore purge unread alarms created before cutoff
	DeleteUnreadBefore(ctxt context.Context, cutoff time.Time) (int64, error)
	// AddProvisionedUser record that a user channel was declared
	AddProvisionedUser(ctxt context.Context, userID string) error
	// ListProvisionedUsers fetch all users with a declared channel
	ListProvisionedUsers(ctxt context.Context) ([]string, error)
	// AddProvisionedRoom record that a room channel was declared
	AddProvisionedRoom(ctxt context.Context, roomID string) error
	// RemoveProvisionedRoom drop a room from the directory along with its members
	RemoveProvisionedRoom(ctxt context.Context, roomID string) error
	// ListProvisionedRooms fetch all rooms with a declared channel
	ListProvisionedRooms(ctxt context.Context) ([]string, error)
	// AddRoomMember record a member subscription on a room
	AddRoomMember(ctxt context.Context, roomID, userID string) error
	// RemoveRoomMember drop a member subscription from a room
	RemoveRoomMember(ctxt context.Context, roomID, userID string) error
	// ListRoomMembers fetch all members subscribed to a room
	ListRoomMembers(ctxt context.Context, roomID string) ([]string, error)
}

// redisAlarmStore implements AlarmStore on redis.
//
// Layout
//   alarm:<id>              alarm record as JSON
//   user-alarms:<recipient> ZSET of alarm IDs scored by creation time
//   retention:unread        ZSET of unread alarm IDs scored by creation time
//   retention:read          ZSET of read alarm IDs scored by read time
//   provisioned:users       SET of user IDs with a declared channel
//   provisioned:rooms       SET of room IDs with a declared channel
//   room-members:<room>     SET of member user IDs
type redisAlarmStore struct {
	common.Component
	client *redis.Client
}

// GetRedisAlarmStore define a redis backed AlarmStore
func GetRedisAlarmStore(client *redis.Client, instance string) (AlarmStore, error) {
	logTags := log.Fields{
		"module": "storage", "component": "alarm-store", "instance": instance,
	}
	return &redisAlarmStore{
		Component: common.Component{LogTags: logTags}, client: client,
	}, nil
}

func alarmKey(alarmID string) string {
	return fmt.Sprintf("alarm:%s", alarmID)
}

func recipientKey(recipientID string) string {
	return fmt.Sprintf("user-alarms:%s", recipientID)
}

func roomMembersKey(roomID string) string {
	return fmt.Sprintf("room-members:%s", roomID)
}

const (
	retentionUnreadKey = "retention:unread"
	retentionReadKey   = "retention:read"
	provisionedUserKey = "provisioned:users"
	provisionedRoomKey = "provisioned:rooms"
)

// Save persist an alarm
func (s *redisAlarmStore) Save(ctxt context.Context, alarm alarms.Alarm) error {
	localLogTags, _ := common.UpdateLogTags(ctxt, s.LogTags)
	serialized, err := json.Marshal(&alarm)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf(
			"Unable to serialize alarm %s", alarm.ID,
		)
		return err
	}
	created := float64(alarm.CreatedAt.UnixMilli())
	pipe := s.client.TxPipeline()
	pipe.Set(ctxt, alarmKey(alarm.ID), serialized, 0)
	pipe.ZAdd(ctxt, recipientKey(alarm.RecipientID), redis.Z{
		Score: created, Member: alarm.ID,
	})
	pipe.ZAdd(ctxt, retentionUnreadKey, redis.Z{Score: created, Member: alarm.ID})
	if _, err := pipe.Exec(ctxt); err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf(
			"Unable to persist alarm %s", alarm.ID,
		)
		return err
	}
	return nil
}

// Get fetch one alarm by ID
func (s *redisAlarmStore) Get(ctxt context.Context, alarmID string) (alarms.Alarm, error) {
	localLogTags, _ := common.UpdateLogTags(ctxt, s.LogTags)
	var alarm alarms.Alarm
	serialized, err := s.client.Get(ctxt, alarmKey(alarmID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return alarm, ErrNotFound
		}
		log.WithError(err).WithFields(localLogTags).Errorf("Unable to read alarm %s", alarmID)
		return alarm, err
	}
	if err := json.Unmarshal([]byte(serialized), &alarm); err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf("Unable to parse alarm %s", alarmID)
		return alarm, err
	}
	return alarm, nil
}

// ListByRecipient fetch all alarms addressed to a recipient, oldest first
func (s *redisAlarmStore) ListByRecipient(
	ctxt context.Context, recipientID string,
) ([]alarms.Alarm, error) {
	localLogTags, _ := common.UpdateLogTags(ctxt, s.LogTags)
	alarmIDs, err := s.client.ZRange(ctxt, recipientKey(recipientID), 0, -1).Result()
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf(
			"Unable to list alarms of %s", recipientID,
		)
		return nil, err
	}
	results := make([]alarms.Alarm, 0, len(alarmIDs))
	for _, alarmID := range alarmIDs {
		alarm, err := s.Get(ctxt, alarmID)
		if err != nil {
			// Index entry can outlive the record if a purge raced the read
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		results = append(results, alarm)
	}
	return results, nil
}

// MarkRead record that a recipient read an alarm
func (s *redisAlarmStore) MarkRead(
	ctxt context.Context, alarmID, recipientID string, at time.Time,
) error {
	localLogTags, _ := common.UpdateLogTags(ctxt, s.LogTags)
	alarm, err := s.Get(ctxt, alarmID)
	if err != nil {
		return err
	}
	if alarm.RecipientID != recipientID {
		log.WithFields(localLogTags).Errorf(
			"User %s can't mark alarm %s of %s", recipientID, alarmID, alarm.RecipientID,
		)
		return ErrNotAuthorized
	}
	if alarm.Read {
		return nil
	}
	alarm.Read = true
	alarm.ReadAt = &at
	serialized, err := json.Marshal(&alarm)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf(
			"Unable to serialize alarm %s", alarmID,
		)
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctxt, alarmKey(alarmID), serialized, 0)
	pipe.ZRem(ctxt, retentionUnreadKey, alarmID)
	pipe.ZAdd(ctxt, retentionReadKey, redis.Z{
		Score: float64(at.UnixMilli()), Member: alarmID,
	})
	if _, err := pipe.Exec(ctxt); err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf(
			"Unable to mark alarm %s read", alarmID,
		)
		return err
	}
	return nil
}

// DeleteReadBefore purge read alarms whose read timestamp is older than cutoff
func (s *redisAlarmStore) DeleteReadBefore(
	ctxt context.Context, cutoff time.Time,
) (int64, error) {
	return s.purgeExpired(ctxt, retentionReadKey, cutoff)
}

// DeleteUnreadBefore purge unread alarms created before cutoff
func (s *redisAlarmStore) DeleteUnreadBefore(
	ctxt context.Context, cutoff time.Time,
) (int64, error) {
	return s.purgeExpired(ctxt, retentionUnreadKey, cutoff)
}

// purgeExpired drop every alarm indexed in a retention ZSET scored before cutoff
func (s *redisAlarmStore) purgeExpired(
	ctxt context.Context, retentionKey string, cutoff time.Time,
) (int64, error) {
	localLogTags, _ := common.UpdateLogTags(ctxt, s.LogTags)
	expired, err := s.client.ZRangeByScore(ctxt, retentionKey, &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("(%d", cutoff.UnixMilli()),
	}).Result()
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf(
			"Unable to scan %s for expired alarms", retentionKey,
		)
		return 0, err
	}
	var purged int64
	for _, alarmID := range expired {
		alarm, err := s.Get(ctxt, alarmID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return purged, err
		}
		pipe := s.client.TxPipeline()
		if err == nil {
			pipe.Del(ctxt, alarmKey(alarmID))
			pipe.ZRem(ctxt, recipientKey(alarm.RecipientID), alarmID)
		}
		pipe.ZRem(ctxt, retentionKey, alarmID)
		if _, err := pipe.Exec(ctxt); err != nil {
			log.WithError(err).WithFields(localLogTags).Errorf(
				"Unable to purge alarm %s", alarmID,
			)
			return purged, err
		}
		purged++
	}
	if purged > 0 {
		log.WithFields(localLogTags).Infof(
			"Purged %d expired alarms from %s", purged, retentionKey,
		)
	}
	return purged, nil
}

// AddProvisionedUser record that a user channel was declared
func (s *redisAlarmStore) AddProvisionedUser(ctxt context.Context, userID string) error {
	return s.client.SAdd(ctxt, provisionedUserKey, userID).Err()
}

// ListProvisionedUsers fetch all users with a declared channel
func (s *redisAlarmStore) ListProvisionedUsers(ctxt context.Context) ([]string, error) {
	return s.client.SMembers(ctxt, provisionedUserKey).Result()
}

// AddProvisionedRoom record that a room channel was declared
func (s *redisAlarmStore) AddProvisionedRoom(ctxt context.Context, roomID string) error {
	return s.client.SAdd(ctxt, provisionedRoomKey, roomID).Err()
}

// RemoveProvisionedRoom drop a room from the directory along with its members
func (s *redisAlarmStore) RemoveProvisionedRoom(ctxt context.Context, roomID string) error {
	pipe := s.client.TxPipeline()
	pipe.SRem(ctxt, provisionedRoomKey, roomID)
	pipe.Del(ctxt, roomMembersKey(roomID))
	_, err := pipe.Exec(ctxt)
	return err
}

// ListProvisionedRooms fetch all rooms with a declared channel
func (s *redisAlarmStore) ListProvisionedRooms(ctxt context.Context) ([]string, error) {
	return s.client.SMembers(ctxt, provisionedRoomKey).Result()
}

// AddRoomMember record a member subscription on a room
func (s *redisAlarmStore) AddRoomMember(ctxt context.Context, roomID, userID string) error {
	return s.client.SAdd(ctxt, roomMembersKey(roomID), userID).Err()
}

// RemoveRoomMember drop a member subscription from a room
func (s *redisAlarmStore) RemoveRoomMember(ctxt context.Context, roomID, userID string) error {
	return s.client.SRem(ctxt, roomMembersKey(roomID), userID).Err()
}

// ListRoomMembers fetch all members subscribed to a room
func (s *redisAlarmStore) ListRoomMembers(ctxt context.Context, roomID string) ([]string, error) {
	return s.client.SMembers(ctxt, roomMembersKey(roomID)).Result()
}

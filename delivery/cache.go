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

package delivery

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/apex/log"
	"github.com/pawhub/relay/common"
	"github.com/redis/go-redis/v9"
)

// CachedEvent one recently pushed event held for replay
type CachedEvent struct {
	ID      string
	Payload []byte
}

// EventCache issues stream event IDs and holds recent events for replay.
//
// Event IDs take the form "<recipient>_<seq>" where seq is a zero padded
// per recipient counter, so lexicographic order on IDs of one recipient
// matches issue order.
type EventCache interface {
	// NextEventID issue the next event ID for a recipient
	NextEventID(ctxt context.Context, recipientID string) (string, error)
	// Put record a pushed event for later replay
	Put(ctxt context.Context, recipientID, eventID string, payload []byte) error
	// ReplayAfter fetch cached events issued after lastEventID, oldest first.
	// An unknown or malformed lastEventID replays nothing.
	ReplayAfter(ctxt context.Context, recipientID, lastEventID string) ([]CachedEvent, error)
}

// redisEventCache implements EventCache on redis.
//
// Layout
//   sse-seq:<recipient>          counter behind NextEventID
//   sse-cache:<recipient>        ZSET of event IDs scored by sequence number
//   sse-event:<recipient>:<id>   event payload, expires with the cache TTL
type redisEventCache struct {
	common.Component
	client *redis.Client
	ttl    time.Duration
}

// GetRedisEventCache define a redis backed EventCache with entries held for ttl
func GetRedisEventCache(
	client *redis.Client, ttl time.Duration, instance string,
) (EventCache, error) {
	logTags := log.Fields{
		"module": "delivery", "component": "event-cache", "instance": instance,
	}
	return &redisEventCache{
		Component: common.Component{LogTags: logTags}, client: client, ttl: ttl,
	}, nil
}

func sequenceKey(recipientID string) string {
	return fmt.Sprintf("sse-seq:%s", recipientID)
}

func cacheIndexKey(recipientID string) string {
	return fmt.Sprintf("sse-cache:%s", recipientID)
}

func cacheEventKey(recipientID, eventID string) string {
	return fmt.Sprintf("sse-event:%s:%s", recipientID, eventID)
}

// eventSequence parse the sequence number out of an event ID
func eventSequence(eventID string) (int64, error) {
	idx := strings.LastIndex(eventID, "_")
	if idx < 0 {
		return 0, fmt.Errorf("event ID %s carries no sequence number", eventID)
	}
	return strconv.ParseInt(eventID[idx+1:], 10, 64)
}

// NextEventID issue the next event ID for a recipient
func (c *redisEventCache) NextEventID(
	ctxt context.Context, recipientID string,
) (string, error) {
	localLogTags, _ := common.UpdateLogTags(ctxt, c.LogTags)
	seq, err := c.client.Incr(ctxt, sequenceKey(recipientID)).Result()
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf(
			"Unable to issue event ID for %s", recipientID,
		)
		return "", err
	}
	return fmt.Sprintf("%s_%020d", recipientID, seq), nil
}

// Put record a pushed event for later replay
func (c *redisEventCache) Put(
	ctxt context.Context, recipientID, eventID string, payload []byte,
) error {
	localLogTags, _ := common.UpdateLogTags(ctxt, c.LogTags)
	seq, err := eventSequence(eventID)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf(
			"Unable to cache event %s", eventID,
		)
		return err
	}
	pipe := c.client.TxPipeline()
	pipe.ZAdd(ctxt, cacheIndexKey(recipientID), redis.Z{
		Score: float64(seq), Member: eventID,
	})
	pipe.Expire(ctxt, cacheIndexKey(recipientID), c.ttl)
	pipe.Set(ctxt, cacheEventKey(recipientID, eventID), payload, c.ttl)
	if _, err := pipe.Exec(ctxt); err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf(
			"Unable to cache event %s", eventID,
		)
		return err
	}
	return nil
}

// ReplayAfter fetch cached events issued after lastEventID, oldest first
func (c *redisEventCache) ReplayAfter(
	ctxt context.Context, recipientID, lastEventID string,
) ([]CachedEvent, error) {
	localLogTags, _ := common.UpdateLogTags(ctxt, c.LogTags)
	afterSeq, err := eventSequence(lastEventID)
	if err != nil {
		// Client sent an ID this deployment never issued. Start fresh.
		log.WithFields(localLogTags).Debugf(
			"Ignoring unparsable last event ID %s", lastEventID,
		)
		return nil, nil
	}
	eventIDs, err := c.client.ZRangeByScore(ctxt, cacheIndexKey(recipientID), &redis.ZRangeBy{
		Min: fmt.Sprintf("(%d", afterSeq), Max: "+inf",
	}).Result()
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf(
			"Unable to scan replay window of %s", recipientID,
		)
		return nil, err
	}
	results := make([]CachedEvent, 0, len(eventIDs))
	for _, eventID := range eventIDs {
		payload, err := c.client.Get(ctxt, cacheEventKey(recipientID, eventID)).Result()
		if err != nil {
			// Payload TTL can fire between the index scan and the read
			if errors.Is(err, redis.Nil) {
				continue
			}
			log.WithError(err).WithFields(localLogTags).Errorf(
				"Unable to read cached event %s", eventID,
			)
			return nil, err
		}
		results = append(results, CachedEvent{ID: eventID, Payload: []byte(payload)})
	}
	return results, nil
}

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

package dataplane

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/pawhub/relay/alarms"
	"github.com/pawhub/relay/common"
	"github.com/pawhub/relay/core"
	"github.com/pawhub/relay/storage"
)

// AlarmPublisher persists alarms and emits them onto broker channels.
//
// An alarm is written to storage before it touches the broker, so a
// publish failure can never lose it. Exhausted publish retries are
// absorbed after logging, the alarm is then only visible on the next
// inbox fetch instead of live.
type AlarmPublisher interface {
	// PublishToUser persist an alarm and emit it on the user's own channel
	PublishToUser(ctxt context.Context, alarm alarms.Alarm) (alarms.Alarm, error)
	// PublishToRoom persist an alarm addressed to a room and emit it on
	// the room's fan-out channel
	PublishToRoom(ctxt context.Context, roomID string, alarm alarms.Alarm) (alarms.Alarm, error)
}

// jetStreamPublish the slice of the JetStream API the publisher drives
type jetStreamPublish interface {
	PublishAsync(subj string, data []byte, opts ...nats.PubOpt) (nats.PubAckFuture, error)
}

// alarmPublisherImpl implements AlarmPublisher
type alarmPublisherImpl struct {
	common.Component
	js        jetStreamPublish
	store     storage.AlarmStore
	txSetting common.PublishConfig
}

// GetAlarmPublisher define an AlarmPublisher
func GetAlarmPublisher(
	natsClient core.NatsClient,
	store storage.AlarmStore,
	txSetting common.PublishConfig,
	instance string,
) (AlarmPublisher, error) {
	logTags := log.Fields{
		"module": "dataplane", "component": "alarm-publisher", "instance": instance,
	}
	return &alarmPublisherImpl{
		Component: common.Component{LogTags: logTags},
		js:        natsClient.JetStream(),
		store:     store,
		txSetting: txSetting,
	}, nil
}

// getAlarmPublisherWithJS used by unit tests to inject a mock JetStream
func getAlarmPublisherWithJS(
	js jetStreamPublish, store storage.AlarmStore, txSetting common.PublishConfig, instance string,
) AlarmPublisher {
	logTags := log.Fields{
		"module": "dataplane", "component": "alarm-publisher", "instance": instance,
	}
	return &alarmPublisherImpl{
		Component: common.Component{LogTags: logTags},
		js:        js,
		store:     store,
		txSetting: txSetting,
	}
}

// PublishToUser persist an alarm and emit it on the user's own channel
func (p *alarmPublisherImpl) PublishToUser(
	ctxt context.Context, alarm alarms.Alarm,
) (alarms.Alarm, error) {
	return p.publish(ctxt, alarms.UserSubject(alarm.RecipientID), alarm)
}

// PublishToRoom persist an alarm addressed to a room and emit it on the
// room's fan-out channel
func (p *alarmPublisherImpl) PublishToRoom(
	ctxt context.Context, roomID string, alarm alarms.Alarm,
) (alarms.Alarm, error) {
	alarm.RecipientID = roomID
	return p.publish(ctxt, alarms.RoomSubject(roomID), alarm)
}

func (p *alarmPublisherImpl) publish(
	ctxt context.Context, subject string, alarm alarms.Alarm,
) (alarms.Alarm, error) {
	localLogTags, _ := common.UpdateLogTags(ctxt, p.LogTags)
	if alarm.ID == "" {
		alarm.ID = uuid.New().String()
	}
	if alarm.CreatedAt.IsZero() {
		alarm.CreatedAt = time.Now().UTC()
	}
	// Durable write comes first
	if err := p.store.Save(ctxt, alarm); err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf(
			"Unable to persist alarm %s", alarm.ID,
		)
		return alarm, err
	}
	serialized, err := json.Marshal(alarm.Wire())
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf(
			"Unable to serialize alarm %s", alarm.ID,
		)
		return alarm, err
	}
	retryWait := time.Duration(p.txSetting.RetryWait) * time.Millisecond
	for attempt := 1; attempt <= p.txSetting.MaxAttempts; attempt++ {
		err = p.sendOnce(ctxt, subject, serialized)
		if err == nil {
			log.WithFields(localLogTags).Debugf(
				"Published alarm %s on %s", alarm.ID, subject,
			)
			return alarm, nil
		}
		log.WithError(err).WithFields(localLogTags).Warnf(
			"Publish attempt %d of %d for alarm %s failed",
			attempt, p.txSetting.MaxAttempts, alarm.ID,
		)
		if attempt < p.txSetting.MaxAttempts {
			select {
			case <-time.After(retryWait):
			case <-ctxt.Done():
				return alarm, ctxt.Err()
			}
		}
	}
	// The alarm is already durable. Skip the live push rather than fail the caller.
	log.WithError(err).WithFields(localLogTags).Errorf(
		"Gave up publishing alarm %s on %s", alarm.ID, subject,
	)
	return alarm, nil
}

// sendOnce one publish attempt, waiting on the async acknowledgement
func (p *alarmPublisherImpl) sendOnce(ctxt context.Context, subject string, msg []byte) error {
	ack, err := p.js.PublishAsync(subject, msg)
	if err != nil {
		return err
	}
	select {
	case goodSig, ok := <-ack.Ok():
		if !ok {
			return fmt.Errorf("reading nats.PubAckFuture OK channel failure")
		}
		log.WithFields(p.LogTags).Debugf(
			"Sent [%d] to %s/%s", goodSig.Sequence, goodSig.Stream, subject,
		)
		return nil
	case txErr, ok := <-ack.Err():
		if !ok {
			return fmt.Errorf("reading nats.PubAckFuture error channel failure")
		}
		return txErr
	case <-ctxt.Done():
		return ctxt.Err()
	}
}

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
	"encoding/json"
	"fmt"
	"time"

	"github.com/apex/log"
	"github.com/pawhub/relay/alarms"
	"github.com/pawhub/relay/common"
)

const (
	// EventNameAlarm stream event name carrying an alarm
	EventNameAlarm = "alarm"
	// EventNameKeepAlive stream event name of the opening heartbeat
	EventNameKeepAlive = "keep-alive"
)

// keepAlivePayload sent on connect so proxies see traffic before the first alarm
var keepAlivePayload = []byte(`{"status":"connected"}`)

// Service fans live alarms out to the open connections of their recipients
type Service interface {
	// Connect open a new connection for a recipient. Events cached after
	// lastEventID are replayed before any live traffic. Pass an empty
	// lastEventID on a fresh session.
	Connect(
		ctxt context.Context, recipientID, lastEventID string, writer EventWriter,
	) (*Connection, error)
	// Deliver push an alarm to every open connection of its recipient.
	// Dead connections found along the way are dropped. The alarm is
	// durable before it reaches this point, so push failures are absorbed.
	Deliver(ctxt context.Context, alarm alarms.Alarm) error
	// Release close a connection with a terminal state and drop it
	Release(ctxt context.Context, conn *Connection, state State)
}

// serviceImpl implements Service
type serviceImpl struct {
	common.Component
	registry       ConnectionRegistry
	cache          EventCache
	sessionTimeout time.Duration
}

// GetDeliveryService define a delivery Service
func GetDeliveryService(
	registry ConnectionRegistry,
	cache EventCache,
	sessionTimeout time.Duration,
	instance string,
) (Service, error) {
	logTags := log.Fields{
		"module": "delivery", "component": "service", "instance": instance,
	}
	return &serviceImpl{
		Component:      common.Component{LogTags: logTags},
		registry:       registry,
		cache:          cache,
		sessionTimeout: sessionTimeout,
	}, nil
}

// Connect open a new connection for a recipient
func (s *serviceImpl) Connect(
	ctxt context.Context, recipientID, lastEventID string, writer EventWriter,
) (*Connection, error) {
	localLogTags, _ := common.UpdateLogTags(ctxt, s.LogTags)
	conn := newConnection(recipientID, s.sessionTimeout, writer)
	if err := s.registry.Add(conn); err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf(
			"Unable to register connection for %s", recipientID,
		)
		return nil, err
	}
	// Heartbeat first so the client sees an open stream immediately
	if err := conn.Push("", EventNameKeepAlive, keepAlivePayload); err != nil {
		s.registry.Remove(conn.ID())
		return nil, err
	}
	if lastEventID != "" {
		missed, err := s.cache.ReplayAfter(ctxt, recipientID, lastEventID)
		if err != nil {
			log.WithError(err).WithFields(localLogTags).Errorf(
				"Unable to replay events for %s after %s", recipientID, lastEventID,
			)
		}
		for _, event := range missed {
			if err := conn.Push(event.ID, EventNameAlarm, event.Payload); err != nil {
				s.registry.Remove(conn.ID())
				return nil, err
			}
		}
		log.WithFields(localLogTags).Infof(
			"Replayed %d events to %s after %s", len(missed), conn.ID(), lastEventID,
		)
	}
	log.WithFields(localLogTags).Infof("Opened connection %s", conn.ID())
	return conn, nil
}

// Deliver push an alarm to every open connection of its recipient
func (s *serviceImpl) Deliver(ctxt context.Context, alarm alarms.Alarm) error {
	localLogTags, _ := common.UpdateLogTags(ctxt, s.LogTags)
	payload, err := json.Marshal(alarm.Wire())
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf(
			"Unable to serialize alarm %s for push", alarm.ID,
		)
		return err
	}
	eventID, err := s.cache.NextEventID(ctxt, alarm.RecipientID)
	if err != nil {
		// Keep pushing with a time based ID. It stays unique and sorted
		// after any counter issued ID of the same wall clock era.
		eventID = fmt.Sprintf("%s_%d", alarm.RecipientID, time.Now().UnixNano())
	} else if err := s.cache.Put(ctxt, alarm.RecipientID, eventID, payload); err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf(
			"Unable to cache event %s for replay", eventID,
		)
	}
	for _, conn := range s.registry.FindByRecipient(alarm.RecipientID) {
		if err := conn.Push(eventID, EventNameAlarm, payload); err != nil {
			// Stale connection, drop it so the registry self heals
			s.registry.Remove(conn.ID())
			log.WithError(err).WithFields(localLogTags).Warnf(
				"Dropped dead connection %s", conn.ID(),
			)
		}
	}
	return nil
}

// Release close a connection with a terminal state and drop it
func (s *serviceImpl) Release(ctxt context.Context, conn *Connection, state State) {
	localLogTags, _ := common.UpdateLogTags(ctxt, s.LogTags)
	switch state {
	case StateTimedOut:
		conn.Expire()
	default:
		conn.Complete()
	}
	s.registry.Remove(conn.ID())
	log.WithFields(localLogTags).Infof(
		"Released connection %s as %s", conn.ID(), conn.State(),
	)
}

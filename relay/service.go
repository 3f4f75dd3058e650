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

package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/apex/log"
	"github.com/pawhub/relay/alarms"
	"github.com/pawhub/relay/common"
	"github.com/pawhub/relay/dataplane"
	"github.com/pawhub/relay/delivery"
	"github.com/pawhub/relay/storage"
	"github.com/pawhub/relay/topology"
)

// AlarmService the relay's application surface. It ties broker topology,
// publishing, runtime listeners, and live delivery together around the
// per user and per room channel layout.
type AlarmService interface {
	// SendAlarmToUser persist and emit an alarm to one user, provisioning
	// the user's channel on first contact
	SendAlarmToUser(ctxt context.Context, alarm alarms.Alarm) (alarms.Alarm, error)
	// SendChatMessage persist and emit a chat message to every member of a room
	SendChatMessage(ctxt context.Context, roomID string, alarm alarms.Alarm) (alarms.Alarm, error)
	// ProvisionUserChannel declare the channel, inbox queue, and listener of a user
	ProvisionUserChannel(ctxt context.Context, userID string) error
	// ProvisionRoomChannel declare the fan-out channel of a room
	ProvisionRoomChannel(ctxt context.Context, roomID string) error
	// JoinRoomChannel attach a member queue and listener to a room
	JoinRoomChannel(ctxt context.Context, roomID, userID string) error
	// LeaveRoomChannel detach a member's queue and listener from a room
	LeaveRoomChannel(ctxt context.Context, roomID, userID string) error
	// TeardownRoomChannel remove a room's channel along with all member queues
	TeardownRoomChannel(ctxt context.Context, roomID string) error
	// BootstrapListeners re-register the listeners of everything previously
	// provisioned. Called once on startup.
	BootstrapListeners(ctxt context.Context) error
	// Connect open a live event stream toward a recipient
	Connect(
		ctxt context.Context, recipientID, lastEventID string, writer delivery.EventWriter,
	) (*delivery.Connection, error)
	// Release close a live event stream with a terminal state
	Release(ctxt context.Context, conn *delivery.Connection, state delivery.State)
	// ListAlarms fetch the stored alarms of a user, oldest first
	ListAlarms(ctxt context.Context, userID string) ([]alarms.Alarm, error)
	// MarkRead record that a user read an alarm
	MarkRead(ctxt context.Context, alarmID, userID string) error
}

// alarmServiceImpl implements AlarmService
type alarmServiceImpl struct {
	common.Component
	topo      topology.Manager
	publisher dataplane.AlarmPublisher
	registrar dataplane.ConsumerRegistrar
	store     storage.AlarmStore
	delivery  delivery.Service
}

// GetAlarmService define an AlarmService
func GetAlarmService(
	topo topology.Manager,
	publisher dataplane.AlarmPublisher,
	registrar dataplane.ConsumerRegistrar,
	store storage.AlarmStore,
	deliverySvc delivery.Service,
	instance string,
) (AlarmService, error) {
	logTags := log.Fields{
		"module": "relay", "component": "alarm-service", "instance": instance,
	}
	return &alarmServiceImpl{
		Component: common.Component{LogTags: logTags},
		topo:      topo,
		publisher: publisher,
		registrar: registrar,
		store:     store,
		delivery:  deliverySvc,
	}, nil
}

// SendAlarmToUser persist and emit an alarm to one user
func (s *alarmServiceImpl) SendAlarmToUser(
	ctxt context.Context, alarm alarms.Alarm,
) (alarms.Alarm, error) {
	localLogTags, _ := common.UpdateLogTags(ctxt, s.LogTags)
	if alarm.RecipientID == "" {
		err := fmt.Errorf("alarm carries no recipient")
		log.WithError(err).WithFields(localLogTags).Error("Unable to send alarm")
		return alarm, err
	}
	if err := s.ProvisionUserChannel(ctxt, alarm.RecipientID); err != nil {
		return alarm, err
	}
	return s.publisher.PublishToUser(ctxt, alarm)
}

// SendChatMessage persist and emit a chat message to every member of a room
func (s *alarmServiceImpl) SendChatMessage(
	ctxt context.Context, roomID string, alarm alarms.Alarm,
) (alarms.Alarm, error) {
	if alarm.Kind == "" {
		alarm.Kind = alarms.KindChatMessage
	}
	if alarm.RedirectTarget == "" {
		alarm.RedirectTarget = fmt.Sprintf("/chatting/%s", roomID)
	}
	if err := s.ProvisionRoomChannel(ctxt, roomID); err != nil {
		return alarm, err
	}
	return s.publisher.PublishToRoom(ctxt, roomID, alarm)
}

// ProvisionUserChannel declare the channel, inbox queue, and listener of a user
func (s *alarmServiceImpl) ProvisionUserChannel(ctxt context.Context, userID string) error {
	localLogTags, _ := common.UpdateLogTags(ctxt, s.LogTags)
	channel := alarms.UserChannel(userID)
	subject := alarms.UserSubject(userID)
	if err := s.topo.EnsureChannel(ctxt, topology.ChannelParam{
		Name: channel, Subject: subject, Kind: topology.ChannelDirectPerUser,
	}); err != nil {
		return err
	}
	if err := s.topo.Bind(ctxt, channel, alarms.InboxConsumer, subject); err != nil {
		return err
	}
	if err := s.store.AddProvisionedUser(ctxt, userID); err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf(
			"Unable to record provisioned user %s", userID,
		)
		return err
	}
	// A dead listener only costs liveness, alarms stay fetchable
	s.registerUserListener(ctxt, userID)
	return nil
}

// registerUserListener attach the live delivery listener of a user's inbox
func (s *alarmServiceImpl) registerUserListener(ctxt context.Context, userID string) {
	localLogTags, _ := common.UpdateLogTags(ctxt, s.LogTags)
	ref := dataplane.QueueRef{
		Channel: alarms.UserChannel(userID),
		Subject: alarms.UserSubject(userID),
		Queue:   alarms.InboxConsumer,
	}
	err := s.registrar.RegisterListener(
		ctxt, alarms.UserListenerID(userID), ref,
		func(ctxt context.Context, alarm alarms.Alarm) error {
			return s.delivery.Deliver(ctxt, alarm)
		},
	)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Warnf(
			"Live delivery unavailable for user %s", userID,
		)
	}
}

// ProvisionRoomChannel declare the fan-out channel of a room
func (s *alarmServiceImpl) ProvisionRoomChannel(ctxt context.Context, roomID string) error {
	localLogTags, _ := common.UpdateLogTags(ctxt, s.LogTags)
	if err := s.topo.EnsureChannel(ctxt, topology.ChannelParam{
		Name:    alarms.RoomChannel(roomID),
		Subject: alarms.RoomSubject(roomID),
		Kind:    topology.ChannelFanOutPerRoom,
	}); err != nil {
		return err
	}
	if err := s.store.AddProvisionedRoom(ctxt, roomID); err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf(
			"Unable to record provisioned room %s", roomID,
		)
		return err
	}
	return nil
}

// JoinRoomChannel attach a member queue and listener to a room
func (s *alarmServiceImpl) JoinRoomChannel(ctxt context.Context, roomID, userID string) error {
	localLogTags, _ := common.UpdateLogTags(ctxt, s.LogTags)
	if err := s.ProvisionRoomChannel(ctxt, roomID); err != nil {
		return err
	}
	if err := s.topo.Bind(
		ctxt, alarms.RoomChannel(roomID), alarms.MemberQueue(userID), alarms.RoomSubject(roomID),
	); err != nil {
		return err
	}
	if err := s.store.AddRoomMember(ctxt, roomID, userID); err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf(
			"Unable to record member %s of room %s", userID, roomID,
		)
		return err
	}
	s.registerMemberListener(ctxt, roomID, userID)
	return nil
}

// registerMemberListener attach the live delivery listener of a room member.
// Room traffic is addressed to the room, so the listener readdresses each
// alarm to its own member before delivery.
func (s *alarmServiceImpl) registerMemberListener(ctxt context.Context, roomID, userID string) {
	localLogTags, _ := common.UpdateLogTags(ctxt, s.LogTags)
	ref := dataplane.QueueRef{
		Channel: alarms.RoomChannel(roomID),
		Subject: alarms.RoomSubject(roomID),
		Queue:   alarms.MemberQueue(userID),
	}
	err := s.registrar.RegisterListener(
		ctxt, alarms.MemberListenerID(roomID, userID), ref,
		func(ctxt context.Context, alarm alarms.Alarm) error {
			alarm.RecipientID = userID
			return s.delivery.Deliver(ctxt, alarm)
		},
	)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Warnf(
			"Live delivery unavailable for member %s of room %s", userID, roomID,
		)
	}
}

// LeaveRoomChannel detach a member's queue and listener from a room
func (s *alarmServiceImpl) LeaveRoomChannel(ctxt context.Context, roomID, userID string) error {
	localLogTags, _ := common.UpdateLogTags(ctxt, s.LogTags)
	// The listener is gone already if this instance never ran it
	if err := s.registrar.DeregisterListener(
		ctxt, alarms.MemberListenerID(roomID, userID),
	); err != nil {
		log.WithFields(localLogTags).Debugf(
			"No live listener for member %s of room %s", userID, roomID,
		)
	}
	if err := s.topo.DeleteQueue(
		ctxt, alarms.RoomChannel(roomID), alarms.MemberQueue(userID),
	); err != nil {
		return err
	}
	return s.store.RemoveRoomMember(ctxt, roomID, userID)
}

// TeardownRoomChannel remove a room's channel along with all member queues
func (s *alarmServiceImpl) TeardownRoomChannel(ctxt context.Context, roomID string) error {
	localLogTags, _ := common.UpdateLogTags(ctxt, s.LogTags)
	members, err := s.store.ListRoomMembers(ctxt, roomID)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf(
			"Unable to list members of room %s", roomID,
		)
		return err
	}
	for _, userID := range members {
		if err := s.LeaveRoomChannel(ctxt, roomID, userID); err != nil {
			return err
		}
	}
	if err := s.topo.DeleteChannel(ctxt, alarms.RoomChannel(roomID)); err != nil {
		return err
	}
	if err := s.store.RemoveProvisionedRoom(ctxt, roomID); err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf(
			"Unable to drop room %s from the directory", roomID,
		)
		return err
	}
	log.WithFields(localLogTags).Infof("Tore down room %s", roomID)
	return nil
}

// BootstrapListeners re-register the listeners of everything previously
// provisioned. Individual failures are logged and skipped so one broken
// channel can't hold back the rest.
func (s *alarmServiceImpl) BootstrapListeners(ctxt context.Context) error {
	localLogTags, _ := common.UpdateLogTags(ctxt, s.LogTags)
	users, err := s.store.ListProvisionedUsers(ctxt)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Unable to list provisioned users")
		return err
	}
	for _, userID := range users {
		s.registerUserListener(ctxt, userID)
	}
	rooms, err := s.store.ListProvisionedRooms(ctxt)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Unable to list provisioned rooms")
		return err
	}
	memberCount := 0
	for _, roomID := range rooms {
		members, err := s.store.ListRoomMembers(ctxt, roomID)
		if err != nil {
			log.WithError(err).WithFields(localLogTags).Errorf(
				"Unable to list members of room %s", roomID,
			)
			continue
		}
		for _, userID := range members {
			s.registerMemberListener(ctxt, roomID, userID)
			memberCount++
		}
	}
	log.WithFields(localLogTags).Infof(
		"Bootstrapped %d user and %d member listeners", len(users), memberCount,
	)
	return nil
}

// Connect open a live event stream toward a recipient
func (s *alarmServiceImpl) Connect(
	ctxt context.Context, recipientID, lastEventID string, writer delivery.EventWriter,
) (*delivery.Connection, error) {
	return s.delivery.Connect(ctxt, recipientID, lastEventID, writer)
}

// Release close a live event stream with a terminal state
func (s *alarmServiceImpl) Release(
	ctxt context.Context, conn *delivery.Connection, state delivery.State,
) {
	s.delivery.Release(ctxt, conn, state)
}

// ListAlarms fetch the stored alarms of a user, oldest first
func (s *alarmServiceImpl) ListAlarms(
	ctxt context.Context, userID string,
) ([]alarms.Alarm, error) {
	return s.store.ListByRecipient(ctxt, userID)
}

// MarkRead record that a user read an alarm
func (s *alarmServiceImpl) MarkRead(ctxt context.Context, alarmID, userID string) error {
	return s.store.MarkRead(ctxt, alarmID, userID, time.Now().UTC())
}

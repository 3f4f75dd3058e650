// Copyright 2025-2026 The PawHub Relay Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package topology

import (
	"context"
	"errors"
	"fmt"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
	"github.com/pawhub/relay/common"
	"github.com/pawhub/relay/core"
)

// ChannelKind the routing behavior of a channel
type ChannelKind string

// Channel kinds
const (
	// ChannelFanOutPerRoom every queue bound to the channel receives each event
	ChannelFanOutPerRoom ChannelKind = "fan-out-per-room"
	// ChannelDirectPerUser exactly one queue, the owner's inbox, receives each event
	ChannelDirectPerUser ChannelKind = "direct-per-user"
)

// ErrTopologyConflict an entity already exists under the requested name with
// conflicting parameters. This indicates a naming collision bug between domain
// services; it is never retried automatically.
var ErrTopologyConflict = errors.New("broker topology conflict")

// ChannelParam parameters for declaring a channel
type ChannelParam struct {
	// Name is the channel (stream) name. JetStream stream names cannot
	// contain '.', '*', or '>'.
	Name string `validate:"required,excludesall=.*>"`
	// Subject is the broker subject the channel collects
	Subject string `validate:"required"`
	// Kind is the channel routing behavior
	Kind ChannelKind `validate:"required,oneof=fan-out-per-room direct-per-user"`
}

// Manager declares and removes broker primitives for logical channels.
//
// All Ensure* calls are idempotent: repeating a call with identical arguments
// succeeds and leaves the broker unchanged, while reusing a name with
// conflicting parameters surfaces ErrTopologyConflict. Delete* calls treat
// "not found" as success since entity deletion and queue deletion are not
// transactional with each other. The manager keeps no local state; the broker
// is the source of truth, and its idempotent-declare semantics make the
// manager safe for concurrent callers.
type Manager interface {
	// EnsureChannel declare a channel
	EnsureChannel(ctxt context.Context, param ChannelParam) error
	// EnsureQueue declare a durable queue against a channel
	EnsureQueue(ctxt context.Context, channel, queue string) error
	// Bind attach a queue to a channel with a routing key. An empty routing
	// key binds the queue to everything the channel collects.
	Bind(ctxt context.Context, channel, queue, routingKey string) error
	// DeleteQueue remove a queue from a channel
	DeleteQueue(ctxt context.Context, channel, queue string) error
	// DeleteChannel remove a channel. Fails while queues still reference it.
	DeleteChannel(ctxt context.Context, channel string) error
}

// jetStreamTopology the JetStream management surface the manager needs
type jetStreamTopology interface {
	AddStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	StreamInfo(stream string, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	AddConsumer(stream string, cfg *nats.ConsumerConfig, opts ...nats.JSOpt) (*nats.ConsumerInfo, error)
	ConsumerInfo(stream, name string, opts ...nats.JSOpt) (*nats.ConsumerInfo, error)
	DeleteConsumer(stream, consumer string, opts ...nats.JSOpt) error
	DeleteStream(name string, opts ...nats.JSOpt) error
}

// managerImpl implements Manager against JetStream
type managerImpl struct {
	common.Component
	js       jetStreamTopology
	validate *validator.Validate
}

// GetTopologyManager define a new topology Manager
func GetTopologyManager(natsClient core.NatsClient, instance string) (Manager, error) {
	logTags := log.Fields{
		"module":    "topology",
		"component": "manager",
		"instance":  instance,
	}
	return &managerImpl{
		Component: common.Component{LogTags: logTags},
		js:        natsClient.JetStream(),
		validate:  validator.New(),
	}, nil
}

// getTopologyManagerWithJS support unit-testing with a fake JetStream surface
func getTopologyManagerWithJS(js jetStreamTopology, instance string) Manager {
	logTags := log.Fields{
		"module":    "topology",
		"component": "manager",
		"instance":  instance,
	}
	return &managerImpl{
		Component: common.Component{LogTags: logTags},
		js:        js,
		validate:  validator.New(),
	}
}

// EnsureChannel declare a channel
func (m *managerImpl) EnsureChannel(ctxt context.Context, param ChannelParam) error {
	localLogTags, _ := common.UpdateLogTags(ctxt, m.LogTags)
	if err := m.validate.Struct(&param); err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf(
			"Unable to declare channel %s", param.Name,
		)
		return err
	}
	cfg := nats.StreamConfig{
		Name:     param.Name,
		Subjects: []string{param.Subject},
	}
	// A direct channel feeds exactly one inbox queue
	if param.Kind == ChannelDirectPerUser {
		cfg.MaxConsumers = 1
	}

	existing, err := m.js.StreamInfo(param.Name)
	if err == nil {
		if streamMatches(&existing.Config, &cfg) {
			log.WithFields(localLogTags).Debugf("Channel %s already declared", param.Name)
			return nil
		}
		err := fmt.Errorf(
			"%w: channel %s exists with different parameters", ErrTopologyConflict, param.Name,
		)
		log.WithError(err).WithFields(localLogTags).Errorf(
			"Unable to declare channel %s", param.Name,
		)
		return err
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		log.WithError(err).WithFields(localLogTags).Errorf(
			"Unable to query channel %s", param.Name,
		)
		return err
	}

	if _, err := m.js.AddStream(&cfg); err != nil {
		// Lost a declare race; accept the winner's identical declaration
		if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return m.EnsureChannel(ctxt, param)
		}
		log.WithError(err).WithFields(localLogTags).Errorf(
			"Unable to declare channel %s", param.Name,
		)
		return err
	}
	log.WithFields(localLogTags).Infof("Declared channel %s for %s", param.Name, param.Subject)
	return nil
}

// EnsureQueue declare a durable queue against a channel. The queue starts
// bound to everything the channel collects; Bind narrows it to a routing key.
func (m *managerImpl) EnsureQueue(ctxt context.Context, channel, queue string) error {
	return m.ensureConsumer(ctxt, channel, queue, "")
}

// Bind attach a queue to a channel with a routing key
func (m *managerImpl) Bind(ctxt context.Context, channel, queue, routingKey string) error {
	return m.ensureConsumer(ctxt, channel, queue, routingKey)
}

// ensureConsumer idempotently declare a durable consumer. JetStream declares
// the binding as part of the consumer, so EnsureQueue and Bind converge here.
func (m *managerImpl) ensureConsumer(
	ctxt context.Context, channel, queue, routingKey string,
) error {
	localLogTags, _ := common.UpdateLogTags(ctxt, m.LogTags)
	if channel == "" || queue == "" {
		err := fmt.Errorf("channel and queue names are required")
		log.WithError(err).WithFields(localLogTags).Error("Unable to declare queue")
		return err
	}

	existing, err := m.js.ConsumerInfo(channel, queue)
	if err == nil {
		if routingKey == "" || existing.Config.FilterSubject == routingKey {
			log.WithFields(localLogTags).Debugf(
				"Queue %s on channel %s already declared", queue, channel,
			)
			return nil
		}
		err := fmt.Errorf(
			"%w: queue %s on channel %s bound to %s, not %s",
			ErrTopologyConflict, queue, channel, existing.Config.FilterSubject, routingKey,
		)
		log.WithError(err).WithFields(localLogTags).Errorf(
			"Unable to declare queue %s on channel %s", queue, channel,
		)
		return err
	}
	if !errors.Is(err, nats.ErrConsumerNotFound) {
		log.WithError(err).WithFields(localLogTags).Errorf(
			"Unable to query queue %s on channel %s", queue, channel,
		)
		return err
	}

	cfg := nats.ConsumerConfig{
		Durable:        queue,
		FilterSubject:  routingKey,
		DeliverSubject: nats.NewInbox(),
		DeliverPolicy:  nats.DeliverAllPolicy,
		AckPolicy:      nats.AckExplicitPolicy,
	}
	if _, err := m.js.AddConsumer(channel, &cfg); err != nil {
		// Lost a declare race; accept the winner's identical declaration
		if errors.Is(err, nats.ErrConsumerNameAlreadyInUse) {
			return m.ensureConsumer(ctxt, channel, queue, routingKey)
		}
		log.WithError(err).WithFields(localLogTags).Errorf(
			"Unable to declare queue %s on channel %s", queue, channel,
		)
		return err
	}
	log.WithFields(localLogTags).Infof("Declared queue %s on channel %s", queue, channel)
	return nil
}

// DeleteQueue remove a queue from a channel
func (m *managerImpl) DeleteQueue(ctxt context.Context, channel, queue string) error {
	localLogTags, _ := common.UpdateLogTags(ctxt, m.LogTags)
	if err := m.js.DeleteConsumer(channel, queue); err != nil {
		if errors.Is(err, nats.ErrConsumerNotFound) || errors.Is(err, nats.ErrStreamNotFound) {
			log.WithFields(localLogTags).Debugf(
				"Queue %s on channel %s already removed", queue, channel,
			)
			return nil
		}
		log.WithError(err).WithFields(localLogTags).Errorf(
			"Unable to delete queue %s on channel %s", queue, channel,
		)
		return err
	}
	log.WithFields(localLogTags).Infof("Deleted queue %s on channel %s", queue, channel)
	return nil
}

// DeleteChannel remove a channel
func (m *managerImpl) DeleteChannel(ctxt context.Context, channel string) error {
	localLogTags, _ := common.UpdateLogTags(ctxt, m.LogTags)
	info, err := m.js.StreamInfo(channel)
	if err != nil {
		if errors.Is(err, nats.ErrStreamNotFound) {
			log.WithFields(localLogTags).Debugf("Channel %s already removed", channel)
			return nil
		}
		log.WithError(err).WithFields(localLogTags).Errorf("Unable to query channel %s", channel)
		return err
	}
	if info.State.Consumers > 0 {
		err := fmt.Errorf(
			"channel %s still has %d bound queues", channel, info.State.Consumers,
		)
		log.WithError(err).WithFields(localLogTags).Errorf("Unable to delete channel %s", channel)
		return err
	}
	if err := m.js.DeleteStream(channel); err != nil {
		if errors.Is(err, nats.ErrStreamNotFound) {
			return nil
		}
		log.WithError(err).WithFields(localLogTags).Errorf("Unable to delete channel %s", channel)
		return err
	}
	log.WithFields(localLogTags).Infof("Deleted channel %s", channel)
	return nil
}

// streamMatches whether an existing stream declaration satisfies the request
func streamMatches(existing, requested *nats.StreamConfig) bool {
	if existing.MaxConsumers != requested.MaxConsumers {
		return false
	}
	if len(existing.Subjects) != len(requested.Subjects) {
		return false
	}
	for idx, subject := range requested.Subjects {
		if existing.Subjects[idx] != subject {
			return false
		}
	}
	return true
}

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
	"sort"
	"sync"

	"github.com/apex/log"
	"github.com/nats-io/nats.go"
	"github.com/pawhub/relay/alarms"
	"github.com/pawhub/relay/common"
	"github.com/pawhub/relay/core"
)

// MessageHandler callback invoked with each alarm read off a queue
type MessageHandler func(ctxt context.Context, alarm alarms.Alarm) error

// QueueRef names one queue on one channel
type QueueRef struct {
	// Channel the broker channel the queue belongs to
	Channel string
	// Subject the subject the queue reads
	Subject string
	// Queue the queue name
	Queue string
}

// ConsumerRegistrar manages the live queue listeners of this instance.
// Listeners come and go at runtime as channels are provisioned and members
// join or leave rooms.
type ConsumerRegistrar interface {
	// RegisterListener start a listener reading a queue. Registering an
	// ID that is already live is a no-op.
	RegisterListener(
		ctxt context.Context, listenerID string, ref QueueRef, handler MessageHandler,
	) error
	// DeregisterListener stop a listener. The queue itself is untouched.
	DeregisterListener(ctxt context.Context, listenerID string) error
	// ListListeners fetch the IDs of all live listeners, sorted
	ListListeners() []string
}

// msgSubscription the slice of the subscription API the read loop drives
type msgSubscription interface {
	NextMsgWithContext(ctx context.Context) (*nats.Msg, error)
	Drain() error
	Unsubscribe() error
}

// subscribeFunc opens a subscription against a queue
type subscribeFunc func(ref QueueRef) (msgSubscription, error)

// queueListener one live read loop
type queueListener struct {
	sub    msgSubscription
	cancel context.CancelFunc
}

// consumerRegistrarImpl implements ConsumerRegistrar
type consumerRegistrarImpl struct {
	common.Component
	baseCtxt  context.Context
	subscribe subscribeFunc
	wg        *sync.WaitGroup
	lock      sync.Mutex
	listeners map[string]*queueListener
}

// GetConsumerRegistrar define a ConsumerRegistrar. Listeners run until
// deregistered or until runtimeCtxt ends, and are tracked through wg.
func GetConsumerRegistrar(
	runtimeCtxt context.Context,
	natsClient core.NatsClient,
	wg *sync.WaitGroup,
	instance string,
) (ConsumerRegistrar, error) {
	js := natsClient.JetStream()
	subscribe := func(ref QueueRef) (msgSubscription, error) {
		return js.SubscribeSync(
			ref.Subject, nats.Durable(ref.Queue), nats.BindStream(ref.Channel),
		)
	}
	return getConsumerRegistrarWithSubscribe(runtimeCtxt, subscribe, wg, instance), nil
}

// getConsumerRegistrarWithSubscribe used by unit tests to inject a mock subscription
func getConsumerRegistrarWithSubscribe(
	runtimeCtxt context.Context, subscribe subscribeFunc, wg *sync.WaitGroup, instance string,
) ConsumerRegistrar {
	logTags := log.Fields{
		"module": "dataplane", "component": "consumer-registrar", "instance": instance,
	}
	return &consumerRegistrarImpl{
		Component: common.Component{LogTags: logTags},
		baseCtxt:  runtimeCtxt,
		subscribe: subscribe,
		wg:        wg,
		listeners: map[string]*queueListener{},
	}
}

// RegisterListener start a listener reading a queue
func (r *consumerRegistrarImpl) RegisterListener(
	ctxt context.Context, listenerID string, ref QueueRef, handler MessageHandler,
) error {
	localLogTags, _ := common.UpdateLogTags(ctxt, r.LogTags)
	r.lock.Lock()
	defer r.lock.Unlock()
	if _, ok := r.listeners[listenerID]; ok {
		log.WithFields(localLogTags).Warnf(
			"Listener %s already registered, ignoring", listenerID,
		)
		return nil
	}
	sub, err := r.subscribe(ref)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf(
			"Unable to subscribe listener %s to %s/%s", listenerID, ref.Channel, ref.Queue,
		)
		return err
	}
	listenerCtxt, cancel := context.WithCancel(r.baseCtxt)
	r.listeners[listenerID] = &queueListener{sub: sub, cancel: cancel}
	r.wg.Add(1)
	go r.readLoop(listenerCtxt, listenerID, sub, handler)
	log.WithFields(localLogTags).Infof(
		"Registered listener %s on %s/%s", listenerID, ref.Channel, ref.Queue,
	)
	return nil
}

// readLoop pull alarms off a queue until the listener context ends
func (r *consumerRegistrarImpl) readLoop(
	ctxt context.Context, listenerID string, sub msgSubscription, handler MessageHandler,
) {
	logTags := log.Fields{"listener": listenerID}
	for key, value := range r.LogTags {
		logTags[key] = value
	}
	defer r.wg.Done()
	defer func() {
		if err := sub.Unsubscribe(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unsubscribe failed")
		}
	}()
	defer func() {
		if err := sub.Drain(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Drain failed")
		}
	}()
	defer r.forget(listenerID)
	log.WithFields(logTags).Infof("Listener %s reading", listenerID)
	defer log.WithFields(logTags).Infof("Listener %s stopped", listenerID)
	for {
		newMsg, err := sub.NextMsgWithContext(ctxt)
		if err != nil {
			if ctxt.Err() != nil {
				return
			}
			log.WithError(err).WithFields(logTags).Errorf("Read failure")
			return
		}
		if newMsg == nil {
			continue
		}
		var wire alarms.WireAlarm
		if err := json.Unmarshal(newMsg.Data, &wire); err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Discarding unparsable message")
		} else if err := handler(ctxt, alarms.FromWire(wire)); err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Alarm handler failed")
		}
		if err := newMsg.Ack(); err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Unable to ACK message")
		}
	}
}

// forget drop the bookkeeping of a listener whose read loop ended
func (r *consumerRegistrarImpl) forget(listenerID string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if listener, ok := r.listeners[listenerID]; ok {
		listener.cancel()
		delete(r.listeners, listenerID)
	}
}

// DeregisterListener stop a listener
func (r *consumerRegistrarImpl) DeregisterListener(
	ctxt context.Context, listenerID string,
) error {
	localLogTags, _ := common.UpdateLogTags(ctxt, r.LogTags)
	r.lock.Lock()
	listener, ok := r.listeners[listenerID]
	r.lock.Unlock()
	if !ok {
		err := fmt.Errorf("listener %s is not registered", listenerID)
		log.WithError(err).WithFields(localLogTags).Errorf("Unable to deregister")
		return err
	}
	listener.cancel()
	log.WithFields(localLogTags).Infof("Deregistered listener %s", listenerID)
	return nil
}

// ListListeners fetch the IDs of all live listeners, sorted
func (r *consumerRegistrarImpl) ListListeners() []string {
	r.lock.Lock()
	defer r.lock.Unlock()
	listenerIDs := make([]string, 0, len(r.listeners))
	for listenerID := range r.listeners {
		listenerIDs = append(listenerIDs, listenerID)
	}
	sort.Strings(listenerIDs)
	return listenerIDs
}

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
	"fmt"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/pawhub/relay/common"
)

// State lifecycle state of a live connection
type State int

const (
	// StateOpen connection is accepting pushes
	StateOpen State = iota
	// StateCompleted client or server closed the stream cleanly
	StateCompleted
	// StateTimedOut connection hit its session timeout
	StateTimedOut
	// StateFailed a push failed mid stream
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateCompleted:
		return "completed"
	case StateTimedOut:
		return "timed-out"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// EventWriter sink for events pushed down one connection
type EventWriter interface {
	// WriteEvent write one event to the client
	WriteEvent(eventID, eventName string, payload []byte) error
}

// Connection one live event stream toward a recipient
type Connection struct {
	common.Component
	id          string
	recipientID string
	timeout     time.Duration
	writer      EventWriter

	lock  sync.Mutex
	state State
	done  chan struct{}
}

// newConnection define a Connection around an open event stream
func newConnection(
	recipientID string, timeout time.Duration, writer EventWriter,
) *Connection {
	id := fmt.Sprintf("%s_%d", recipientID, time.Now().UnixNano())
	logTags := log.Fields{
		"module": "delivery", "component": "connection", "instance": id,
	}
	return &Connection{
		Component:   common.Component{LogTags: logTags},
		id:          id,
		recipientID: recipientID,
		timeout:     timeout,
		writer:      writer,
		state:       StateOpen,
		done:        make(chan struct{}),
	}
}

// ID connection identifier, unique per recipient
func (c *Connection) ID() string { return c.id }

// RecipientID recipient this connection streams to
func (c *Connection) RecipientID() string { return c.recipientID }

// Timeout session timeout this connection was opened with
func (c *Connection) Timeout() time.Duration { return c.timeout }

// State current lifecycle state
func (c *Connection) State() State {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.state
}

// Done closed once the connection leaves the open state
func (c *Connection) Done() <-chan struct{} { return c.done }

// Push write one event down the connection. Concurrent pushes are
// serialized so event frames never interleave. A write failure moves the
// connection to the failed state.
func (c *Connection) Push(eventID, eventName string, payload []byte) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.state != StateOpen {
		return fmt.Errorf("connection %s is %s", c.id, c.state)
	}
	if err := c.writer.WriteEvent(eventID, eventName, payload); err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf(
			"Unable to push event %s", eventID,
		)
		c.state = StateFailed
		close(c.done)
		return err
	}
	return nil
}

// Complete mark the connection cleanly closed
func (c *Connection) Complete() {
	c.transition(StateCompleted)
}

// Expire mark the connection timed out
func (c *Connection) Expire() {
	c.transition(StateTimedOut)
}

func (c *Connection) transition(target State) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.state != StateOpen {
		return
	}
	c.state = target
	close(c.done)
}

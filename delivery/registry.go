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
	"sort"
	"strings"
	"sync"

	"github.com/apex/log"
	"github.com/pawhub/relay/common"
)

// ConnectionRegistry tracks the live connections of this delivery instance
type ConnectionRegistry interface {
	// Add register a new connection
	Add(conn *Connection) error
	// Remove drop a connection by ID. Unknown IDs are ignored.
	Remove(connID string)
	// FindByRecipient fetch all connections of one recipient, ordered by ID
	FindByRecipient(recipientID string) []*Connection
	// Count number of live connections
	Count() int
}

// connectionRegistryImpl implements ConnectionRegistry
type connectionRegistryImpl struct {
	common.Component
	lock        sync.RWMutex
	connections map[string]*Connection
}

// GetConnectionRegistry define a ConnectionRegistry
func GetConnectionRegistry(instance string) (ConnectionRegistry, error) {
	logTags := log.Fields{
		"module": "delivery", "component": "connection-registry", "instance": instance,
	}
	return &connectionRegistryImpl{
		Component:   common.Component{LogTags: logTags},
		connections: map[string]*Connection{},
	}, nil
}

// Add register a new connection
func (r *connectionRegistryImpl) Add(conn *Connection) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if _, ok := r.connections[conn.ID()]; ok {
		return fmt.Errorf("connection %s already registered", conn.ID())
	}
	r.connections[conn.ID()] = conn
	log.WithFields(r.LogTags).Debugf(
		"Registered connection %s, %d live", conn.ID(), len(r.connections),
	)
	return nil
}

// Remove drop a connection by ID
func (r *connectionRegistryImpl) Remove(connID string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if _, ok := r.connections[connID]; !ok {
		return
	}
	delete(r.connections, connID)
	log.WithFields(r.LogTags).Debugf(
		"Removed connection %s, %d live", connID, len(r.connections),
	)
}

// FindByRecipient fetch all connections of one recipient, ordered by ID
func (r *connectionRegistryImpl) FindByRecipient(recipientID string) []*Connection {
	r.lock.RLock()
	defer r.lock.RUnlock()
	prefix := recipientID + "_"
	matched := make([]*Connection, 0, 1)
	for connID, conn := range r.connections {
		if strings.HasPrefix(connID, prefix) {
			matched = append(matched, conn)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID() < matched[j].ID() })
	return matched
}

// Count number of live connections
func (r *connectionRegistryImpl) Count() int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return len(r.connections)
}

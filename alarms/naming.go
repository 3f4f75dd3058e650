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

package alarms

import "fmt"

// Broker naming scheme. Every name is derived deterministically from the
// owning entity ID. JetStream stream and consumer names cannot contain '.',
// so streams use '-' while subjects and listener IDs keep the dotted form.

// InboxConsumer the durable consumer name for a user's own alarm inbox
const InboxConsumer = "inbox"

// UserChannel the broker channel (stream) name for a user's alarm inbox
func UserChannel(userID string) string {
	return fmt.Sprintf("user-%s", userID)
}

// UserSubject the broker subject alarms for a user are published on
func UserSubject(userID string) string {
	return fmt.Sprintf("user.%s", userID)
}

// UserListenerID the runtime listener ID for a user's inbox queue
func UserListenerID(userID string) string {
	return fmt.Sprintf("user.%s", userID)
}

// RoomChannel the broker channel (stream) name for a chat room
func RoomChannel(roomID string) string {
	return fmt.Sprintf("room-%s", roomID)
}

// RoomSubject the broker subject chat messages for a room are published on
func RoomSubject(roomID string) string {
	return fmt.Sprintf("room.%s", roomID)
}

// MemberQueue the durable consumer name for one member's copy of a room feed
func MemberQueue(userID string) string {
	return fmt.Sprintf("member-%s", userID)
}

// MemberListenerID the runtime listener ID for one member's room queue
func MemberListenerID(roomID, userID string) string {
	return fmt.Sprintf("room.%s.member.%s", roomID, userID)
}

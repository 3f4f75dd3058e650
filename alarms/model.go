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

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Kind the category of an alarm
type Kind string

// Alarm kinds produced by the platform's domain services
const (
	KindComment      Kind = "comment"
	KindJoinApproved Kind = "join-approved"
	KindJoinRejected Kind = "join-rejected"
	KindNewNotice    Kind = "new-notice"
	KindNewMeeting   Kind = "new-meeting"
	KindTodayMeeting Kind = "today-meeting"
	KindAnswer       Kind = "answer"
	KindChatMessage  Kind = "chat-message"
)

// Alarm one notification record in the durable store
type Alarm struct {
	// ID is the durable record ID
	ID string `json:"id" validate:"required"`
	// RecipientID identifies who the alarm is for. For chat messages in
	// flight it holds the room ID until fan-out assigns the member.
	RecipientID string `json:"recipient_id" validate:"required"`
	// Kind is the alarm category
	Kind Kind `json:"kind" validate:"required"`
	// Content is the human readable alarm text
	Content string `json:"content"`
	// RedirectTarget is the in-app location the alarm points at
	RedirectTarget string `json:"redirect_target"`
	// CreatedAt is when the alarm was produced
	CreatedAt time.Time `json:"created_at"`
	// Read whether the recipient has seen the alarm
	Read bool `json:"read"`
	// ReadAt is when the alarm was marked read
	ReadAt *time.Time `json:"read_at,omitempty"`
}

// Scan implements the sql.Scanner interface
func (a *Alarm) Scan(src interface{}) error {
	bytes, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("src is not []byte")
	}
	return json.Unmarshal(bytes, a)
}

// Value implements the sql/driver.Valuer interface
func (a Alarm) Value() (driver.Value, error) {
	return json.Marshal(&a)
}

// WireAlarm the alarm payload as published on the broker and as streamed
// to push clients
type WireAlarm struct {
	RecipientID    string    `json:"recipientId" validate:"required"`
	Content        string    `json:"content"`
	RedirectTarget string    `json:"redirectTarget"`
	CreatedAt      time.Time `json:"createdAt"`
	Kind           Kind      `json:"kind" validate:"required"`
}

// Wire convert an alarm to its broker wire form
func (a Alarm) Wire() WireAlarm {
	return WireAlarm{
		RecipientID:    a.RecipientID,
		Content:        a.Content,
		RedirectTarget: a.RedirectTarget,
		CreatedAt:      a.CreatedAt,
		Kind:           a.Kind,
	}
}

// FromWire rebuild an alarm from its broker wire form
func FromWire(w WireAlarm) Alarm {
	return Alarm{
		RecipientID:    w.RecipientID,
		Content:        w.Content,
		RedirectTarget: w.RedirectTarget,
		CreatedAt:      w.CreatedAt,
		Kind:           w.Kind,
	}
}

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

package retention

import (
	"context"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/pawhub/relay/common"
	"github.com/pawhub/relay/storage"
)

// Sweeper purges alarms that aged out of their retention window. Read
// alarms are held for a short window after the read, unread alarms for a
// longer one after creation.
type Sweeper interface {
	// SweepOnce purge everything expired as of now
	SweepOnce(ctxt context.Context, now time.Time) error
	// Start begin periodic sweeps until the runtime context ends
	Start() error
	// Stop end periodic sweeps
	Stop() error
}

// sweeperImpl implements Sweeper
type sweeperImpl struct {
	common.Component
	store   storage.AlarmStore
	setting common.RetentionConfig
	timer   common.IntervalTimer
}

// GetRetentionSweeper define a retention Sweeper
func GetRetentionSweeper(
	runtimeCtxt context.Context,
	store storage.AlarmStore,
	setting common.RetentionConfig,
	wg *sync.WaitGroup,
	instance string,
) (Sweeper, error) {
	logTags := log.Fields{
		"module": "retention", "component": "sweeper", "instance": instance,
	}
	timer, err := common.GetIntervalTimerInstance("retention-sweep", runtimeCtxt, wg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define sweep timer")
		return nil, err
	}
	return &sweeperImpl{
		Component: common.Component{LogTags: logTags},
		store:     store,
		setting:   setting,
		timer:     timer,
	}, nil
}

// SweepOnce purge everything expired as of now
func (s *sweeperImpl) SweepOnce(ctxt context.Context, now time.Time) error {
	localLogTags, _ := common.UpdateLogTags(ctxt, s.LogTags)
	day := 24 * time.Hour
	readCutoff := now.Add(-time.Duration(s.setting.ReadWindowDays) * day)
	unreadCutoff := now.Add(-time.Duration(s.setting.UnreadWindowDays) * day)
	purgedRead, err := s.store.DeleteReadBefore(ctxt, readCutoff)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Read alarm sweep failed")
		return err
	}
	purgedUnread, err := s.store.DeleteUnreadBefore(ctxt, unreadCutoff)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Unread alarm sweep failed")
		return err
	}
	log.WithFields(localLogTags).Infof(
		"Swept %d read and %d unread alarms", purgedRead, purgedUnread,
	)
	return nil
}

// Start begin periodic sweeps
func (s *sweeperImpl) Start() error {
	interval := time.Duration(s.setting.SweepInterval) * time.Second
	return s.timer.Start(interval, func() error {
		return s.SweepOnce(context.Background(), time.Now().UTC())
	}, false)
}

// Stop end periodic sweeps
func (s *sweeperImpl) Stop() error {
	return s.timer.Stop()
}

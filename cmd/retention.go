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

package cmd

import (
	"context"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/pawhub/relay/common"
	"github.com/pawhub/relay/retention"
	"github.com/pawhub/relay/storage"
	"github.com/redis/go-redis/v9"
)

// RunRetentionSweep run one retention sweep and exit. Meant for running
// the sweep out of process, from cron or a scheduled job.
func RunRetentionSweep(
	runtimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	redisClient *redis.Client,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "retention",
		"instance":  instance,
	}

	store, err := storage.GetRedisAlarmStore(redisClient, instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define alarm store")
		return err
	}

	sweeper, err := retention.GetRetentionSweeper(
		runtimeContext, store, config.Retention, wg, instance,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define retention sweeper")
		return err
	}

	return sweeper.SweepOnce(runtimeContext, time.Now().UTC())
}

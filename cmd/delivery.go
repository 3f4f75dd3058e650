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
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/pawhub/relay/apis"
	"github.com/pawhub/relay/common"
	"github.com/pawhub/relay/core"
	"github.com/pawhub/relay/dataplane"
	"github.com/pawhub/relay/delivery"
	"github.com/pawhub/relay/relay"
	"github.com/pawhub/relay/retention"
	"github.com/pawhub/relay/storage"
	"github.com/pawhub/relay/topology"
	"github.com/redis/go-redis/v9"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// RunDeliveryServer run the delivery API server. It hosts the live alarm
// stream endpoint, bootstraps the queue listeners of everything already
// provisioned, and runs the retention sweeper in process.
func RunDeliveryServer(
	runtimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	natsClient core.NatsClient,
	redisClient *redis.Client,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "delivery",
		"instance":  instance,
	}

	store, err := storage.GetRedisAlarmStore(redisClient, instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define alarm store")
		return err
	}

	cacheTTL := time.Second * time.Duration(config.Delivery.Session.EventCacheTTLSec)
	cache, err := delivery.GetRedisEventCache(redisClient, cacheTTL, instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define event cache")
		return err
	}

	registry, err := delivery.GetConnectionRegistry(instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define connection registry")
		return err
	}

	sessionTimeout := time.Second * time.Duration(config.Delivery.Session.TimeoutSec)
	deliverySvc, err := delivery.GetDeliveryService(registry, cache, sessionTimeout, instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define delivery service")
		return err
	}

	topo, err := topology.GetTopologyManager(natsClient, instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define topology manager")
		return err
	}

	publisher, err := dataplane.GetAlarmPublisher(natsClient, store, config.Publish, instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define alarm publisher")
		return err
	}

	localCtxt, lclCancel := context.WithCancel(runtimeContext)
	defer lclCancel()

	registrar, err := dataplane.GetConsumerRegistrar(localCtxt, natsClient, wg, instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define consumer registrar")
		return err
	}

	alarmSvc, err := relay.GetAlarmService(
		topo, publisher, registrar, store, deliverySvc, instance,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define alarm service")
		return err
	}

	// Reconnect the listeners of previously provisioned channels. Live
	// delivery degrades without them, but stored alarms stay fetchable.
	if err := alarmSvc.BootstrapListeners(localCtxt); err != nil {
		log.WithError(err).WithFields(logTags).Warn("Listener bootstrap incomplete")
	}

	sweeper, err := retention.GetRetentionSweeper(
		localCtxt, store, config.Retention, wg, instance,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define retention sweeper")
		return err
	}
	if err := sweeper.Start(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start retention sweeps")
		return err
	}
	defer func() {
		_ = sweeper.Stop()
	}()

	httpHandler, err := apis.GetAPIRestAlarmHandler(
		localCtxt, natsClient, alarmSvc, &config.Delivery.HTTPSetting,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define HTTP handler")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	router := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(router, config.Delivery.Endpoints.PathPrefix, nil)

	alarmAPIRouter := apis.RegisterPathPrefix(mainRouter, "/v1/alarm", apis.MethodHandlers{
		"get": httpHandler.ListAlarmsHandler(),
	})
	_ = apis.RegisterPathPrefix(alarmAPIRouter, "/connect", apis.MethodHandlers{
		"get": httpHandler.ConnectToAlarmStreamHandler(),
	})
	_ = apis.RegisterPathPrefix(alarmAPIRouter, "/{alarmID}/read", apis.MethodHandlers{
		"post": httpHandler.MarkAlarmReadHandler(),
	})

	// Health check
	_ = apis.RegisterPathPrefix(mainRouter, "/alive", apis.MethodHandlers{
		"get": httpHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/ready", apis.MethodHandlers{
		"get": httpHandler.ReadyHandler(),
	})

	// Attach request IDs, then add logging
	router.Use(func(next http.Handler) http.Handler {
		return apis.AttachRequestID(config.Delivery.HTTPSetting.Logging.RequestIDHeader, next)
	})
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(httpHandler, next)
	})

	serverConfig := config.Delivery.HTTPSetting.Server
	serverListen := fmt.Sprintf("%s:%d", serverConfig.ListenOn, serverConfig.Port)
	httpSrv := &http.Server{
		Addr:        serverListen,
		ReadTimeout: time.Second * time.Duration(serverConfig.ReadTimeout),
		// WriteTimeout stays unset, the alarm stream endpoint holds its
		// response open for the whole session
		WriteTimeout: time.Second * time.Duration(serverConfig.WriteTimeout),
		IdleTimeout:  time.Second * time.Duration(serverConfig.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	// Cancel runtime context on shutdown
	httpSrv.RegisterOnShutdown(lclCancel)

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started delivery server on http://%s", serverListen)

	// ============================================================================

	<-runtimeContext.Done()

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("Failure during HTTP shutdown")
		}
	}

	return nil
}

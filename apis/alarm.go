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

package apis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/gorilla/mux"
	"github.com/nats-io/nats.go"
	"github.com/pawhub/relay/common"
	"github.com/pawhub/relay/core"
	"github.com/pawhub/relay/delivery"
	"github.com/pawhub/relay/relay"
	"github.com/pawhub/relay/storage"
)

// CallerIDHeader HTTP header naming the user a request acts as
const CallerIDHeader = "X-User-ID"

// LastEventIDHeader HTTP header carrying the last stream event a client saw
const LastEventIDHeader = "Last-Event-ID"

// APIRestAlarmHandler REST handler for the alarm APIs
type APIRestAlarmHandler struct {
	goutils.RestAPIHandler
	natsClient  core.NatsClient
	svc         relay.AlarmService
	baseContext context.Context
}

// GetAPIRestAlarmHandler define APIRestAlarmHandler
func GetAPIRestAlarmHandler(
	baseContext context.Context,
	natsClient core.NatsClient,
	svc relay.AlarmService,
	httpConfig *common.HTTPConfig,
) (APIRestAlarmHandler, error) {
	logTags := log.Fields{
		"module":    "rest",
		"component": "alarm-api",
	}
	return APIRestAlarmHandler{
		RestAPIHandler: goutils.RestAPIHandler{
			Component: goutils.Component{
				LogTags: logTags,
				LogTagModifiers: []goutils.LogMetadataModifier{
					goutils.ModifyLogMetadataByRestRequestParam,
				},
			},
			CallRequestIDHeaderField: &httpConfig.Logging.RequestIDHeader,
			DoNotLogHeaders: func() map[string]bool {
				result := map[string]bool{}
				for _, v := range httpConfig.Logging.DoNotLogHeaders {
					result[v] = true
				}
				return result
			}(),
		},
		natsClient:  natsClient,
		svc:         svc,
		baseContext: baseContext,
	}, nil
}

// callerID read the acting user out of the request headers
func (h APIRestAlarmHandler) callerID(r *http.Request) (string, error) {
	userID := r.Header.Get(CallerIDHeader)
	if userID == "" {
		return "", fmt.Errorf("no %s header provided", CallerIDHeader)
	}
	return userID, nil
}

// =======================================================================
// Live alarm stream

// sseWriter writes server sent event frames onto an open response
type sseWriter struct {
	w       io.Writer
	flusher http.Flusher
}

// WriteEvent write one event frame and flush it to the client
func (s *sseWriter) WriteEvent(eventID, eventName string, payload []byte) error {
	if eventID != "" {
		if _, err := fmt.Fprintf(s.w, "id: %s\n", eventID); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", eventName, payload); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// ConnectToAlarmStream godoc
// @Summary Open a live alarm stream
// @Description Open a server sent event stream carrying the caller's alarms as
// they arrive. The stream opens with a keep-alive event, then replays any
// cached events newer than the Last-Event-ID header before going live. The
// stream closes on client disconnect, session timeout, server shutdown, or
// write failure.
// @tags Delivery
// @Produce text/event-stream
// @Param Pawhub-Request-ID header string false "User provided request ID to match against logs"
// @Param X-User-ID header string true "User the stream delivers to"
// @Param Last-Event-ID header string false "Last stream event the client saw"
// @Success 200 {string} string "event stream"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/alarm/connect [get]
func (h APIRestAlarmHandler) ConnectToAlarmStream(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	userID, err := h.callerID(r)
	if err != nil {
		msg := "No caller identity provided"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	lastEventID := r.Header.Get(LastEventIDHeader)

	// Send support headers for SSE first
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Content-Type", "text/event-stream")

	writeFlusher, ok := w.(http.Flusher)
	if !ok {
		msg := "Streaming not supported"
		log.WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, msg)
		return
	}

	logTags := localLogTags
	logTags["user"] = userID
	logTags["last_event_id"] = lastEventID

	conn, err := h.svc.Connect(
		r.Context(), userID, lastEventID, &sseWriter{w: w, flusher: writeFlusher},
	)
	if err != nil {
		msg := "Unable to open alarm stream"
		log.WithError(err).WithFields(logTags).Errorf(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}

	select {
	case <-h.baseContext.Done():
		log.WithFields(logTags).Info("Terminating alarm stream on server stop")
		h.svc.Release(r.Context(), conn, delivery.StateCompleted)
	case <-r.Context().Done():
		log.WithFields(logTags).Info("Terminating alarm stream on request end")
		h.svc.Release(r.Context(), conn, delivery.StateCompleted)
	case <-time.After(conn.Timeout()):
		log.WithFields(logTags).Info("Terminating alarm stream on session timeout")
		h.svc.Release(r.Context(), conn, delivery.StateTimedOut)
	case <-conn.Done():
		// Already terminal, a push failed mid stream
		log.WithFields(logTags).Warnf("Alarm stream ended as %s", conn.State())
	}
	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
	writeFlusher.Flush()
}

// ConnectToAlarmStreamHandler Wrapper around ConnectToAlarmStream
func (h APIRestAlarmHandler) ConnectToAlarmStreamHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.ConnectToAlarmStream(w, r)
	}
}

// =======================================================================
// Stored alarms

// RespStoredAlarm one stored alarm in a listing response
type RespStoredAlarm struct {
	// ID the alarm ID, used to mark the alarm read
	ID string `json:"id"`
	// RecipientID user the alarm is addressed to
	RecipientID string `json:"recipientId"`
	// Kind the alarm category
	Kind string `json:"kind"`
	// Content human readable alarm text
	Content string `json:"content"`
	// RedirectTarget in-app location the alarm points at
	RedirectTarget string `json:"redirectURL"`
	// CreatedAt alarm creation timestamp
	CreatedAt time.Time `json:"createdAt"`
	// Read whether the recipient read the alarm
	Read bool `json:"read"`
	// ReadAt read timestamp, absent while unread
	ReadAt *time.Time `json:"readAt,omitempty"`
}

// APIRestRespAlarmList response wrapper for an alarm listing
type APIRestRespAlarmList struct {
	goutils.RestAPIBaseResponse
	// Alarms the caller's stored alarms, oldest first
	Alarms []RespStoredAlarm `json:"alarms"`
}

// ListAlarms godoc
// @Summary List the caller's alarms
// @Description Fetch the caller's stored alarms, oldest first. A caller with
// no alarms gets an empty list.
// @tags Delivery
// @Produce json
// @Param Pawhub-Request-ID header string false "User provided request ID to match against logs"
// @Param X-User-ID header string true "User whose alarms to list"
// @Success 200 {object} APIRestRespAlarmList "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/alarm [get]
func (h APIRestAlarmHandler) ListAlarms(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	userID, err := h.callerID(r)
	if err != nil {
		msg := "No caller identity provided"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	stored, err := h.svc.ListAlarms(r.Context(), userID)
	if err != nil {
		msg := fmt.Sprintf("Unable to list alarms of %s", userID)
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}

	results := make([]RespStoredAlarm, 0, len(stored))
	for _, alarm := range stored {
		results = append(results, RespStoredAlarm{
			ID:             alarm.ID,
			RecipientID:    alarm.RecipientID,
			Kind:           string(alarm.Kind),
			Content:        alarm.Content,
			RedirectTarget: alarm.RedirectTarget,
			CreatedAt:      alarm.CreatedAt,
			Read:           alarm.Read,
			ReadAt:         alarm.ReadAt,
		})
	}
	respCode = http.StatusOK
	respBody = APIRestRespAlarmList{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		Alarms: results,
	}
}

// ListAlarmsHandler Wrapper around ListAlarms
func (h APIRestAlarmHandler) ListAlarmsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.ListAlarms(w, r)
	}
}

// MarkAlarmRead godoc
// @Summary Mark an alarm read
// @Description Record that the caller read one of their alarms. Marking an
// already read alarm changes nothing.
// @tags Delivery
// @Produce json
// @Param Pawhub-Request-ID header string false "User provided request ID to match against logs"
// @Param X-User-ID header string true "User marking the alarm"
// @Param alarmID path string true "Alarm to mark read"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 403 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/alarm/{alarmID}/read [post]
func (h APIRestAlarmHandler) MarkAlarmRead(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	userID, err := h.callerID(r)
	if err != nil {
		msg := "No caller identity provided"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	vars := mux.Vars(r)
	alarmID, ok := vars["alarmID"]
	if !ok {
		msg := "No alarm ID provided"
		log.WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}

	if err := h.svc.MarkRead(r.Context(), alarmID, userID); err != nil {
		msg := fmt.Sprintf("Unable to mark alarm %s read", alarmID)
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusInternalServerError
		if errors.Is(err, storage.ErrNotFound) {
			respCode = http.StatusNotFound
		} else if errors.Is(err, storage.ErrNotAuthorized) {
			respCode = http.StatusForbidden
		}
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// MarkAlarmReadHandler Wrapper around MarkAlarmRead
func (h APIRestAlarmHandler) MarkAlarmReadHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.MarkAlarmRead(w, r)
	}
}

// =======================================================================
// Health Checks

// Alive godoc
// @Summary For delivery REST API liveness check
// @Description Will return success to indicate delivery REST API module is live
// @tags Delivery
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /alive [get]
func (h APIRestAlarmHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestAlarmHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// Ready godoc
// @Summary For delivery REST API readiness check
// @Description Will return success if delivery REST API module is ready for use
// @tags Delivery
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /ready [get]
func (h APIRestAlarmHandler) Ready(w http.ResponseWriter, r *http.Request) {
	msg := "not ready"
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	if h.natsClient.NATs().Status() == nats.CONNECTED {
		respCode = http.StatusOK
		respBody = h.GetStdRESTSuccessMsg(r.Context())
	} else {
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, msg)
	}
}

// ReadyHandler Wrapper around Ready
func (h APIRestAlarmHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}

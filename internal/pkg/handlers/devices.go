package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/jake-scott/tuya-bridge/internal/pkg/cmdqueue"
	"github.com/jake-scott/tuya-bridge/internal/pkg/connmgr"
	"github.com/jake-scott/tuya-bridge/internal/pkg/logging"
)

/*
 * DeviceHandler exposes the connection manager to local callers: queue a
 * device command, read the last reported value of a data point, and check
 * the cloud connection
 */

// Controller is the part of connmgr.Manager the handlers need
type Controller interface {
	Send(deviceID string, command interface{}, opts connmgr.SendOptions) error
	GetDeviceState(deviceID, code string) (interface{}, bool)
	Stats() connmgr.Stats
}

var _ Controller = (*connmgr.Manager)(nil)

type DeviceHandler struct {
	ctl Controller
}

func NewDeviceHandler(ctl Controller) DeviceHandler {
	return DeviceHandler{ctl: ctl}
}

// Register adds the device routes to r
func (h *DeviceHandler) Register(r *mux.Router) {
	r.HandleFunc("/devices/{id}/commands", h.SendCommand).Methods(http.MethodPost)
	r.HandleFunc("/devices/{id}/state/{code}", h.GetState).Methods(http.MethodGet)
	r.HandleFunc("/status", h.Status).Methods(http.MethodGet)
}

type commandRequest struct {
	APIVersion string      `json:"api_version"`
	Commands   interface{} `json:"commands"`
	Properties interface{} `json:"properties"`
}

// payload picks the field that matches the API version
func (c commandRequest) payload() interface{} {
	if c.APIVersion == connmgr.APIVersion2 && c.Properties != nil {
		return c.Properties
	}
	if c.Commands != nil {
		return c.Commands
	}
	return c.Properties
}

type commandResponse struct {
	DeviceID       string `json:"device_id"`
	QueuedCommands int    `json:"queued_commands"`
}

type stateResponse struct {
	DeviceID string      `json:"device_id"`
	Code     string      `json:"code"`
	Value    interface{} `json:"value"`
}

func (h *DeviceHandler) SendCommand(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["id"]
	ctxLogger := logging.Logger(r.Context()).WithField("device", deviceID)

	var req commandRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		ctxLogger.WithError(err).Warn("decoding command request")
		sendJSONError(w, r, http.StatusBadRequest, "unable to parse JSON")
		return
	}

	err := h.ctl.Send(deviceID, req.payload(), connmgr.SendOptions{APIVersion: req.APIVersion})
	switch {
	case errors.Is(err, cmdqueue.ErrClosed):
		ctxLogger.WithError(err).Error("queueing command")
		sendJSONError(w, r, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		ctxLogger.WithError(err).Warn("rejected command")
		sendJSONError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	ctxLogger.Debugf("queued %s command", req.APIVersion)
	sendJSONResponse(w, r, http.StatusAccepted, commandResponse{
		DeviceID:       deviceID,
		QueuedCommands: h.ctl.Stats().QueuedCommands,
	})
}

func (h *DeviceHandler) GetState(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	deviceID, code := vars["id"], vars["code"]

	v, ok := h.ctl.GetDeviceState(deviceID, code)
	if !ok {
		sendJSONError(w, r, http.StatusNotFound, "no state for "+deviceID+"/"+code)
		return
	}

	sendJSONResponse(w, r, http.StatusOK, stateResponse{DeviceID: deviceID, Code: code, Value: v})
}

func (h *DeviceHandler) Status(w http.ResponseWriter, r *http.Request) {
	sendJSONResponse(w, r, http.StatusOK, h.ctl.Stats())
}

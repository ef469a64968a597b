// internal/handler/instrument_handler.go
package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"instrument-service/internal/registry"
	"instrument-service/internal/service"
	"instrument-service/internal/transport"
	"instrument-service/internal/utils"
)

// InstrumentHandler exposes the connection layer over HTTP. The instrument
// command strings pass through verbatim; their meaning belongs to the
// device drivers on the other side of the API.
type InstrumentHandler struct {
	instruments *service.InstrumentService
	logger      *utils.ServiceLogger
}

// NewInstrumentHandler creates a new instrument handler
func NewInstrumentHandler(instruments *service.InstrumentService, logger *zap.Logger) *InstrumentHandler {
	return &InstrumentHandler{
		instruments: instruments,
		logger:      utils.NewServiceLogger(logger, "instrument-handler"),
	}
}

// CommandRequest is the body of query and write calls.
type CommandRequest struct {
	Command string `json:"command" binding:"required"`
}

// ListInstruments returns every registry entry with its connection state.
func (h *InstrumentHandler) ListInstruments(c *gin.Context) {
	utils.SuccessResponse(c, http.StatusOK, "Instruments listed", h.instruments.List())
}

// ConnectInstrument opens a session for the instrument.
func (h *InstrumentHandler) ConnectInstrument(c *gin.Context) {
	id := c.Param("instrument_id")
	if err := h.instruments.Connect(c.Request.Context(), id); err != nil {
		h.respondError(c, "Failed to connect instrument", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Instrument connected", gin.H{"id": id})
}

// DisconnectInstrument closes the instrument's session.
func (h *InstrumentHandler) DisconnectInstrument(c *gin.Context) {
	id := c.Param("instrument_id")
	if err := h.instruments.Disconnect(id); err != nil {
		h.respondError(c, "Failed to disconnect instrument", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Instrument disconnected", gin.H{"id": id})
}

// QueryInstrument performs one half-duplex query and returns the response.
func (h *InstrumentHandler) QueryInstrument(c *gin.Context) {
	id := c.Param("instrument_id")

	var req CommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	response, err := h.instruments.Query(c.Request.Context(), id, req.Command)
	if err != nil {
		h.respondError(c, "Query failed", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Query completed", gin.H{
		"id":       id,
		"command":  req.Command,
		"response": response,
	})
}

// WriteInstrument sends one command without reading a response.
func (h *InstrumentHandler) WriteInstrument(c *gin.Context) {
	id := c.Param("instrument_id")

	var req CommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if err := h.instruments.Write(c.Request.Context(), id, req.Command); err != nil {
		h.respondError(c, "Write failed", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Command sent", gin.H{
		"id":      id,
		"command": req.Command,
	})
}

// ReadInstrument fetches one pending response.
func (h *InstrumentHandler) ReadInstrument(c *gin.Context) {
	id := c.Param("instrument_id")

	response, err := h.instruments.Read(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, "Read failed", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Response read", gin.H{
		"id":       id,
		"response": response,
	})
}

// respondError maps the registry and transport taxonomies onto HTTP codes.
func (h *InstrumentHandler) respondError(c *gin.Context, message string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, registry.ErrUnknownIdentifier):
		status = http.StatusNotFound
	case errors.Is(err, registry.ErrInvalidParameters):
		status = http.StatusBadRequest
	case errors.Is(err, transport.ErrBusy):
		status = http.StatusConflict
	case errors.Is(err, transport.ErrUnreachable):
		status = http.StatusBadGateway
	case errors.Is(err, transport.ErrTimeout):
		status = http.StatusGatewayTimeout
	case errors.Is(err, transport.ErrDisconnected):
		status = http.StatusConflict
	case errors.Is(err, transport.ErrMalformed):
		status = http.StatusBadGateway
	}
	utils.ErrorResponse(c, status, message, err)
}

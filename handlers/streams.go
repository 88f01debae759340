package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/camden-git/footfallbackend/pipeline"
	"github.com/camden-git/footfallbackend/stream"
)

// StreamManager is the stream lifecycle surface used by StreamHandler.
type StreamManager interface {
	Add(desc stream.Descriptor) (pipeline.Status, error)
	Start(ctx context.Context, id string) (pipeline.Status, error)
	Stop(id string) (pipeline.Status, error)
	Remove(ctx context.Context, id string) error
	Get(id string) (pipeline.Status, error)
	List() []pipeline.Status
}

type StreamHandler struct {
	Streams StreamManager
}

func (sh *StreamHandler) ListStreams(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, sh.Streams.List())
}

// CreateStream registers a source. With "start": true it is started
// immediately; a start failure still leaves the stream registered.
func (sh *StreamHandler) CreateStream(w http.ResponseWriter, r *http.Request) {
	var req struct {
		stream.Descriptor
		Start bool `json:"start"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteAPIError(w, http.StatusBadRequest, "invalid_request_body", "Invalid request body: "+err.Error())
		return
	}
	req.Type = strings.ToLower(strings.TrimSpace(req.Type))
	req.URL = strings.TrimSpace(req.URL)

	status, err := sh.Streams.Add(req.Descriptor)
	if err != nil {
		writeStreamError(w, err)
		return
	}
	if req.Start {
		status, err = sh.Streams.Start(r.Context(), status.ID)
		if err != nil {
			writeStreamError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusCreated, status)
}

func (sh *StreamHandler) GetStream(w http.ResponseWriter, r *http.Request) {
	status, err := sh.Streams.Get(chi.URLParam(r, "stream_id"))
	if err != nil {
		writeStreamError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (sh *StreamHandler) StartStream(w http.ResponseWriter, r *http.Request) {
	status, err := sh.Streams.Start(r.Context(), chi.URLParam(r, "stream_id"))
	if err != nil {
		writeStreamError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (sh *StreamHandler) StopStream(w http.ResponseWriter, r *http.Request) {
	status, err := sh.Streams.Stop(chi.URLParam(r, "stream_id"))
	if err != nil {
		writeStreamError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (sh *StreamHandler) DeleteStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "stream_id")
	if err := sh.Streams.Remove(r.Context(), id); err != nil {
		if errors.Is(err, pipeline.ErrStreamNotFound) {
			writeStreamError(w, err)
			return
		}
		// the stream is gone; only the flush was incomplete
		log.Printf("Error flushing customers of removed stream %s: %v", id, err)
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeStreamError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pipeline.ErrStreamNotFound):
		WriteAPIError(w, http.StatusNotFound, "stream_not_found", err.Error())
	case errors.Is(err, pipeline.ErrDetectorNotReady):
		WriteAPIError(w, http.StatusServiceUnavailable, "detector_not_ready", "The detection model is not loaded")
	case errors.Is(err, pipeline.ErrManagerClosed):
		WriteAPIError(w, http.StatusServiceUnavailable, "shutting_down", err.Error())
	case errors.Is(err, pipeline.ErrStartAborted):
		WriteAPIError(w, http.StatusConflict, "start_aborted", err.Error())
	case errors.Is(err, stream.ErrInvalidSource):
		WriteAPIError(w, http.StatusBadRequest, "invalid_source", err.Error())
	case errors.Is(err, stream.ErrDeviceUnavailable):
		WriteAPIError(w, http.StatusConflict, "device_unavailable", err.Error())
	case errors.Is(err, stream.ErrDecodeUnsupported):
		WriteAPIError(w, http.StatusUnprocessableEntity, "decode_unsupported", err.Error())
	case errors.Is(err, stream.ErrStreamFatal):
		WriteAPIError(w, http.StatusBadGateway, "stream_fatal", err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		WriteAPIError(w, http.StatusGatewayTimeout, "start_cancelled", err.Error())
	default:
		log.Printf("Error handling stream request: %v", err)
		WriteAPIError(w, http.StatusInternalServerError, "internal_error", "Failed to process stream request")
	}
}

package server

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"

	"plyr/internal/queue"
	"plyr/pkg/models"
)

// maxWriteBody bounds PUT /queue bodies.
const maxWriteBody = 1 << 20

// Write outcome header values.
const (
	headerQueueWrite = "X-Queue-Write"
	writeAccepted    = "accepted"
	writeSuperseded  = "superseded"
)

// handleGetQueue returns the canonical record of the caller. A matching
// If-None-Match yields 304 so pollers skip unchanged bodies.
func (qs *QueueServer) handleGetQueue(w http.ResponseWriter, r *http.Request) {
	owner := ownerFromContext(r.Context())

	state, err := qs.service.Read(r.Context(), owner)
	if err != nil {
		qs.respondWithError(w, r, http.StatusInternalServerError, "Error retrieving queue", err)
		return
	}

	w.Header().Set("ETag", etag(state.Version))
	w.Header().Set("Cache-Control", "no-cache")
	if inm := r.Header.Get("If-None-Match"); inm != "" && etagMatches(inm, state.Version) {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	qs.respondJSON(w, http.StatusOK, state)
}

// handlePutQueue submits a full snapshot against an expected version. A stale
// expected version is not an error: the response carries the superseding
// record with accepted=false.
func (qs *QueueServer) handlePutQueue(w http.ResponseWriter, r *http.Request) {
	owner := ownerFromContext(r.Context())
	deviceID := sanitizeInput(r.Header.Get(headerDeviceID))
	if verr := validateDeviceID(deviceID); verr != nil {
		qs.respondWithValidationError(w, r, http.StatusBadRequest, []ValidationError{*verr})
		return
	}

	var req models.WriteRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxWriteBody))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		qs.respondWithError(w, r, http.StatusBadRequest, "Invalid JSON body", err)
		return
	}

	expected, verr := validateExpectedVersion(req.ExpectedVersion, r.Header.Get("If-Match"))
	if verr != nil {
		qs.respondWithValidationError(w, r, http.StatusBadRequest, []ValidationError{*verr})
		return
	}

	if ok, wait := qs.limiter.Allow(owner); !ok {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
		qs.respondWithError(w, r, http.StatusTooManyRequests, "Too many queue writes", nil)
		return
	}

	res, err := qs.service.Write(r.Context(), owner, expected, req.State(owner), deviceID)
	if err != nil {
		var modelErr *models.ValidationError
		switch {
		case errors.As(err, &modelErr):
			qs.respondWithValidationError(w, r, http.StatusUnprocessableEntity, []ValidationError{queueValidationError(modelErr)})
		case errors.Is(err, queue.ErrVersionAhead):
			qs.respondWithValidationError(w, r, http.StatusUnprocessableEntity, []ValidationError{{
				Field:   "expected_version",
				Message: err.Error(),
				Code:    "EXPECTED_VERSION_AHEAD",
			}})
		default:
			qs.respondWithError(w, r, http.StatusInternalServerError, "Error writing queue", err)
		}
		return
	}

	w.Header().Set("ETag", etag(res.State.Version))
	if res.Accepted {
		w.Header().Set(headerQueueWrite, writeAccepted)
		qs.devices.MarkWrite(owner, deviceID)
	} else {
		w.Header().Set(headerQueueWrite, writeSuperseded)
	}

	qs.respondJSON(w, http.StatusOK, models.WriteResponse{
		QueueState: res.State,
		Accepted:   res.Accepted,
	})
}

// handleGetDevices lists the devices following the caller's change stream
func (qs *QueueServer) handleGetDevices(w http.ResponseWriter, r *http.Request) {
	owner := ownerFromContext(r.Context())

	qs.respondJSON(w, http.StatusOK, map[string]interface{}{
		"owner_id": owner,
		"devices":  qs.devices.Devices(owner),
	})
}

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/single-chan-pktfwd/internal/auth"
	"github.com/lorawan-server/single-chan-pktfwd/internal/models"
	"github.com/lorawan-server/single-chan-pktfwd/internal/storage"
)

const maxFramesLimit = 500

// HandleHealth health check
func (s *RESTServer) HandleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"state":  s.controller.Status().State,
		"time":   time.Now(),
	})
}

// HandleRoot root handler
func (s *RESTServer) HandleRoot(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"service": "Single Channel Packet Forwarder",
		"version": s.version,
		"health":  "/api/v1/health",
		"status":  "/api/v1/status",
	})
}

// HandleStatus returns gateway identity, session state, statistics and the pending downlink
func (s *RESTServer) HandleStatus(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.controller.Status())
}

// HandleListFrames lists journaled frames
func (s *RESTServer) HandleListFrames(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.respondError(w, http.StatusServiceUnavailable, "frame journal disabled")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 20
	}
	if limit > maxFramesLimit {
		limit = maxFramesLimit
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}

	filter := storage.FrameFilter{Limit: limit, Offset: offset}
	switch dir := models.Direction(r.URL.Query().Get("direction")); dir {
	case "", models.DirectionUplink, models.DirectionDownlink:
		filter.Direction = dir
	default:
		s.respondError(w, http.StatusBadRequest, "invalid direction")
		return
	}

	if sid := r.URL.Query().Get("session"); sid != "" {
		id, err := uuid.Parse(sid)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid session id")
			return
		}
		filter.SessionID = &id
	}

	frames, total, err := s.store.ListFrames(r.Context(), filter)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list frames")
		s.respondError(w, http.StatusInternalServerError, "failed to list frames")
		return
	}

	if frames == nil {
		frames = []*models.Frame{}
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"frames": frames,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

// HandleGetFrame returns a single journaled frame
func (s *RESTServer) HandleGetFrame(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.respondError(w, http.StatusServiceUnavailable, "frame journal disabled")
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid frame id")
		return
	}

	frame, err := s.store.GetFrame(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "frame not found")
			return
		}
		log.Error().Err(err).Msg("Failed to get frame")
		s.respondError(w, http.StatusInternalServerError, "failed to get frame")
		return
	}

	s.respondJSON(w, http.StatusOK, frame)
}

// HandleStop stops the forwarder session
func (s *RESTServer) HandleStop(w http.ResponseWriter, r *http.Request) {
	claims, _ := r.Context().Value(claimsKey).(*auth.Claims)
	subject := ""
	if claims != nil {
		subject = claims.Subject
	}

	log.Info().Str("subject", subject).Msg("Stop requested through control API")
	s.controller.Stop()

	s.respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"state": s.controller.Status().State,
	})
}

// respondJSON responds with JSON
func (s *RESTServer) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(response)
}

// respondError responds with error
func (s *RESTServer) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{
		"error": message,
	})
}

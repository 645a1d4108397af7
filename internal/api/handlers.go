package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"slices"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-huddle/internal/apperr"
	"github.com/npezzotti/go-huddle/internal/registry"
	"github.com/npezzotti/go-huddle/internal/server"
)

type CreateRoomRequest struct {
	Name     string `json:"name"`
	Capacity int    `json:"capacity"`
	Type     string `json:"type"`
}

type HealthResponse struct {
	Status string `json:"status"`
	Pid    int    `json:"pid"`
}

func (s *HuddleApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("json encode")
	}
}

func (s *HuddleApp) writeError(w http.ResponseWriter, err error) {
	errResp := newApiError(err)
	if errResp.StatusCode >= http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("request failed")
	}
	s.writeJson(w, errResp.StatusCode, errResp)
}

func (s *HuddleApp) healthCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.log.Error().Err(err).Msg("health check failed")
		s.writeJson(w, http.StatusServiceUnavailable, HealthResponse{Status: "unhealthy", Pid: os.Getpid()})
		return
	}

	s.writeJson(w, http.StatusOK, HealthResponse{Status: "healthy", Pid: os.Getpid()})
}

func (s *HuddleApp) createRoom(w http.ResponseWriter, r *http.Request) {
	var req CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	room, err := s.registry.Create(r.Context(), registry.Defaults{
		Name:     req.Name,
		Capacity: req.Capacity,
		Type:     req.Type,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusCreated, room)
}

func (s *HuddleApp) getRoom(w http.ResponseWriter, r *http.Request) {
	room, err := s.registry.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, room)
}

func (s *HuddleApp) getAnalytics(w http.ResponseWriter, r *http.Request) {
	stats, err := s.analytics.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, stats)
}

func (s *HuddleApp) serveWs(w http.ResponseWriter, r *http.Request) {
	remoteIP := RemoteIP(r, s.trustProxy)
	if err := s.admission.Admit(r.Context(), remoteIP); err != nil {
		if errors.Is(err, apperr.ErrRateLimited) {
			w.Header().Set("Retry-After", "60")
		}
		s.writeError(w, err)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			// only allow connections from allowed origins
			origin := r.Header.Get("Origin")
			if origin == "" {
				// if no origin header, allow the request
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("remote_ip", remoteIP).Msg("error upgrading connection")
		return
	}

	userId, _ := UserId(r.Context())
	client := server.NewClient(conn, s.cs, s.log, userId)
	if !s.cs.Register(client) {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
		conn.Close()
		return
	}

	s.log.Debug().Str("connection_id", client.Id()).Str("remote_ip", remoteIP).Int("user_id", userId).Msg("client connected")
	go client.Write()
	go client.Read()
}

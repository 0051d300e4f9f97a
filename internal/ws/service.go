package ws

import (
	"net/http"

	"github.com/rs/zerolog"

	"github.com/agent-workspace/realtime/pkg/protocol"
)

// ServiceConfig holds the collaborators of a Service.
type ServiceConfig struct {
	Clock     *protocol.Clock
	Directory Directory
	Auth      Authenticator
	Publisher EventPublisher
	History   HistorySource
	Recorder  Recorder
	Options   HandlerOptions
}

// Service bundles the room manager and the connection handler.
type Service struct {
	rooms   *RoomManager
	handler *Handler
	logger  zerolog.Logger
}

// NewService creates a new WebSocket service.
func NewService(cfg ServiceConfig, logger zerolog.Logger) *Service {
	rooms := NewRoomManager(cfg.Clock, cfg.Directory, logger)
	if cfg.Recorder != nil {
		rooms.SetRecorder(cfg.Recorder)
	}
	handler := NewHandler(rooms, cfg.Auth, cfg.Publisher, cfg.History, cfg.Options, logger)

	return &Service{
		rooms:   rooms,
		handler: handler,
		logger:  logger,
	}
}

// Rooms returns the room manager.
func (s *Service) Rooms() *RoomManager {
	return s.rooms
}

// Handler returns the WebSocket handler.
func (s *Service) Handler() *Handler {
	return s.handler
}

// ServeHTTP upgrades and serves one connection.
func (s *Service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := s.handler.HandleConnection(w, r); err != nil {
		// the upgrader has already written an HTTP error
		s.logger.Debug().Err(err).Msg("websocket upgrade failed")
	}
}

// Stats returns connection and room counts.
func (s *Service) Stats() Stats {
	return s.rooms.Stats()
}

// Close closes all WebSocket connections.
func (s *Service) Close() {
	s.rooms.Close()
}

package mm

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Headers carrying market maker credentials on the upgrade request.
const (
	headerMMID   = "X-MM-ID"
	headerAPIKey = "X-API-Key"
)

// Authenticator verifies market maker credentials before an upgrade.
type Authenticator interface {
	// Authenticate reports whether the api key is valid for the market
	// maker identity.
	Authenticate(mmID uuid.UUID, apiKey string) bool
}

// AuthenticatorFunc adapts a function to the Authenticator interface.
type AuthenticatorFunc func(mmID uuid.UUID, apiKey string) bool

func (f AuthenticatorFunc) Authenticate(mmID uuid.UUID, apiKey string) bool {
	return f(mmID, apiKey)
}

// Server upgrades market maker HTTP requests to protocol connections and
// hands them to the registry.
type Server struct {
	registry *Registry
	auth     Authenticator
	logger   *logrus.Logger
	upgrader websocket.Upgrader
}

// NewServer creates a websocket endpoint for market maker connections.
//
// Parameters:
// - registry: the registry that owns live connections.
// - auth: the credential verifier.
// - logger: the logger for logging events.
//
// Returns:
// - *Server: a new Server instance.
func NewServer(registry *Registry, auth Authenticator, logger *logrus.Logger) *Server {
	return &Server{
		registry: registry,
		auth:     auth,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// ServeHTTP authenticates the request, upgrades it, and starts the
// connection pumps.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	mmID, err := uuid.Parse(r.Header.Get(headerMMID))
	if err != nil {
		http.Error(w, "missing or malformed market maker id", http.StatusBadRequest)
		return
	}

	if !s.auth.Authenticate(mmID, r.Header.Get(headerAPIKey)) {
		s.logger.WithField("mmID", mmID).Warn("Rejected market maker connection with invalid credentials")
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"mmID":  mmID,
			"error": err,
		}).Warn("Failed to upgrade market maker connection")
		return
	}

	conn := newConn(mmID, ws, s.logger)
	s.registry.register(conn)

	go conn.writePump()
	go conn.readPump(s.registry)

	if err := conn.Send(&Connected{
		Type:          TypeConnected,
		SessionID:     conn.SessionID(),
		ServerVersion: ProtocolVersion,
		Timestamp:     time.Now().UTC(),
	}); err != nil {
		s.logger.WithFields(logrus.Fields{
			"mmID":  mmID,
			"error": err,
		}).Warn("Failed to send connection acknowledgment")
	}
}

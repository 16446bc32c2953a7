package server

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/coder/websocket"
	_ "github.com/joho/godotenv/autoload"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog/log"

	"vtt-server/internal/combat"
	"vtt-server/internal/database"
)

const (
	// Clients silent longer than this are reaped by the background task.
	idleTimeout = 5 * time.Minute

	rateLimitRequests = 20
	rateLimitWindow   = time.Second
)

type Server struct {
	port       int
	db         database.Service
	registry   *Registry
	sessions   *SessionManager
	campaigns  *CampaignStore
	characters *CharacterStore
	machine    *combat.Machine
	limiter    *RateLimiter
	health     *ConnectionHealth

	reapStop chan struct{}
}

// NewServer wires the full service and returns both the Server (for
// shutdown) and the configured http.Server.
func NewServer() (*Server, *http.Server) {
	port, _ := strconv.Atoi(os.Getenv("PORT"))
	if port == 0 {
		port = 8080
	}

	dbService := database.New()

	if err := runMigrations(dbService.DB()); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}

	characters := NewCharacterStore(dbService.DB())
	sessions := NewSessionManager()
	if err := loadSessions(dbService.DB(), sessions); err != nil {
		// Start with empty sessions rather than refusing to boot.
		log.Warn().Err(err).Msg("failed to load persisted sessions")
	}

	srv := &Server{
		port:       port,
		db:         dbService,
		registry:   NewRegistry(),
		sessions:   sessions,
		campaigns:  NewCampaignStore(dbService.DB()),
		characters: characters,
		machine:    combat.NewMachine(characters),
		limiter:    NewRateLimiter(rateLimitRequests, rateLimitWindow),
		health:     NewConnectionHealth(),
		reapStop:   make(chan struct{}),
	}

	go srv.reapTask()

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", srv.port),
		Handler:      srv.RegisterRoutes(),
		IdleTimeout:  time.Minute,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	return srv, httpServer
}

// runMigrations applies database migrations using goose.
func runMigrations(db *sql.DB) error {
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	if err := goose.Up(db, "./db/migrations"); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	log.Info().Msg("database migrations applied")
	return nil
}

// loadSessions restores persisted session credentials into the in-memory
// manager.
func loadSessions(db *sql.DB, sm *SessionManager) error {
	store := NewSessionStore(db)
	sessions, err := store.LoadAll(context.Background())
	if err != nil {
		return err
	}

	for _, s := range sessions {
		sm.PutSession(s)
	}
	log.Info().Int("count", len(sessions)).Msg("restored sessions")
	return nil
}

// reapTask periodically closes connections that have gone silent and drops
// stale rate limiter entries.
func (s *Server) reapTask() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.reapStop:
			return
		case <-ticker.C:
		}

		for _, connID := range s.health.GetInactiveConnections(idleTimeout) {
			conn := s.registry.Remove(connID)
			s.health.RemoveConnection(connID)
			s.limiter.RemoveConnection(connID)
			if conn == nil {
				continue
			}
			log.Info().
				Str("connection", connID).
				Str("username", conn.Principal.Username).
				Msg("closing idle connection")
			conn.socket.Close(websocket.StatusGoingAway, "idle timeout")
			s.registry.Broadcast(conn.CampaignID, PresenceNotice{
				Type:     "user_disconnected",
				Username: conn.Principal.Username,
				UserID:   conn.Principal.UserID,
			}, connID)
		}

		s.limiter.Cleanup()
	}
}

// Shutdown closes every live websocket and the database handle.
func (s *Server) Shutdown(ctx context.Context) error {
	close(s.reapStop)
	s.registry.CloseAll(websocket.StatusGoingAway, "server shutting down")
	return s.db.Close()
}

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"vtt-server/internal/combat"
	"vtt-server/internal/dice"
)

func (s *Server) RegisterRoutes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", s.HelloWorldHandler)

	mux.HandleFunc("/health", s.healthHandler)

	mux.HandleFunc("/ws/game", s.websocketHandler)

	// Wrap the mux with CORS middleware
	return s.corsMiddleware(mux)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*") // Replace "*" with specific origins if needed
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS, PATCH")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-CSRF-Token")
		w.Header().Set("Access-Control-Allow-Credentials", "false")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) HelloWorldHandler(w http.ResponseWriter, r *http.Request) {
	resp := map[string]string{"message": "Hello World"}
	jsonResp, err := json.Marshal(resp)
	if err != nil {
		http.Error(w, "Failed to marshal response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(jsonResp); err != nil {
		log.Error().Err(err).Msg("failed to write response")
	}
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	resp, err := json.Marshal(s.db.Health())
	if err != nil {
		http.Error(w, "Failed to marshal health check response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(resp); err != nil {
		log.Error().Err(err).Msg("failed to write response")
	}
}

// websocketHandler is the session loop: authenticate, admit into the
// campaign room, then read and dispatch messages until the client goes
// away.
func (s *Server) websocketHandler(w http.ResponseWriter, r *http.Request) {
	campaignID, err := strconv.ParseInt(r.URL.Query().Get("campaign_id"), 10, 64)
	if err != nil {
		http.Error(w, "Missing or invalid campaign_id", http.StatusBadRequest)
		return
	}
	token := r.URL.Query().Get("token")

	socket, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"}, // TODO: make environment-specific
	})
	if err != nil {
		http.Error(w, "Failed to open websocket", http.StatusInternalServerError)
		return
	}

	session, err := s.sessions.GetSession(token)
	if err != nil {
		log.Warn().Int64("campaign", campaignID).Msg("rejected connection with invalid token")
		socket.Close(websocket.StatusPolicyViolation, "Invalid session token")
		return
	}

	ctx := r.Context()
	connectionID := uuid.New().String()
	conn := NewConnection(connectionID, campaignID, Principal{
		UserID:   session.UserID,
		Username: session.Username,
		IsDM:     session.IsDM,
	}, socket)

	log.Info().
		Str("connection", connectionID).
		Str("username", session.Username).
		Int64("campaign", campaignID).
		Msg("connection admitted")
	s.registry.Admit(conn)
	s.health.UpdateActivity(connectionID)

	defer func() {
		socket.Close(websocket.StatusGoingAway, "Server closing")
		s.health.RemoveConnection(connectionID)
		s.limiter.RemoveConnection(connectionID)

		if removed := s.registry.Remove(connectionID); removed != nil {
			log.Info().
				Str("connection", connectionID).
				Str("username", session.Username).
				Msg("connection closed")
			s.registry.Broadcast(campaignID, PresenceNotice{
				Type:     "user_disconnected",
				Username: session.Username,
				UserID:   session.UserID,
			}, connectionID)
		}
	}()

	for {
		msgType, data, err := socket.Read(ctx)
		if err != nil {
			log.Debug().Str("connection", connectionID).Err(err).Msg("read loop ended")
			return
		}

		if msgType != websocket.MessageText {
			continue
		}

		s.health.UpdateActivity(connectionID)

		if !s.limiter.Allow(connectionID) {
			s.sendError(conn, "RATE_LIMITED: Too many messages, slow down")
			continue
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.sendError(conn, "Invalid JSON")
			continue
		}

		if err := ValidateMessageType(msg.Type); err != nil {
			s.sendError(conn, err.Error())
			continue
		}

		switch msg.Type {
		case "ping":
			s.handlePing(conn)

		case "dice_roll":
			s.handleDiceRoll(conn, msg.Data)

		case "chat_message":
			s.handleChatMessage(conn, msg.Data)

		case "initiative_update":
			s.handleInitiativeUpdate(ctx, conn, msg.Data)

		case "map_update":
			s.handleMapUpdate(conn, msg.Data)
		}
	}
}

func (s *Server) handlePing(conn *Connection) {
	if err := s.registry.Send(conn, ServerMessage{Type: "pong", Data: struct{}{}}); err != nil {
		log.Debug().Str("connection", conn.ID).Err(err).Msg("failed to send pong")
	}
}

// handleDiceRoll validates the request, rolls, and delivers the result to
// either the whole room or the whisper targets plus the roller.
func (s *Server) handleDiceRoll(conn *Connection, payload json.RawMessage) {
	var req DiceRollRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		s.sendError(conn, "Invalid dice_roll payload")
		return
	}

	if !dice.ValidDie(req.DiceType) {
		s.sendError(conn, fmt.Sprintf("INVALID_DICE: d%d is not a supported die", req.DiceType))
		return
	}

	var advantage dice.Advantage
	switch req.Advantage {
	case string(dice.AdvantageNone):
		advantage = dice.AdvantageNone
	case string(dice.AdvantageHigh):
		advantage = dice.AdvantageHigh
	case string(dice.AdvantageLow):
		advantage = dice.AdvantageLow
	default:
		s.sendError(conn, fmt.Sprintf("INVALID_ADVANTAGE: %q is not a valid advantage mode", req.Advantage))
		return
	}

	numDice := req.NumDice
	if numDice == 0 {
		numDice = 1
	}

	result, err := dice.Roll(dice.RollRequest{
		NumDice:   numDice,
		Sides:     req.DiceType,
		Modifier:  req.Modifier,
		Advantage: advantage,
	})
	if err != nil {
		s.sendError(conn, err.Error())
		return
	}

	rollType := req.RollType
	if rollType == "" {
		rollType = "manual"
	}
	characterName := req.CharacterName
	if characterName == "" {
		characterName = conn.Principal.Username
	}
	var advantageOut *string
	if advantage != dice.AdvantageNone {
		a := string(advantage)
		advantageOut = &a
	}

	broadcast := DiceRollResult{
		CharacterName: characterName,
		DiceType:      req.DiceType,
		NumDice:       numDice,
		Rolls:         result.Rolls,
		AllRolls:      result.AllRolls,
		Advantage:     advantageOut,
		Modifier:      req.Modifier,
		Total:         result.Total,
		RollType:      rollType,
		Label:         req.Label,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		UserID:        conn.Principal.UserID,
		Username:      conn.Principal.Username,
		WhisperTo:     req.WhisperTo,
	}

	s.deliver(conn, ServerMessage{Type: "dice_roll_result", Data: broadcast}, req.WhisperTo)
}

func (s *Server) handleChatMessage(conn *Connection, payload json.RawMessage) {
	var req ChatRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		s.sendError(conn, "Invalid chat_message payload")
		return
	}

	broadcast := ChatBroadcast{
		Username:  conn.Principal.Username,
		UserID:    conn.Principal.UserID,
		Message:   req.Message,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		WhisperTo: req.WhisperTo,
	}

	s.deliver(conn, ServerMessage{Type: "chat_message", Data: broadcast}, req.WhisperTo)
}

// handleInitiativeUpdate runs one combat action through the state machine
// under the campaign lock and replicates the full resulting state to the
// room. Failures go back to the sender only; the shared state is untouched.
func (s *Server) handleInitiativeUpdate(ctx context.Context, conn *Connection, payload json.RawMessage) {
	var req combat.ActionRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		s.sendError(conn, "Invalid initiative_update payload")
		return
	}

	unlock := s.campaigns.LockCampaign(conn.CampaignID)
	defer unlock()

	state, err := s.campaigns.LoadCombatState(ctx, conn.CampaignID)
	if err != nil {
		s.sendError(conn, err.Error())
		return
	}

	next, err := s.machine.Apply(ctx, state, req)
	if err != nil {
		if errors.Is(err, combat.ErrUnknownAction) {
			s.sendError(conn, fmt.Sprintf("Unknown initiative action: %s", req.Action))
			return
		}
		s.sendError(conn, err.Error())
		return
	}

	if err := s.campaigns.SaveCombatState(ctx, conn.CampaignID, next); err != nil {
		s.sendError(conn, err.Error())
		return
	}

	s.registry.Broadcast(conn.CampaignID, ServerMessage{
		Type: "initiative_state",
		Data: next,
	}, "")
}

// handleMapUpdate relays map changes from the DM to everyone else in the
// room. The payload is passed through untouched.
func (s *Server) handleMapUpdate(conn *Connection, payload json.RawMessage) {
	if !conn.Principal.IsDM {
		s.sendError(conn, "NOT_AUTHORIZED: Only the DM can update the map")
		return
	}

	s.registry.Broadcast(conn.CampaignID, ServerMessage{
		Type: "map_update",
		Data: payload,
	}, conn.ID)
}

func (s *Server) sendError(conn *Connection, msg string) {
	err := s.registry.Send(conn, ErrorMessage{Type: "error", Message: msg})
	if err != nil {
		log.Debug().Str("connection", conn.ID).Err(err).Msg("failed to send error message")
	}
}

// deliver routes a message either to the whole room or, when whispered, to
// the target set plus the sender. The sender always sees its own message
// exactly once, even when it is also a whisper target.
func (s *Server) deliver(sender *Connection, msg ServerMessage, target WhisperTarget) {
	if target.Public() {
		s.registry.Broadcast(sender.CampaignID, msg, "")
		return
	}

	for _, conn := range s.whisperTargets(sender, target) {
		if err := s.registry.Send(conn, msg); err != nil {
			log.Debug().Str("connection", conn.ID).Err(err).Msg("whisper delivery failed")
		}
	}
}

// whisperTargets computes the recipient set for a whispered message: every
// matching connection in the room plus the sender, deduplicated by
// connection id.
func (s *Server) whisperTargets(sender *Connection, target WhisperTarget) []*Connection {
	recipients := []*Connection{sender}
	seen := map[string]bool{sender.ID: true}

	for _, conn := range s.registry.Members(sender.CampaignID) {
		if seen[conn.ID] {
			continue
		}
		match := false
		if target.ToDM {
			match = conn.Principal.IsDM
		} else {
			match = conn.Principal.UserID == target.UserID
		}
		if match {
			recipients = append(recipients, conn)
			seen[conn.ID] = true
		}
	}
	return recipients
}

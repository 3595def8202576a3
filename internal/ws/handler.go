package ws

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"chatify/internal/presence"
	"chatify/internal/security"
	"chatify/internal/service"
)

type wsAuthError struct {
	status int
	msg    string
}

func (e wsAuthError) Error() string {
	return e.msg
}

func normalizeAllowedOrigins(origins []string) map[string]struct{} {
	res := make(map[string]struct{}, len(origins))
	for _, origin := range origins {
		o := strings.TrimSpace(strings.ToLower(origin))
		if o != "" {
			res[o] = struct{}{}
		}
	}
	return res
}

func makeCheckOrigin(allowedOrigins []string) func(r *http.Request) bool {
	allowed := normalizeAllowedOrigins(allowedOrigins)
	if len(allowed) == 0 {
		return func(r *http.Request) bool {
			return false
		}
	}

	return func(r *http.Request) bool {
		origin := strings.TrimSpace(strings.ToLower(r.Header.Get("Origin")))
		if origin == "" {
			return false
		}
		if _, ok := allowed[origin]; ok {
			return true
		}

		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return false
		}
		normalized := strings.ToLower(fmt.Sprintf("%s://%s", u.Scheme, u.Host))
		_, ok := allowed[normalized]
		return ok
	}
}

func extractTokenFromWSRequest(r *http.Request) (string, error) {
	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		token := strings.TrimSpace(authHeader[len("Bearer "):])
		if token != "" {
			return token, nil
		}
	}

	protocolHeader := r.Header.Get("Sec-WebSocket-Protocol")
	if protocolHeader != "" {
		parts := strings.Split(protocolHeader, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		if len(parts) >= 2 && strings.EqualFold(parts[0], "bearer") {
			token := parts[1]
			if token != "" {
				return token, nil
			}
		}
	}

	return "", wsAuthError{status: http.StatusUnauthorized, msg: "missing bearer token"}
}

// MakeHandler returns an HTTP handler for the /ws endpoint.
// Authenticates via Bearer token (Authorization header or
// Sec-WebSocket-Protocol), registers the connection as the user's presence
// endpoint, then dispatches inbound events:
//   - message -> deliver through the orchestrator (optimistic by default)
//
// Disconnect unregisters this connection's own endpoint only; a newer
// connection for the same user is never evicted by a stale close.
func MakeHandler(
	registry *presence.Registry,
	tokens *security.TokenService,
	delivery *service.DeliveryService,
	allowedOrigins []string,
	logger zerolog.Logger,
) http.HandlerFunc {
	logger = logger.With().Str("component", "ws").Logger()
	checkOrigin := makeCheckOrigin(allowedOrigins)
	upgrader := websocket.Upgrader{
		CheckOrigin: checkOrigin,
		Subprotocols: []string{
			"bearer",
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		if !checkOrigin(r) {
			http.Error(w, "origin not allowed", http.StatusForbidden)
			return
		}

		tokenStr, err := extractTokenFromWSRequest(r)
		if err != nil {
			if authErr, ok := err.(wsAuthError); ok {
				http.Error(w, authErr.msg, authErr.status)
				return
			}
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		userID, err := tokens.ParseUserID(tokenStr)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		ep := newEndpoint(conn)
		registry.Register(userID, ep)
		broadcastPresence(registry, "user_online", userID)
		defer func() {
			registry.Unregister(userID, ep)
			broadcastPresence(registry, "user_offline", userID)
		}()

		ctx := r.Context()
		for {
			var payload struct {
				Type       string `json:"type"`
				ReceiverID int64  `json:"receiver_id"`
				Body       string `json:"body"`
				Optimistic *bool  `json:"optimistic"`
			}
			if err := conn.ReadJSON(&payload); err != nil {
				break
			}

			switch payload.Type {
			case "message":
				optimistic := true
				if payload.Optimistic != nil {
					optimistic = *payload.Optimistic
				}
				msg, err := delivery.SendMessage(ctx, service.SendInput{
					SenderID:   userID,
					ReceiverID: payload.ReceiverID,
					Body:       payload.Body,
					Optimistic: optimistic,
				})
				if err != nil {
					logger.Debug().Int64("user_id", userID).Err(err).Msg("send failed")
					sendError(ep, err.Error())
					continue
				}
				// Echo the accepted message back so the sender can track
				// its transient id until the commit notification.
				_ = ep.Deliver(service.RelayEvent{
					Type:        "message_accepted",
					TransientID: msg.TransientID,
					Message:     msg,
				})

			default:
				logger.Debug().Str("type", payload.Type).Int64("user_id", userID).Msg("unknown event type")
			}
		}
	}
}

func broadcastPresence(registry *presence.Registry, event string, userID int64) {
	payload := map[string]any{
		"type":    event,
		"user_id": userID,
		"online":  registry.Online(),
	}
	for _, id := range registry.Online() {
		if ep, ok := registry.Lookup(id); ok {
			_ = ep.Deliver(payload)
		}
	}
}

func sendError(ep *endpoint, msg string) {
	_ = ep.Deliver(map[string]any{
		"type":    "error",
		"message": msg,
	})
}

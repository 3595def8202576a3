package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"chatify/internal/domain"
	"chatify/internal/service"
)

type messageSendRequest struct {
	Body       string `json:"body"`
	Optimistic bool   `json:"optimistic"`
}

func handleSendMessage(delivery *service.DeliveryService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		callerID := CurrentUserID(r)
		if callerID == 0 {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		receiverID, err := strconv.ParseInt(chi.URLParam(r, "receiverID"), 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid receiver id"})
			return
		}
		var req messageSendRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
			return
		}

		msg, err := delivery.SendMessage(r.Context(), service.SendInput{
			SenderID:   callerID,
			ReceiverID: receiverID,
			Body:       req.Body,
			Optimistic: req.Optimistic,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, msg)
	}
}

func handleGetMessages(delivery *service.DeliveryService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		callerID := CurrentUserID(r)
		if callerID == 0 {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		otherID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid user id"})
			return
		}

		msgs, err := delivery.GetMessages(r.Context(), callerID, otherID)
		if err != nil {
			writeError(w, err)
			return
		}
		if msgs == nil {
			msgs = []*domain.Message{}
		}
		writeJSON(w, http.StatusOK, msgs)
	}
}

func handleMarkSeen(delivery *service.DeliveryService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		callerID := CurrentUserID(r)
		if callerID == 0 {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		messageID, err := strconv.ParseInt(chi.URLParam(r, "messageID"), 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid message id"})
			return
		}

		if err := delivery.MarkSeen(r.Context(), messageID, callerID); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": "message marked as seen"})
	}
}

func handleDeleteMessage(delivery *service.DeliveryService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		callerID := CurrentUserID(r)
		if callerID == 0 {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		messageID, err := strconv.ParseInt(chi.URLParam(r, "messageID"), 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid message id"})
			return
		}

		if err := delivery.SoftDelete(r.Context(), messageID, callerID); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": "message deleted"})
	}
}

// writeError maps sentinel errors to status codes so a rejected request
// carries a specific, retry-relevant reason.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	case errors.Is(err, domain.ErrForbidden):
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "forbidden"})
	case errors.Is(err, domain.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, domain.ErrBackpressure):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "server busy, retry later"})
	case errors.Is(err, domain.ErrTransientStore):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "temporary failure, retry later"})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

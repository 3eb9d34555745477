package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"lapio/internal/domain"
)

// chatPageLimit bounds one messages page; clients page by polling.
const chatPageLimit = 100

// pushTokensKey is the settings key holding the registered APNs device
// tokens as a JSON array.
const pushTokensKey = "push_device_tokens"

func (s *Server) handleChatMessages(w http.ResponseWriter, r *http.Request) {
	limit := chatPageLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	if limit > chatPageLimit {
		limit = chatPageLimit
	}

	rows, err := s.stores.Chat.ChatMessages(r.Context(), defaultUser, limit)
	if err != nil {
		s.log.Error("loading chat messages", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load messages")
		return
	}
	if rows == nil {
		rows = []domain.ChatMessage{}
	}
	writeJSON(w, rows)
}

func (s *Server) handleChatSend(w http.ResponseWriter, r *http.Request) {
	var body ChatSendRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	text := strings.TrimSpace(body.Text)
	if text == "" {
		writeError(w, http.StatusBadRequest, "text must not be empty")
		return
	}

	reply, userMsgID, err := s.analyst.GenerateReply(r.Context(), defaultUser, text)
	if err != nil {
		s.log.Error("chat reply failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to generate reply")
		return
	}
	writeJSON(w, ChatSendResponse{OK: true, UserMsgID: userMsgID, Reply: reply})
}

func (s *Server) handlePushRegister(w http.ResponseWriter, r *http.Request) {
	var body PushRegisterRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	token := strings.TrimSpace(body.Token)
	if token == "" {
		writeError(w, http.StatusBadRequest, "token must not be empty")
		return
	}

	ctx := r.Context()
	existing, err := s.stores.Settings.Setting(ctx, defaultUser, pushTokensKey, "")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load tokens")
		return
	}
	var tokens []string
	if existing != "" {
		if err := json.Unmarshal([]byte(existing), &tokens); err != nil {
			s.log.Warn("resetting unparsable push token list", "error", err)
			tokens = nil
		}
	}
	for _, t := range tokens {
		if t == token {
			writeJSON(w, OKResponse{OK: true})
			return
		}
	}
	tokens = append(tokens, token)
	buf, _ := json.Marshal(tokens)
	if err := s.stores.Settings.SetSetting(ctx, defaultUser, pushTokensKey, string(buf)); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to save token")
		return
	}
	writeJSON(w, OKResponse{OK: true})
}

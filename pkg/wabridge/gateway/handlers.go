package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/jholhewres/wabridge/pkg/wabridge/bridge"
	"github.com/jholhewres/wabridge/pkg/wabridge/session"
)

const version = "1.0.0"

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

// errorResponse is the consistent error format.
type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func (g *Gateway) writeError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	_ = enc.Encode(errorResponse{Error: struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	}{Message: msg, Code: code}})
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	_ = enc.Encode(v)
}

// writeServiceError maps service errors to HTTP status codes.
func (g *Gateway) writeServiceError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= 500 {
		g.logger.Warn("gateway: operation failed", "error", err)
	}
	g.writeError(w, err.Error(), code)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, bridge.ErrNotConnected):
		return http.StatusServiceUnavailable
	case errors.Is(err, bridge.ErrNotFound), errors.Is(err, bridge.ErrNoChallenge):
		return http.StatusNotFound
	case errors.Is(err, bridge.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrRecoveryInProgress):
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}

// decode reads a JSON body into v, writing a 400 on failure.
func (g *Gateway) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		g.writeError(w, "failed to read body", http.StatusBadRequest)
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		g.writeError(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func (g *Gateway) allow(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		g.writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func queryInt(r *http.Request, key string) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return 0
	}
	return n
}

// ---------- Session ----------

// handleHealth implements GET /health
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !g.allow(w, r, http.MethodGet) {
		return
	}
	uptime := time.Since(g.startedAt).Round(time.Second).String()
	if uptime == "0s" {
		uptime = "<1s"
	}
	g.writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"version":  version,
		"uptime":   uptime,
		"whatsapp": g.svc.Status().Status,
	})
}

// handleStatus implements GET /api/status
func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !g.allow(w, r, http.MethodGet) {
		return
	}
	g.writeJSON(w, http.StatusOK, g.svc.Status())
}

// handleQR implements GET /api/qr. It returns a PNG, or JSON with
// ?format=json.
func (g *Gateway) handleQR(w http.ResponseWriter, r *http.Request) {
	if !g.allow(w, r, http.MethodGet) {
		return
	}
	img, err := g.svc.QRImage()
	if err != nil {
		g.writeServiceError(w, err)
		return
	}
	if r.URL.Query().Get("format") == "json" {
		g.writeJSON(w, http.StatusOK, img)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(len(img.PNG)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(img.PNG)
}

// handleReconnect implements POST /api/reconnect
func (g *Gateway) handleReconnect(w http.ResponseWriter, r *http.Request) {
	if !g.allow(w, r, http.MethodPost) {
		return
	}
	if err := g.svc.Reconnect(r.Context()); err != nil {
		g.writeServiceError(w, err)
		return
	}
	g.writeJSON(w, http.StatusAccepted, g.svc.Status())
}

// handleResetAuth implements POST /api/reset-auth
func (g *Gateway) handleResetAuth(w http.ResponseWriter, r *http.Request) {
	if !g.allow(w, r, http.MethodPost) {
		return
	}
	if err := g.svc.ResetAuth(r.Context()); err != nil {
		g.writeServiceError(w, err)
		return
	}
	g.writeJSON(w, http.StatusAccepted, g.svc.Status())
}

// ---------- Contacts ----------

// handleListContacts implements GET /api/contacts?limit=
func (g *Gateway) handleListContacts(w http.ResponseWriter, r *http.Request) {
	if !g.allow(w, r, http.MethodGet) {
		return
	}
	list := g.svc.ListContacts(r.Context(), queryInt(r, "limit"))
	g.writeJSON(w, http.StatusOK, map[string]any{"contacts": list, "count": len(list)})
}

// handleFindContact implements GET /api/contacts/find?name=
func (g *Gateway) handleFindContact(w http.ResponseWriter, r *http.Request) {
	if !g.allow(w, r, http.MethodGet) {
		return
	}
	c, err := g.svc.FindContact(r.Context(), r.URL.Query().Get("name"))
	if err != nil {
		g.writeServiceError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, c)
}

// ---------- Messages ----------

// handleGetMessages implements GET /api/messages?contact=&limit=
func (g *Gateway) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	if !g.allow(w, r, http.MethodGet) {
		return
	}
	res, err := g.svc.GetMessages(r.Context(), r.URL.Query().Get("contact"), queryInt(r, "limit"))
	if err != nil {
		g.writeServiceError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, res)
}

// handleRecentMessages implements GET /api/messages/recent?limit=
func (g *Gateway) handleRecentMessages(w http.ResponseWriter, r *http.Request) {
	if !g.allow(w, r, http.MethodGet) {
		return
	}
	recent := g.svc.GetRecentMessages(queryInt(r, "limit"))
	g.writeJSON(w, http.StatusOK, map[string]any{"conversations": recent})
}

// handleSearch implements GET /api/messages/search?q=&conversation=&limit=
func (g *Gateway) handleSearch(w http.ResponseWriter, r *http.Request) {
	if !g.allow(w, r, http.MethodGet) {
		return
	}
	q := r.URL.Query()
	results, err := g.svc.SearchMessages(r.Context(), q.Get("q"), q.Get("conversation"), queryInt(r, "limit"))
	if err != nil {
		g.writeServiceError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"query": q.Get("q"), "results": results})
}

type fetchMoreRequest struct {
	Contact string `json:"contact"`
	Count   int    `json:"count"`
}

// handleFetchMore implements POST /api/messages/fetch-more
func (g *Gateway) handleFetchMore(w http.ResponseWriter, r *http.Request) {
	if !g.allow(w, r, http.MethodPost) {
		return
	}
	var req fetchMoreRequest
	if !g.decode(w, r, &req) {
		return
	}
	res, err := g.svc.FetchMoreMessages(r.Context(), req.Contact, req.Count)
	if err != nil {
		g.writeServiceError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, res)
}

// ---------- Writes ----------

type sendRequest struct {
	Recipient string `json:"recipient"`
	Name      string `json:"name"`
	Text      string `json:"text"`
}

// handleSend implements POST /api/send
func (g *Gateway) handleSend(w http.ResponseWriter, r *http.Request) {
	if !g.allow(w, r, http.MethodPost) {
		return
	}
	var req sendRequest
	if !g.decode(w, r, &req) {
		return
	}
	res, err := g.svc.SendMessage(r.Context(), req.Recipient, req.Text)
	if err != nil {
		g.writeServiceError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, res)
}

// handleSendToContact implements POST /api/send-to-contact
func (g *Gateway) handleSendToContact(w http.ResponseWriter, r *http.Request) {
	if !g.allow(w, r, http.MethodPost) {
		return
	}
	var req sendRequest
	if !g.decode(w, r, &req) {
		return
	}
	res, err := g.svc.SendToContact(r.Context(), req.Name, req.Text)
	if err != nil {
		g.writeServiceError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, res)
}

type sendMediaRequest struct {
	Recipient string `json:"recipient"`
	Path      string `json:"path"`
	Caption   string `json:"caption"`
}

// handleSendMedia implements POST /api/send-media
func (g *Gateway) handleSendMedia(w http.ResponseWriter, r *http.Request) {
	if !g.allow(w, r, http.MethodPost) {
		return
	}
	var req sendMediaRequest
	if !g.decode(w, r, &req) {
		return
	}
	res, err := g.svc.SendMedia(r.Context(), req.Recipient, req.Path, req.Caption)
	if err != nil {
		g.writeServiceError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, res)
}

type messageActionRequest struct {
	Chat        string `json:"chat"`
	MessageID   string `json:"message_id"`
	Text        string `json:"text"`
	Emoji       string `json:"emoji"`
	ForEveryone bool   `json:"for_everyone"`
	State       string `json:"state"`
}

// handleReply implements POST /api/reply
func (g *Gateway) handleReply(w http.ResponseWriter, r *http.Request) {
	if !g.allow(w, r, http.MethodPost) {
		return
	}
	var req messageActionRequest
	if !g.decode(w, r, &req) {
		return
	}
	res, err := g.svc.Reply(r.Context(), req.Chat, req.MessageID, req.Text)
	if err != nil {
		g.writeServiceError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, res)
}

// handleReact implements POST /api/react
func (g *Gateway) handleReact(w http.ResponseWriter, r *http.Request) {
	g.messageAction(w, r, func(req messageActionRequest) error {
		return g.svc.React(r.Context(), req.Chat, req.MessageID, req.Emoji)
	})
}

// handleEdit implements POST /api/edit
func (g *Gateway) handleEdit(w http.ResponseWriter, r *http.Request) {
	g.messageAction(w, r, func(req messageActionRequest) error {
		return g.svc.EditMessage(r.Context(), req.Chat, req.MessageID, req.Text)
	})
}

// handleDelete implements POST /api/delete
func (g *Gateway) handleDelete(w http.ResponseWriter, r *http.Request) {
	g.messageAction(w, r, func(req messageActionRequest) error {
		return g.svc.DeleteMessage(r.Context(), req.Chat, req.MessageID, req.ForEveryone)
	})
}

// handleTyping implements POST /api/typing
func (g *Gateway) handleTyping(w http.ResponseWriter, r *http.Request) {
	g.messageAction(w, r, func(req messageActionRequest) error {
		return g.svc.SetTypingState(r.Context(), req.Chat, req.State)
	})
}

func (g *Gateway) messageAction(w http.ResponseWriter, r *http.Request, fn func(messageActionRequest) error) {
	if !g.allow(w, r, http.MethodPost) {
		return
	}
	var req messageActionRequest
	if !g.decode(w, r, &req) {
		return
	}
	if err := fn(req); err != nil {
		g.writeServiceError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

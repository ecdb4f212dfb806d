package httpapi

import (
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/taskbridge/chat-app/internal/auth"
	"github.com/taskbridge/chat-app/internal/chat"
	"github.com/taskbridge/chat-app/internal/errs"
	"github.com/taskbridge/chat-app/internal/message"
	"github.com/taskbridge/chat-app/internal/ratelimit"
	"github.com/taskbridge/chat-app/internal/service"
)

// ---------------------------------------------------------------------
// Wire types
// ---------------------------------------------------------------------

type chatJSON struct {
	ID      int64     `json:"id"`
	TaskID  *int64    `json:"task_id,omitempty"`
	User1ID int64     `json:"user1_id"`
	User2ID int64     `json:"user2_id"`
	Created time.Time `json:"created_at"`
}

type summaryJSON struct {
	ChatID                   int64      `json:"chat_id"`
	TaskID                   *int64     `json:"task_id,omitempty"`
	PartnerID                int64      `json:"partner_id"`
	PartnerName              string     `json:"partner_name"`
	PartnerOnline            bool       `json:"partner_online"`
	PartnerTyping            bool       `json:"partner_typing"`
	LastMessageSnippet       string     `json:"last_message,omitempty"`
	LastMessageTime          *time.Time `json:"last_message_time,omitempty"`
	UnreadCount              int        `json:"unread_count"`
	LastMessageReadByPartner bool       `json:"last_message_read"`
}

type messageJSON struct {
	ID               int64      `json:"id"`
	ChatID           int64      `json:"chat_id"`
	SenderID         int64      `json:"sender_id"`
	Content          *string    `json:"content"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        *time.Time `json:"updated_at,omitempty"`
	IsEdited         bool       `json:"is_edited"`
	IsRead           bool       `json:"is_read"`
	AttachmentKey    *string    `json:"attachment_key,omitempty"`
	OriginalFileName *string    `json:"original_file_name,omitempty"`
	MimeType         *string    `json:"mime_type,omitempty"`
}

func toChatJSON(c *chat.Chat) chatJSON {
	return chatJSON{
		ID:      c.ID,
		TaskID:  c.TaskID,
		User1ID: c.User1ID,
		User2ID: c.User2ID,
		Created: c.CreatedAt,
	}
}

func toSummaryJSON(s service.ChatSummary) summaryJSON {
	return summaryJSON{
		ChatID:                   s.ChatID,
		TaskID:                   s.TaskID,
		PartnerID:                s.PartnerID,
		PartnerName:              s.PartnerName,
		PartnerOnline:            s.PartnerOnline,
		PartnerTyping:            s.PartnerTyping,
		LastMessageSnippet:       s.LastMessageSnippet,
		LastMessageTime:          s.LastMessageTime,
		UnreadCount:              s.UnreadCount,
		LastMessageReadByPartner: s.LastMessageReadByPartner,
	}
}

func toMessageJSON(m *message.Message) messageJSON {
	return messageJSON{
		ID:               m.ID,
		ChatID:           m.ChatID,
		SenderID:         m.SenderID,
		Content:          m.Content,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
		IsEdited:         m.IsEdited,
		IsRead:           m.IsRead,
		AttachmentKey:    m.FilePath,
		OriginalFileName: m.OriginalFileName,
		MimeType:         m.MimeType,
	}
}

func pathID(r *http.Request, name string) (int64, error) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, errs.Wrap(errs.ErrInvalid, "httpapi: %s %q is not a valid id", name, raw)
	}
	return id, nil
}

func principal(r *http.Request) auth.Principal {
	p, _ := auth.FromContext(r.Context())
	return p
}

// ---------------------------------------------------------------------
// Chats
// ---------------------------------------------------------------------

func (s *Server) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	taskID, err := pathID(r, "taskID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	c, err := s.svc.CreateChatFromTask(r.Context(), principal(r), taskID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toChatJSON(c))
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.svc.ListChats(r.Context(), principal(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]summaryJSON, 0, len(summaries))
	for _, sum := range summaries {
		out = append(out, toSummaryJSON(sum))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetChat(w http.ResponseWriter, r *http.Request) {
	chatID, err := pathID(r, "chatID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	summary, err := s.svc.GetChat(r.Context(), principal(r), chatID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSummaryJSON(summary))
}

func (s *Server) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	chatID, err := pathID(r, "chatID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.svc.DeleteChat(r.Context(), principal(r), chatID); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// ---------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------

// handleSendMessage accepts either a JSON body {"text": ...} or a
// multipart form with a "text" field and/or a "file" part.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	chatID, err := pathID(r, "chatID")
	if err != nil {
		writeError(w, r, err)
		return
	}

	allowed, _ := s.limiter.Allow(r.Context(), strconv.FormatInt(p.ID, 10), ratelimit.RuleMessage)
	if !allowed {
		writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "rate limit exceeded"})
		return
	}

	var (
		text   string
		upload *service.Upload
	)
	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "multipart/form-data") {
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			writeError(w, r, errs.Wrap(errs.ErrInvalid, "httpapi: parse multipart form: %v", err))
			return
		}
		text = r.FormValue("text")
		file, header, err := r.FormFile("file")
		if err == nil {
			defer file.Close()
			upload = &service.Upload{
				Reader:   file,
				Name:     header.Filename,
				MimeType: header.Header.Get("Content-Type"),
			}
		} else if err != http.ErrMissingFile {
			writeError(w, r, errs.Wrap(errs.ErrInvalid, "httpapi: read file part: %v", err))
			return
		}
	} else {
		var body struct {
			Text string `json:"text"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, r, errs.Wrap(errs.ErrInvalid, "httpapi: decode body: %v", err))
			return
		}
		text = body.Text
	}

	m, err := s.svc.SendMessage(r.Context(), p, chatID, text, upload)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toMessageJSON(m))
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	chatID, err := pathID(r, "chatID")
	if err != nil {
		writeError(w, r, err)
		return
	}

	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	pageSize, _ := strconv.Atoi(q.Get("page_size"))
	order, err := message.ParseOrder(q.Get("order"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	msgs, err := s.svc.PageMessages(r.Context(), principal(r), chatID, page, pageSize, order)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]messageJSON, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toMessageJSON(m))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleEditMessage(w http.ResponseWriter, r *http.Request) {
	messageID, err := pathID(r, "messageID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var body struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, r, errs.Wrap(errs.ErrInvalid, "httpapi: decode body: %v", err))
		return
	}

	m, err := s.svc.EditMessage(r.Context(), principal(r), messageID, body.Text)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toMessageJSON(m))
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	messageID, err := pathID(r, "messageID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.svc.DeleteMessage(r.Context(), principal(r), messageID); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// ---------------------------------------------------------------------
// Read receipts and typing
// ---------------------------------------------------------------------

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	chatID, err := pathID(r, "chatID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	count, err := s.svc.MarkRead(r.Context(), principal(r), chatID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"marked_read": count})
}

func (s *Server) handleTyping(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	chatID, err := pathID(r, "chatID")
	if err != nil {
		writeError(w, r, err)
		return
	}

	allowed, _ := s.limiter.Allow(r.Context(), strconv.FormatInt(p.ID, 10), ratelimit.RuleTyping)
	if !allowed {
		writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "rate limit exceeded"})
		return
	}

	if err := s.svc.Typing(r.Context(), p, chatID); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ---------------------------------------------------------------------
// Attachments
// ---------------------------------------------------------------------

func (s *Server) handleAttachment(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	content, err := s.svc.OpenAttachment(r.Context(), principal(r), key)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer content.File.Close()

	if content.MimeType != "" {
		w.Header().Set("Content-Type", content.MimeType)
	}
	name := content.Name
	if name == "" {
		name = key
	}
	w.Header().Set("Content-Disposition",
		mime.FormatMediaType("attachment", map[string]string{"filename": name}))

	info, err := content.File.Stat()
	if err != nil {
		writeError(w, r, fmt.Errorf("httpapi: stat attachment %q: %w", key, err))
		return
	}
	http.ServeContent(w, r, name, info.ModTime(), content.File)
}

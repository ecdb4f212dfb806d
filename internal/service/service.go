// Package service is the chat core's orchestrator. It enforces
// authorization (only the two participants may act on a chat, only the
// sender on a message), mutates the durable stores, refreshes
// presence, and pushes events to live connections. Stores are always
// written first; broadcasting is best effort and never rolls a
// committed write back.
package service

import (
	"context"
	"io"
	"log"
	"os"
	"sort"
	"time"

	"github.com/taskbridge/chat-app/internal/attach"
	"github.com/taskbridge/chat-app/internal/auth"
	"github.com/taskbridge/chat-app/internal/chat"
	"github.com/taskbridge/chat-app/internal/errs"
	"github.com/taskbridge/chat-app/internal/event"
	"github.com/taskbridge/chat-app/internal/message"
	"github.com/taskbridge/chat-app/internal/metrics"
	"github.com/taskbridge/chat-app/internal/presence"
	"github.com/taskbridge/chat-app/internal/task"
)

// Broadcaster delivers an event to every live connection of a chat.
// The in-process registry implements it directly; the NATS relay wraps
// it for multi-process deployments.
type Broadcaster interface {
	Broadcast(chatID int64, ev event.Event)
}

// Service composes the chat core's components into the externally
// visible operations.
type Service struct {
	chats       *chat.Store
	messages    *message.Store
	attachments *attach.Store
	presence    *presence.Tracker
	directory   *task.Directory
	broadcaster Broadcaster
}

// New wires a Service from its components.
func New(
	chats *chat.Store,
	messages *message.Store,
	attachments *attach.Store,
	tracker *presence.Tracker,
	directory *task.Directory,
	broadcaster Broadcaster,
) *Service {
	return &Service{
		chats:       chats,
		messages:    messages,
		attachments: attachments,
		presence:    tracker,
		directory:   directory,
		broadcaster: broadcaster,
	}
}

// Touch records the principal's activity for presence derivation.
// Failures only cost presence accuracy, so they are logged and
// swallowed.
func (s *Service) Touch(ctx context.Context, userID int64) {
	if err := s.presence.Touch(ctx, userID, time.Now()); err != nil {
		log.Printf("service: presence touch user %d: %v", userID, err)
	}
}

// authorizeChat loads a chat and verifies the principal is one of its
// participants.
func (s *Service) authorizeChat(ctx context.Context, chatID, userID int64) (*chat.Chat, error) {
	c, err := s.chats.Get(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if !c.IsParticipant(userID) {
		return nil, errs.Wrap(errs.ErrForbidden, "service: user %d has no access to chat %d", userID, chatID)
	}
	return c, nil
}

// CreateChatFromTask returns the chat between the caller and the other
// party of a task, creating it on first contact. For an unclaimed task
// the caller takes the executor side opposite the task's customer; for
// a claimed task the chat pairs customer and executor, and the caller
// must be one of them. Creation is idempotent: both parties get the
// same chat id no matter who calls first.
func (s *Service) CreateChatFromTask(ctx context.Context, p auth.Principal, taskID int64) (*chat.Chat, error) {
	customerID, executorID, err := s.directory.Participants(ctx, taskID)
	if err != nil {
		return nil, err
	}

	userA, userB := customerID, executorID
	if executorID == 0 {
		userB = p.ID
	} else if p.ID != customerID && p.ID != executorID {
		return nil, errs.Wrap(errs.ErrForbidden, "service: user %d is not a party of task %d", p.ID, taskID)
	}

	return s.chats.FindOrCreate(ctx, userA, userB, &taskID)
}

// ChatSummary is one entry of the chat list: the partner's identity
// and derived state plus a preview of the most recent message.
type ChatSummary struct {
	ChatID                   int64
	TaskID                   *int64
	PartnerID                int64
	PartnerName              string
	PartnerOnline            bool
	PartnerTyping            bool
	LastMessageSnippet       string
	LastMessageTime          *time.Time
	UnreadCount              int
	LastMessageReadByPartner bool
}

// summarize builds the list entry for one chat from the viewer's
// perspective.
func (s *Service) summarize(ctx context.Context, c *chat.Chat, viewerID int64, now time.Time) (ChatSummary, error) {
	partnerID := c.Partner(viewerID)

	partnerName, err := s.directory.Username(ctx, partnerID)
	if err != nil {
		return ChatSummary{}, err
	}
	online, err := s.presence.IsOnline(ctx, partnerID, now)
	if err != nil {
		// Presence is cosmetic; a Redis hiccup must not break the list.
		log.Printf("service: presence check user %d: %v", partnerID, err)
	}
	unread, err := s.messages.UnreadCount(ctx, c.ID, partnerID)
	if err != nil {
		return ChatSummary{}, err
	}
	latest, err := s.messages.Latest(ctx, c.ID)
	if err != nil {
		return ChatSummary{}, err
	}

	summary := ChatSummary{
		ChatID:        c.ID,
		TaskID:        c.TaskID,
		PartnerID:     partnerID,
		PartnerName:   partnerName,
		PartnerOnline: online,
		PartnerTyping: c.PartnerTyping(viewerID, now),
		UnreadCount:   unread,
	}
	if latest != nil {
		t := latest.CreatedAt
		summary.LastMessageSnippet = latest.Snippet()
		summary.LastMessageTime = &t
		summary.LastMessageReadByPartner = latest.SenderID == viewerID && latest.IsRead
	}
	return summary, nil
}

// ListChats returns the caller's chat list, sorted by last-message
// time descending with empty chats last (those fall back to chat
// creation order).
func (s *Service) ListChats(ctx context.Context, p auth.Principal) ([]ChatSummary, error) {
	chats, err := s.chats.ListForParticipant(ctx, p.ID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	summaries := make([]ChatSummary, 0, len(chats))
	for _, c := range chats {
		summary, err := s.summarize(ctx, c, p.ID, now)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, summary)
	}

	// ListForParticipant already yields newest chats first, so a stable
	// sort keeps creation order as the tie-break for empty chats.
	sort.SliceStable(summaries, func(i, j int) bool {
		ti, tj := summaries[i].LastMessageTime, summaries[j].LastMessageTime
		switch {
		case ti == nil:
			return false
		case tj == nil:
			return true
		}
		return ti.After(*tj)
	})
	return summaries, nil
}

// GetChat returns one chat-list entry, authorization-checked.
func (s *Service) GetChat(ctx context.Context, p auth.Principal, chatID int64) (ChatSummary, error) {
	c, err := s.authorizeChat(ctx, chatID, p.ID)
	if err != nil {
		return ChatSummary{}, err
	}
	return s.summarize(ctx, c, p.ID, time.Now())
}

// CanAccess verifies chat membership without building a summary. The
// push-channel upgrade uses it before registering a connection.
func (s *Service) CanAccess(ctx context.Context, p auth.Principal, chatID int64) error {
	_, err := s.authorizeChat(ctx, chatID, p.ID)
	return err
}

// Upload is an incoming attachment stream.
type Upload struct {
	Reader   io.Reader
	Name     string
	MimeType string
}

// SendMessage appends a message with text, an attachment, or both. The
// attachment file is written before the row; if the row insert then
// fails, the just-written file is removed so no orphan survives. On
// success a MessageCreated event is broadcast.
func (s *Service) SendMessage(ctx context.Context, p auth.Principal, chatID int64, text string, upload *Upload) (*message.Message, error) {
	if _, err := s.authorizeChat(ctx, chatID, p.ID); err != nil {
		return nil, err
	}

	var att *message.Attachment
	if upload != nil {
		key, err := s.attachments.Save(upload.Reader, upload.Name)
		if err != nil {
			return nil, err
		}
		att = &message.Attachment{
			StorageKey:   key,
			OriginalName: upload.Name,
			MimeType:     upload.MimeType,
		}
	}

	m, err := s.messages.Append(ctx, chatID, p.ID, text, att)
	if err != nil {
		if att != nil {
			if derr := s.attachments.Delete(att.StorageKey); derr != nil {
				log.Printf("service: orphan attachment cleanup %q: %v", att.StorageKey, derr)
			}
		}
		return nil, err
	}
	metrics.MessagesTotal.WithLabelValues("sent").Inc()

	created := event.MessageCreated{
		ChatID:    m.ChatID,
		MessageID: m.ID,
		SenderID:  m.SenderID,
		CreatedAt: m.CreatedAt,
	}
	if m.Content != nil {
		created.Content = *m.Content
	}
	if m.OriginalFileName != nil {
		created.FileName = *m.OriginalFileName
	}
	if m.MimeType != nil {
		created.MimeType = *m.MimeType
	}
	s.broadcaster.Broadcast(m.ChatID, created)
	return m, nil
}

// EditMessage replaces a message's text. Sender-only and text-only;
// the store enforces both. Broadcasts MessageEdited.
func (s *Service) EditMessage(ctx context.Context, p auth.Principal, messageID int64, newContent string) (*message.Message, error) {
	m, err := s.messages.Edit(ctx, messageID, p.ID, newContent)
	if err != nil {
		return nil, err
	}
	metrics.MessagesTotal.WithLabelValues("edited").Inc()

	edited := event.MessageEdited{
		ChatID:    m.ChatID,
		MessageID: m.ID,
	}
	if m.Content != nil {
		edited.Content = *m.Content
	}
	if m.UpdatedAt != nil {
		edited.UpdatedAt = *m.UpdatedAt
	}
	s.broadcaster.Broadcast(m.ChatID, edited)
	return m, nil
}

// DeleteMessage removes a message row and, best effort, its attachment
// file. Broadcasts MessageDeleted.
func (s *Service) DeleteMessage(ctx context.Context, p auth.Principal, messageID int64) error {
	m, err := s.messages.Remove(ctx, messageID, p.ID)
	if err != nil {
		return err
	}
	metrics.MessagesTotal.WithLabelValues("deleted").Inc()

	if m.FilePath != nil {
		if err := s.attachments.Delete(*m.FilePath); err != nil {
			log.Printf("service: delete attachment %q for message %d: %v", *m.FilePath, m.ID, err)
		}
	}
	s.broadcaster.Broadcast(m.ChatID, event.MessageDeleted{ChatID: m.ChatID, MessageID: m.ID})
	return nil
}

// PageMessages returns one page of a chat's history, authorization-
// checked.
func (s *Service) PageMessages(ctx context.Context, p auth.Principal, chatID int64, page, pageSize int, order message.Order) ([]*message.Message, error) {
	if _, err := s.authorizeChat(ctx, chatID, p.ID); err != nil {
		return nil, err
	}
	return s.messages.Page(ctx, chatID, page, pageSize, order)
}

// MarkRead flips every partner-authored unread message in the chat to
// read and returns the count. A ReadReceipt event is broadcast only
// when something actually changed, so repeated calls stay idempotent
// on the wire too.
func (s *Service) MarkRead(ctx context.Context, p auth.Principal, chatID int64) (int64, error) {
	if _, err := s.authorizeChat(ctx, chatID, p.ID); err != nil {
		return 0, err
	}
	count, err := s.messages.MarkRead(ctx, chatID, p.ID)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		s.broadcaster.Broadcast(chatID, event.ReadReceipt{ChatID: chatID, ReaderID: p.ID, Count: count})
	}
	return count, nil
}

// Typing records the caller's typing timestamp and pushes a TypingPing
// to live connections. Pollers and push consumers observe the same
// 5-second staleness window.
func (s *Service) Typing(ctx context.Context, p auth.Principal, chatID int64) error {
	if err := s.chats.RecordTyping(ctx, chatID, p.ID, time.Now()); err != nil {
		return err
	}
	s.broadcaster.Broadcast(chatID, event.TypingPing{ChatID: chatID, UserID: p.ID})
	return nil
}

// AttachmentContent is an opened attachment plus the metadata needed
// to serve it for download.
type AttachmentContent struct {
	File     *os.File
	Name     string
	MimeType string
}

// OpenAttachment resolves a storage key to its owning message, checks
// that the caller participates in that chat, and opens the file. The
// caller closes the file.
func (s *Service) OpenAttachment(ctx context.Context, p auth.Principal, key string) (*AttachmentContent, error) {
	if err := attach.ValidateKey(key); err != nil {
		return nil, err
	}
	m, err := s.messages.ByStorageKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if _, err := s.authorizeChat(ctx, m.ChatID, p.ID); err != nil {
		return nil, err
	}

	f, err := s.attachments.Open(key)
	if err != nil {
		return nil, err
	}
	content := &AttachmentContent{File: f}
	if m.OriginalFileName != nil {
		content.Name = *m.OriginalFileName
	}
	if m.MimeType != nil {
		content.MimeType = *m.MimeType
	}
	return content, nil
}

// DeleteChat removes a chat, its messages and their attachment files.
// The row cascade is transactional; file removal afterwards is best
// effort.
func (s *Service) DeleteChat(ctx context.Context, p auth.Principal, chatID int64) error {
	if _, err := s.authorizeChat(ctx, chatID, p.ID); err != nil {
		return err
	}
	keys, err := s.chats.Delete(ctx, chatID)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := s.attachments.Delete(key); err != nil {
			log.Printf("service: delete attachment %q for chat %d: %v", key, chatID, err)
		}
	}
	return nil
}

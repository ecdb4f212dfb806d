package service

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/taskbridge/chat-app/internal/attach"
	"github.com/taskbridge/chat-app/internal/auth"
	"github.com/taskbridge/chat-app/internal/chat"
	"github.com/taskbridge/chat-app/internal/errs"
	"github.com/taskbridge/chat-app/internal/event"
	"github.com/taskbridge/chat-app/internal/message"
	"github.com/taskbridge/chat-app/internal/presence"
	"github.com/taskbridge/chat-app/internal/task"
)

// captureBroadcaster records broadcast events instead of pushing them
// to connections.
type captureBroadcaster struct {
	mu     sync.Mutex
	events []event.Event
}

func (b *captureBroadcaster) Broadcast(_ int64, ev event.Event) {
	b.mu.Lock()
	b.events = append(b.events, ev)
	b.mu.Unlock()
}

func (b *captureBroadcaster) last(t *testing.T) event.Event {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.events) == 0 {
		t.Fatal("expected a broadcast event, got none")
	}
	return b.events[len(b.events)-1]
}

func (b *captureBroadcaster) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// newTestService builds a full service against the database named by
// CHAT_TEST_DATABASE_URL, a local Redis, and a temp attachment dir.
// Tests that call this helper are skipped when either backend is
// unavailable.
func newTestService(t *testing.T) (*Service, *captureBroadcaster, *sql.DB) {
	t.Helper()
	dsn := os.Getenv("CHAT_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("CHAT_TEST_DATABASE_URL not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	if err := db.Ping(); err != nil {
		t.Skipf("postgres not available: %v", err)
	}

	m, err := migrate.New("file://../../migrations", dsn)
	if err != nil {
		t.Fatalf("init migrations: %v", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		t.Fatalf("run migrations: %v", err)
	}

	ctx := context.Background()
	if _, err := db.ExecContext(ctx, `TRUNCATE messages, chats RESTART IDENTITY CASCADE`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	if _, err := db.ExecContext(ctx, `
		INSERT INTO users (id, username) VALUES (1, 'alice'), (2, 'bob'), (3, 'carol')
		ON CONFLICT (id) DO NOTHING`); err != nil {
		t.Fatalf("seed users: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}

	attachments, err := attach.NewStore(t.TempDir(), 1<<20)
	if err != nil {
		t.Fatalf("attach store: %v", err)
	}

	broadcaster := &captureBroadcaster{}
	svc := New(
		chat.NewStore(db),
		message.NewStore(db),
		attachments,
		presence.NewTracker(redisClient),
		task.NewDirectory(db),
		broadcaster,
	)

	t.Cleanup(func() {
		redisClient.Close()
		db.Close()
	})
	return svc, broadcaster, db
}

func seedTask(t *testing.T, db *sql.DB, customerID int64, executorID int64) int64 {
	t.Helper()
	var (
		id       int64
		executor sql.NullInt64
	)
	if executorID != 0 {
		executor = sql.NullInt64{Int64: executorID, Valid: true}
	}
	err := db.QueryRow(`
		INSERT INTO tasks (customer_id, executor_id) VALUES ($1, $2) RETURNING id`,
		customerID, executor).Scan(&id)
	if err != nil {
		t.Fatalf("seed task: %v", err)
	}
	return id
}

var (
	alice = auth.Principal{ID: 1, Username: "alice"}
	bob   = auth.Principal{ID: 2, Username: "bob"}
	carol = auth.Principal{ID: 3, Username: "carol"}
)

func TestCreateChatFromTask_ClaimedTask(t *testing.T) {
	svc, _, db := newTestService(t)
	ctx := context.Background()

	// Task owned by alice, claimed by bob. Either party gets the same
	// chat; it always pairs customer and executor.
	taskID := seedTask(t, db, 1, 2)

	c1, err := svc.CreateChatFromTask(ctx, alice, taskID)
	if err != nil {
		t.Fatalf("CreateChatFromTask(alice): %v", err)
	}
	if !c1.IsParticipant(1) || !c1.IsParticipant(2) {
		t.Errorf("chat pairs %d and %d, want 1 and 2", c1.User1ID, c1.User2ID)
	}

	c2, err := svc.CreateChatFromTask(ctx, bob, taskID)
	if err != nil {
		t.Fatalf("CreateChatFromTask(bob): %v", err)
	}
	if c2.ID != c1.ID {
		t.Errorf("bob got chat %d, alice got %d; want the same chat", c2.ID, c1.ID)
	}

	// A third party is rejected.
	if _, err := svc.CreateChatFromTask(ctx, carol, taskID); !errors.Is(err, errs.ErrForbidden) {
		t.Fatalf("expected ErrForbidden for non-party, got %v", err)
	}
}

func TestCreateChatFromTask_UnclaimedTask(t *testing.T) {
	svc, _, db := newTestService(t)
	ctx := context.Background()

	// Unclaimed task owned by alice: an interested caller chats with
	// the customer.
	taskID := seedTask(t, db, 1, 0)

	c, err := svc.CreateChatFromTask(ctx, bob, taskID)
	if err != nil {
		t.Fatalf("CreateChatFromTask(bob): %v", err)
	}
	if !c.IsParticipant(1) || !c.IsParticipant(2) {
		t.Errorf("chat pairs %d and %d, want 1 and 2", c.User1ID, c.User2ID)
	}

	// The customer calling on their own unclaimed task would be a
	// self-chat.
	if _, err := svc.CreateChatFromTask(ctx, alice, taskID); !errors.Is(err, errs.ErrInvalid) {
		t.Fatalf("expected ErrInvalid for self-chat, got %v", err)
	}
}

func TestCreateChatFromTask_MissingTask(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.CreateChatFromTask(context.Background(), alice, 9999)
	if !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSendMessage_BroadcastsAfterStore(t *testing.T) {
	svc, broadcaster, db := newTestService(t)
	ctx := context.Background()

	taskID := seedTask(t, db, 1, 2)
	c, err := svc.CreateChatFromTask(ctx, alice, taskID)
	if err != nil {
		t.Fatalf("CreateChatFromTask(): %v", err)
	}

	m, err := svc.SendMessage(ctx, alice, c.ID, "hello bob", nil)
	if err != nil {
		t.Fatalf("SendMessage(): %v", err)
	}

	ev, ok := broadcaster.last(t).(event.MessageCreated)
	if !ok {
		t.Fatalf("last event = %T, want MessageCreated", broadcaster.last(t))
	}
	if ev.MessageID != m.ID || ev.ChatID != c.ID || ev.Content != "hello bob" {
		t.Errorf("broadcast %+v does not match stored message %d", ev, m.ID)
	}
}

func TestSendMessage_NonParticipant(t *testing.T) {
	svc, broadcaster, db := newTestService(t)
	ctx := context.Background()

	taskID := seedTask(t, db, 1, 2)
	c, err := svc.CreateChatFromTask(ctx, alice, taskID)
	if err != nil {
		t.Fatalf("CreateChatFromTask(): %v", err)
	}

	if _, err := svc.SendMessage(ctx, carol, c.ID, "let me in", nil); !errors.Is(err, errs.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if broadcaster.count() != 0 {
		t.Error("rejected send must not broadcast")
	}
}

func TestSendMessage_WithUpload(t *testing.T) {
	svc, broadcaster, db := newTestService(t)
	ctx := context.Background()

	taskID := seedTask(t, db, 1, 2)
	c, err := svc.CreateChatFromTask(ctx, alice, taskID)
	if err != nil {
		t.Fatalf("CreateChatFromTask(): %v", err)
	}

	upload := &Upload{
		Reader:   strings.NewReader("pdf bytes"),
		Name:     "contract.pdf",
		MimeType: "application/pdf",
	}
	m, err := svc.SendMessage(ctx, alice, c.ID, "", upload)
	if err != nil {
		t.Fatalf("SendMessage(): %v", err)
	}
	if !m.HasAttachment() {
		t.Fatal("expected stored attachment")
	}

	ev := broadcaster.last(t).(event.MessageCreated)
	if ev.FileName != "contract.pdf" || ev.MimeType != "application/pdf" {
		t.Errorf("broadcast attachment metadata = %+v", ev)
	}

	// The file is downloadable by the other participant under the
	// original name.
	content, err := svc.OpenAttachment(ctx, bob, *m.FilePath)
	if err != nil {
		t.Fatalf("OpenAttachment(): %v", err)
	}
	defer content.File.Close()
	body, _ := io.ReadAll(content.File)
	if string(body) != "pdf bytes" {
		t.Errorf("downloaded %q, want %q", body, "pdf bytes")
	}
	if content.Name != "contract.pdf" {
		t.Errorf("download name = %q, want original name", content.Name)
	}

	// A third party cannot download it.
	if _, err := svc.OpenAttachment(ctx, carol, *m.FilePath); !errors.Is(err, errs.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestMarkRead_BroadcastsOnlyOnChange(t *testing.T) {
	svc, broadcaster, db := newTestService(t)
	ctx := context.Background()

	taskID := seedTask(t, db, 1, 2)
	c, err := svc.CreateChatFromTask(ctx, alice, taskID)
	if err != nil {
		t.Fatalf("CreateChatFromTask(): %v", err)
	}
	if _, err := svc.SendMessage(ctx, alice, c.ID, "unread me", nil); err != nil {
		t.Fatalf("SendMessage(): %v", err)
	}

	count, err := svc.MarkRead(ctx, bob, c.ID)
	if err != nil {
		t.Fatalf("MarkRead(): %v", err)
	}
	if count != 1 {
		t.Errorf("MarkRead() = %d, want 1", count)
	}
	receipt, ok := broadcaster.last(t).(event.ReadReceipt)
	if !ok || receipt.ReaderID != 2 || receipt.Count != 1 {
		t.Errorf("last event = %#v, want ReadReceipt from bob", broadcaster.last(t))
	}

	// Nothing left to mark: no second receipt.
	before := broadcaster.count()
	count, err = svc.MarkRead(ctx, bob, c.ID)
	if err != nil {
		t.Fatalf("second MarkRead(): %v", err)
	}
	if count != 0 {
		t.Errorf("second MarkRead() = %d, want 0", count)
	}
	if broadcaster.count() != before {
		t.Error("idempotent MarkRead must not broadcast")
	}
}

func TestListChats_SortedByLastMessage(t *testing.T) {
	svc, _, db := newTestService(t)
	ctx := context.Background()

	// alice-bob gets a message; alice-carol stays empty.
	abTask := seedTask(t, db, 1, 2)
	ab, err := svc.CreateChatFromTask(ctx, alice, abTask)
	if err != nil {
		t.Fatalf("CreateChatFromTask(ab): %v", err)
	}
	acTask := seedTask(t, db, 1, 3)
	ac, err := svc.CreateChatFromTask(ctx, alice, acTask)
	if err != nil {
		t.Fatalf("CreateChatFromTask(ac): %v", err)
	}
	if _, err := svc.SendMessage(ctx, bob, ab.ID, "ping", nil); err != nil {
		t.Fatalf("SendMessage(): %v", err)
	}

	summaries, err := svc.ListChats(ctx, alice)
	if err != nil {
		t.Fatalf("ListChats(): %v", err)
	}
	if len(summaries) != 2 {
		t.Fatalf("got %d summaries, want 2", len(summaries))
	}

	// The chat with a message sorts first even though it was created
	// earlier.
	first, second := summaries[0], summaries[1]
	if first.ChatID != ab.ID || second.ChatID != ac.ID {
		t.Fatalf("order [%d %d], want [%d %d]", first.ChatID, second.ChatID, ab.ID, ac.ID)
	}
	if first.PartnerID != 2 || first.PartnerName != "bob" {
		t.Errorf("first partner = %d %q, want bob", first.PartnerID, first.PartnerName)
	}
	if first.LastMessageSnippet != "ping" {
		t.Errorf("snippet = %q, want %q", first.LastMessageSnippet, "ping")
	}
	if first.UnreadCount != 1 {
		t.Errorf("unread = %d, want 1", first.UnreadCount)
	}
	if second.LastMessageTime != nil || second.LastMessageSnippet != "" {
		t.Errorf("empty chat summary carries a last message: %+v", second)
	}
}

func TestDeleteChat_RemovesAttachmentFiles(t *testing.T) {
	svc, _, db := newTestService(t)
	ctx := context.Background()

	taskID := seedTask(t, db, 1, 2)
	c, err := svc.CreateChatFromTask(ctx, alice, taskID)
	if err != nil {
		t.Fatalf("CreateChatFromTask(): %v", err)
	}
	m, err := svc.SendMessage(ctx, alice, c.ID, "", &Upload{
		Reader: strings.NewReader("x"), Name: "f.txt", MimeType: "text/plain",
	})
	if err != nil {
		t.Fatalf("SendMessage(): %v", err)
	}
	key := *m.FilePath

	if err := svc.DeleteChat(ctx, alice, c.ID); err != nil {
		t.Fatalf("DeleteChat(): %v", err)
	}

	if err := svc.CanAccess(ctx, alice, c.ID); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("expected chat gone, got %v", err)
	}
	if _, err := svc.attachments.Open(key); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("expected attachment file gone, got %v", err)
	}
}

func TestTyping_VisibleToPartnerOnly(t *testing.T) {
	svc, broadcaster, db := newTestService(t)
	ctx := context.Background()

	taskID := seedTask(t, db, 1, 2)
	c, err := svc.CreateChatFromTask(ctx, alice, taskID)
	if err != nil {
		t.Fatalf("CreateChatFromTask(): %v", err)
	}

	if err := svc.Typing(ctx, alice, c.ID); err != nil {
		t.Fatalf("Typing(): %v", err)
	}
	ping, ok := broadcaster.last(t).(event.TypingPing)
	if !ok || ping.UserID != 1 {
		t.Errorf("last event = %#v, want TypingPing from alice", broadcaster.last(t))
	}

	// The poll path sees the same signal: bob's summary shows the
	// partner typing, alice's does not.
	bobView, err := svc.GetChat(ctx, bob, c.ID)
	if err != nil {
		t.Fatalf("GetChat(bob): %v", err)
	}
	if !bobView.PartnerTyping {
		t.Error("expected bob to see partner typing")
	}
	aliceView, err := svc.GetChat(ctx, alice, c.ID)
	if err != nil {
		t.Fatalf("GetChat(alice): %v", err)
	}
	if aliceView.PartnerTyping {
		t.Error("alice must not see her own typing as the partner's")
	}

	if err := svc.Typing(ctx, carol, c.ID); !errors.Is(err, errs.ErrForbidden) {
		t.Fatalf("expected ErrForbidden for non-participant, got %v", err)
	}
}

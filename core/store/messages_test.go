package store

import (
	"context"
	"errors"
	"strings"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
)

func newMessageStore(t *testing.T) *MessageStore {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := NewMessageStore("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("new message store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestCreateValidatesContentLength(t *testing.T) {
	store := newMessageStore(t)
	ctx := context.Background()

	if _, err := store.Create(ctx, CreateParams{ProjectID: "p1", Content: "", FromUser: true}); !errors.Is(err, ErrContentLength) {
		t.Fatalf("expected content length error for empty content, got %v", err)
	}
	long := strings.Repeat("x", MaxContentLength+1)
	if _, err := store.Create(ctx, CreateParams{ProjectID: "p1", Content: long, FromUser: true}); !errors.Is(err, ErrContentLength) {
		t.Fatalf("expected content length error for long content, got %v", err)
	}
	// Nothing was written before validation failed.
	msgs, err := store.ListByProject(ctx, "p1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected no messages after rejected creates, got %d", len(msgs))
	}

	max := strings.Repeat("x", MaxContentLength)
	if _, err := store.Create(ctx, CreateParams{ProjectID: "p1", Content: max, FromUser: true}); err != nil {
		t.Fatalf("expected max-length content to pass: %v", err)
	}

	// The limit is characters, not bytes.
	wide := strings.Repeat("é", MaxContentLength)
	if _, err := store.Create(ctx, CreateParams{ProjectID: "p1", Content: wide, FromUser: true}); err != nil {
		t.Fatalf("expected max-length multi-byte content to pass: %v", err)
	}
	if _, err := store.Create(ctx, CreateParams{ProjectID: "p1", Content: wide + "é", FromUser: true}); !errors.Is(err, ErrContentLength) {
		t.Fatalf("expected content length error past the character budget, got %v", err)
	}
}

func TestCreateRequiresProject(t *testing.T) {
	store := newMessageStore(t)
	if _, err := store.Create(context.Background(), CreateParams{Content: "hi", FromUser: true}); !errors.Is(err, ErrProjectRequired) {
		t.Fatalf("expected project required error, got %v", err)
	}
}

func TestCreateForcesUserRoleAndType(t *testing.T) {
	store := newMessageStore(t)
	ctx := context.Background()

	// A spoofed role/type on the user path must not survive the write.
	msg, err := store.Create(ctx, CreateParams{
		ProjectID: "p1",
		Content:   "hello",
		Role:      RoleAssistant,
		Type:      TypeError,
		FromUser:  true,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if msg.Role != RoleUser || msg.Type != TypeResult {
		t.Fatalf("expected forced USER/RESULT, got %s/%s", msg.Role, msg.Type)
	}

	got, err := store.Get(ctx, msg.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Role != RoleUser || got.Type != TypeResult {
		t.Fatalf("stored row not forced to USER/RESULT: %s/%s", got.Role, got.Type)
	}
}

func TestCreateAssistantWithFragment(t *testing.T) {
	store := newMessageStore(t)
	ctx := context.Background()

	msg, err := store.Create(ctx, CreateParams{
		ProjectID: "p1",
		Content:   "here is your app",
		Role:      RoleAssistant,
		Type:      TypeResult,
		Fragment: &Fragment{
			Title:      "landing page",
			SandboxURL: "https://3000-sbx.example.dev",
			Files:      map[string]string{"app/page.tsx": "export default function Page() {}"},
		},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if msg.Fragment == nil || msg.Fragment.ID == "" {
		t.Fatalf("expected fragment with generated id")
	}

	msgs, err := store.ListByProject(ctx, "p1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected one message, got %d", len(msgs))
	}
	frag := msgs[0].Fragment
	if frag == nil || frag.Title != "landing page" || frag.SandboxURL != "https://3000-sbx.example.dev" {
		t.Fatalf("fragment not round-tripped: %+v", frag)
	}
	if frag.Files["app/page.tsx"] == "" {
		t.Fatalf("fragment files lost")
	}
}

func TestListByProjectOrdering(t *testing.T) {
	store := newMessageStore(t)
	ctx := context.Background()

	var ids []string
	for _, content := range []string{"first", "second", "third"} {
		msg, err := store.Create(ctx, CreateParams{ProjectID: "p1", Content: content, FromUser: true})
		if err != nil {
			t.Fatalf("create %s: %v", content, err)
		}
		ids = append(ids, msg.ID)
	}
	reply, err := store.Create(ctx, CreateParams{ProjectID: "p1", Content: "done", Role: RoleAssistant, Type: TypeResult})
	if err != nil {
		t.Fatalf("create assistant: %v", err)
	}
	ids = append(ids, reply.ID)

	msgs, err := store.ListByProject(ctx, "p1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != len(ids) {
		t.Fatalf("expected %d messages, got %d", len(ids), len(msgs))
	}
	for i, msg := range msgs {
		if msg.ID != ids[i] {
			t.Fatalf("position %d: expected %s got %s", i, ids[i], msg.ID)
		}
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].UpdatedAt.Before(msgs[i-1].UpdatedAt) {
			t.Fatalf("updatedAt not non-decreasing at %d", i)
		}
	}
}

func TestListByProjectIsolation(t *testing.T) {
	store := newMessageStore(t)
	ctx := context.Background()

	if _, err := store.Create(ctx, CreateParams{ProjectID: "p1", Content: "a", FromUser: true}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.Create(ctx, CreateParams{ProjectID: "p2", Content: "b", FromUser: true}); err != nil {
		t.Fatalf("create: %v", err)
	}

	msgs, err := store.ListByProject(ctx, "p1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "a" {
		t.Fatalf("project isolation broken: %+v", msgs)
	}
}

func TestListByProjectEmpty(t *testing.T) {
	store := newMessageStore(t)
	msgs, err := store.ListByProject(context.Background(), "nothing-here")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected empty list, got %d", len(msgs))
	}
}

func TestOrderScoreMonotonic(t *testing.T) {
	store := newMessageStore(t)
	ctx := context.Background()

	// Two writes inside the same millisecond must still order by sequence.
	first, err := store.Create(ctx, CreateParams{ProjectID: "p1", Content: "one", FromUser: true})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := store.Create(ctx, CreateParams{ProjectID: "p1", Content: "two", FromUser: true})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if orderScore(second.UpdatedAt, second.Seq) <= orderScore(first.UpdatedAt, first.Seq) {
		t.Fatalf("expected strictly increasing order score")
	}
}

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/lumohq/lumo/core/infra/redisutil"
)

const (
	defaultRedisURL       = "redis://localhost:6379"
	defaultRedisOpTimeout = 2 * time.Second

	msgKeyPrefix     = "msg:"
	msgIndexSuffix   = ":messages"
	msgSeqSuffix     = ":msgseq"
	projectKeyPrefix = "project:"

	// MaxContentLength bounds user-submitted message content, counted
	// in characters rather than bytes.
	MaxContentLength = 1000
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "USER"
	RoleAssistant Role = "ASSISTANT"
	RoleSystem    Role = "SYSTEM"
)

// MessageType classifies a message's content.
type MessageType string

const (
	TypeResult  MessageType = "RESULT"
	TypeError   MessageType = "ERROR"
	TypeThought MessageType = "THOUGHT"
)

var (
	// ErrContentLength indicates content outside the 1..MaxContentLength range.
	ErrContentLength = errors.New("content_length")
	// ErrProjectRequired indicates a missing project id.
	ErrProjectRequired = errors.New("project_required")
)

// Fragment is the generated artifact attached to an assistant message.
type Fragment struct {
	ID         string            `json:"id"`
	Title      string            `json:"title"`
	SandboxURL string            `json:"sandbox_url"`
	Files      map[string]string `json:"files,omitempty"`
}

// Message is one chat entry within a project. Messages are append-only;
// rows are never updated or deleted once written.
type Message struct {
	ID        string      `json:"id"`
	ProjectID string      `json:"project_id"`
	Content   string      `json:"content"`
	Role      Role        `json:"role"`
	Type      MessageType `json:"type"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
	Seq       int64       `json:"seq"`
	Fragment  *Fragment   `json:"fragment,omitempty"`
}

// CreateParams describes one message write.
type CreateParams struct {
	ProjectID string
	Content   string
	Role      Role
	Type      MessageType
	Fragment  *Fragment
	// FromUser marks the user-submission path: role and type are forced to
	// USER/RESULT no matter what the caller supplied.
	FromUser bool
}

// MessageStore persists messages and their per-project ordering index in Redis.
type MessageStore struct {
	client    redis.UniversalClient
	opTimeout time.Duration
}

// NewMessageStore constructs a Redis-backed message store from a redis:// URL.
func NewMessageStore(url string) (*MessageStore, error) {
	if url == "" {
		url = defaultRedisURL
	}
	client, err := redisutil.NewClient(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &MessageStore{client: client, opTimeout: defaultRedisOpTimeout}, nil
}

// Close closes the underlying Redis client.
func (s *MessageStore) Close() error {
	return s.client.Close()
}

// Create validates and persists one message. Validation happens before any
// write; a rejected message mutates nothing.
func (s *MessageStore) Create(ctx context.Context, params CreateParams) (*Message, error) {
	if params.ProjectID == "" {
		return nil, ErrProjectRequired
	}
	if n := utf8.RuneCountInString(params.Content); n < 1 || n > MaxContentLength {
		return nil, ErrContentLength
	}

	role, typ := params.Role, params.Type
	if params.FromUser {
		role, typ = RoleUser, TypeResult
	}
	if role == "" {
		role = RoleAssistant
	}
	if typ == "" {
		typ = TypeResult
	}

	frag := params.Fragment
	if frag != nil && frag.ID == "" {
		copied := *frag
		copied.ID = uuid.NewString()
		frag = &copied
	}

	cctx, cancel := s.opContext(ctx)
	defer cancel()

	seq, err := s.client.Incr(cctx, msgSeqKey(params.ProjectID)).Result()
	if err != nil {
		return nil, fmt.Errorf("allocate message seq: %w", err)
	}

	now := time.Now().UTC()
	msg := &Message{
		ID:        uuid.NewString(),
		ProjectID: params.ProjectID,
		Content:   params.Content,
		Role:      role,
		Type:      typ,
		CreatedAt: now,
		UpdatedAt: now,
		Seq:       seq,
		Fragment:  frag,
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(cctx, msgKey(msg.ID), data, 0)
	pipe.ZAdd(cctx, msgIndexKey(params.ProjectID), redis.Z{
		Score:  orderScore(msg.UpdatedAt, msg.Seq),
		Member: msg.ID,
	})
	if _, err := pipe.Exec(cctx); err != nil {
		return nil, fmt.Errorf("persist message: %w", err)
	}
	return msg, nil
}

// ListByProject returns all messages for a project ordered by updatedAt
// ascending, ties broken by insertion order. Fragments are included.
func (s *MessageStore) ListByProject(ctx context.Context, projectID string) ([]Message, error) {
	if projectID == "" {
		return nil, ErrProjectRequired
	}
	cctx, cancel := s.opContext(ctx)
	defer cancel()

	ids, err := s.client.ZRange(cctx, msgIndexKey(projectID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list message index: %w", err)
	}
	if len(ids) == 0 {
		return []Message{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = msgKey(id)
	}
	rows, err := s.client.MGet(cctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}

	out := make([]Message, 0, len(rows))
	for _, row := range rows {
		raw, ok := row.(string)
		if !ok {
			continue
		}
		var msg Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		out = append(out, msg)
	}
	return out, nil
}

// Get returns one message by id, or redis.Nil if absent.
func (s *MessageStore) Get(ctx context.Context, id string) (*Message, error) {
	cctx, cancel := s.opContext(ctx)
	defer cancel()
	raw, err := s.client.Get(cctx, msgKey(id)).Bytes()
	if err != nil {
		return nil, err
	}
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return &msg, nil
}

func (s *MessageStore) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(context.WithoutCancel(ctx), s.opTimeout)
}

// orderScore packs millisecond updatedAt and a per-project sequence into one
// float64 ZSET score. 41 bits of epoch ms plus 12 bits of sequence stay
// inside float64's 53-bit integer range.
func orderScore(updatedAt time.Time, seq int64) float64 {
	return float64(updatedAt.UnixMilli()*4096 + seq%4096)
}

func msgKey(id string) string {
	return msgKeyPrefix + id
}

func msgIndexKey(projectID string) string {
	return projectKeyPrefix + projectID + msgIndexSuffix
}

func msgSeqKey(projectID string) string {
	return projectKeyPrefix + projectID + msgSeqSuffix
}

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/lumohq/lumo/core/infra/redisutil"
)

const (
	userProjectsSuffix = ":projects"
	userKeyPrefix      = "user:"
)

// ErrProjectNotFound covers both a missing project and a project owned by a
// different user; ownership failures are indistinguishable from absence.
var ErrProjectNotFound = errors.New("project_not_found")

// Project is a user's workspace. Every message belongs to exactly one project.
type Project struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ProjectStore persists projects and a per-user index in Redis.
type ProjectStore struct {
	client    redis.UniversalClient
	opTimeout time.Duration
}

// NewProjectStore constructs a Redis-backed project store from a redis:// URL.
func NewProjectStore(url string) (*ProjectStore, error) {
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
	return &ProjectStore{client: client, opTimeout: defaultRedisOpTimeout}, nil
}

// Close closes the underlying Redis client.
func (s *ProjectStore) Close() error {
	return s.client.Close()
}

// Create persists a new project owned by userID.
func (s *ProjectStore) Create(ctx context.Context, userID, name string) (*Project, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, errors.New("user id required")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("project name required")
	}

	now := time.Now().UTC()
	project := &Project{
		ID:        uuid.NewString(),
		UserID:    userID,
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
	}
	data, err := json.Marshal(project)
	if err != nil {
		return nil, fmt.Errorf("encode project: %w", err)
	}

	cctx, cancel := s.opContext(ctx)
	defer cancel()
	pipe := s.client.TxPipeline()
	pipe.Set(cctx, projectKey(project.ID), data, 0)
	pipe.ZAdd(cctx, userProjectsKey(userID), redis.Z{
		Score:  float64(now.UnixMilli()),
		Member: project.ID,
	})
	if _, err := pipe.Exec(cctx); err != nil {
		return nil, fmt.Errorf("persist project: %w", err)
	}
	return project, nil
}

// FindForUser fetches a project by id scoped to the requesting user.
func (s *ProjectStore) FindForUser(ctx context.Context, projectID, userID string) (*Project, error) {
	if projectID == "" || userID == "" {
		return nil, ErrProjectNotFound
	}
	cctx, cancel := s.opContext(ctx)
	defer cancel()
	raw, err := s.client.Get(cctx, projectKey(projectID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrProjectNotFound
		}
		return nil, fmt.Errorf("fetch project: %w", err)
	}
	var project Project
	if err := json.Unmarshal(raw, &project); err != nil {
		return nil, fmt.Errorf("decode project: %w", err)
	}
	if project.UserID != userID {
		return nil, ErrProjectNotFound
	}
	return &project, nil
}

// ListForUser returns the user's projects in creation order.
func (s *ProjectStore) ListForUser(ctx context.Context, userID string) ([]Project, error) {
	if userID == "" {
		return []Project{}, nil
	}
	cctx, cancel := s.opContext(ctx)
	defer cancel()
	ids, err := s.client.ZRange(cctx, userProjectsKey(userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list project index: %w", err)
	}
	if len(ids) == 0 {
		return []Project{}, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = projectKey(id)
	}
	rows, err := s.client.MGet(cctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("fetch projects: %w", err)
	}
	out := make([]Project, 0, len(rows))
	for _, row := range rows {
		raw, ok := row.(string)
		if !ok {
			continue
		}
		var project Project
		if err := json.Unmarshal([]byte(raw), &project); err != nil {
			return nil, fmt.Errorf("decode project: %w", err)
		}
		out = append(out, project)
	}
	return out, nil
}

func (s *ProjectStore) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(context.WithoutCancel(ctx), s.opTimeout)
}

func projectKey(id string) string {
	return projectKeyPrefix + id
}

func userProjectsKey(userID string) string {
	return userKeyPrefix + userID + userProjectsSuffix
}

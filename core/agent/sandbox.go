package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lumohq/lumo/core/infra/logging"
)

// Sandbox is one provisioned preview environment.
type Sandbox struct {
	ID   string `json:"id"`
	Host string `json:"host"`
}

// URL returns the public preview address for the sandbox.
func (s *Sandbox) URL() string {
	if s == nil || s.Host == "" {
		return ""
	}
	return "https://" + s.Host
}

// SandboxClient provisions sandboxes over the provider's HTTP API.
type SandboxClient struct {
	baseURL  string
	template string
	client   *http.Client
}

func NewSandboxClient(baseURL, template string) *SandboxClient {
	return &SandboxClient{
		baseURL:  baseURL,
		template: template,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

// Create provisions a fresh sandbox from the configured template.
func (c *SandboxClient) Create(ctx context.Context) (*Sandbox, error) {
	body, _ := json.Marshal(map[string]string{"template": c.template})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/sandboxes", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("create sandbox: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("sandbox provider returned status %d", resp.StatusCode)
	}
	var sb Sandbox
	if err := json.NewDecoder(resp.Body).Decode(&sb); err != nil {
		return nil, fmt.Errorf("decode sandbox: %w", err)
	}
	if sb.ID == "" || sb.Host == "" {
		return nil, errors.New("sandbox provider returned incomplete sandbox")
	}
	return &sb, nil
}

// WriteFiles pushes generated files into the sandbox filesystem.
func (c *SandboxClient) WriteFiles(ctx context.Context, sandboxID string, files map[string]string) error {
	if len(files) == 0 {
		return nil
	}
	body, _ := json.Marshal(map[string]any{"files": files})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/sandboxes/"+sandboxID+"/files", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("write sandbox files: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("sandbox provider returned status %d", resp.StatusCode)
	}
	return nil
}

// SandboxManager reuses one sandbox per project for the lifetime of the
// reuse TTL so consecutive runs land in the same preview environment.
type SandboxManager struct {
	client   *SandboxClient
	redis    redis.UniversalClient
	reuseTTL time.Duration
}

const defaultSandboxReuseTTL = time.Hour

func NewSandboxManager(client *SandboxClient, rc redis.UniversalClient) *SandboxManager {
	return &SandboxManager{client: client, redis: rc, reuseTTL: defaultSandboxReuseTTL}
}

// ForProject returns the project's live sandbox, provisioning one when the
// cached binding is missing or stale. A failed cache read falls through to
// provisioning rather than failing the run.
func (m *SandboxManager) ForProject(ctx context.Context, projectID string) (*Sandbox, error) {
	key := sandboxKey(projectID)
	if data, err := m.redis.Get(ctx, key).Bytes(); err == nil {
		var sb Sandbox
		if err := json.Unmarshal(data, &sb); err == nil && sb.ID != "" {
			return &sb, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		logging.Warn("agent", "sandbox cache read failed", "project", projectID, "error", err)
	}

	sb, err := m.client.Create(ctx)
	if err != nil {
		return nil, err
	}
	data, _ := json.Marshal(sb)
	if err := m.redis.Set(ctx, key, data, m.reuseTTL).Err(); err != nil {
		logging.Warn("agent", "sandbox cache write failed", "project", projectID, "error", err)
	}
	return sb, nil
}

func sandboxKey(projectID string) string {
	return "sandbox:project:" + projectID
}

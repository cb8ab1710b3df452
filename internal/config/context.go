package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Context is the persisted CLI session: who is viewing and which
// conversation is open.
type Context struct {
	// ViewerID is the opaque id of the signed-in user.
	ViewerID string `yaml:"viewer,omitempty"`
	// ConversationID is the currently open conversation.
	ConversationID string `yaml:"conversation,omitempty"`
	// UpdatedAt is when the context was last modified.
	UpdatedAt time.Time `yaml:"updated_at,omitempty"`
}

// IsEmpty returns true if no context is set.
func (c *Context) IsEmpty() bool {
	return c.ViewerID == "" && c.ConversationID == ""
}

// HasViewer reports whether a viewer is set.
func (c *Context) HasViewer() bool {
	return c.ViewerID != ""
}

// HasConversation reports whether a conversation is open.
func (c *Context) HasConversation() bool {
	return c.ConversationID != ""
}

// Clear removes all context.
func (c *Context) Clear() {
	c.ViewerID = ""
	c.ConversationID = ""
	c.UpdatedAt = time.Now()
}

// SetViewer switches the viewer. The open conversation belongs to the
// previous viewer and is dropped.
func (c *Context) SetViewer(id string) {
	if id != c.ViewerID {
		c.ConversationID = ""
	}
	c.ViewerID = id
	c.UpdatedAt = time.Now()
}

// OpenConversation records the open conversation.
func (c *Context) OpenConversation(id string) {
	c.ConversationID = id
	c.UpdatedAt = time.Now()
}

func (c *Context) String() string {
	switch {
	case c.IsEmpty():
		return "(no session)"
	case c.HasConversation():
		return fmt.Sprintf("viewer:%s conversation:%s", c.ViewerID, c.ConversationID)
	default:
		return fmt.Sprintf("viewer:%s", c.ViewerID)
	}
}

// ContextStore loads and saves the session context as YAML.
type ContextStore struct {
	path string
	mu   sync.RWMutex
}

// NewContextStore creates a new context store.
// If path is empty, uses ~/.config/flock/session.yaml.
func NewContextStore(path string) *ContextStore {
	if path == "" {
		homeDir, _ := os.UserHomeDir()
		path = filepath.Join(homeDir, ".config", "flock", "session.yaml")
	}
	return &ContextStore{path: path}
}

// Path returns the context file path.
func (s *ContextStore) Path() string {
	return s.path
}

// Load reads the context from disk. A missing file yields an empty context.
func (s *ContextStore) Load() (*Context, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx := &Context{}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return ctx, nil
		}
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}

	if err := yaml.Unmarshal(data, ctx); err != nil {
		return nil, fmt.Errorf("failed to parse session file: %w", err)
	}

	return ctx, nil
}

// Save writes the context to disk.
func (s *ContextStore) Save(ctx *Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}

	data, err := yaml.Marshal(ctx)
	if err != nil {
		return fmt.Errorf("failed to serialize session: %w", err)
	}

	if err := os.WriteFile(s.path, data, 0600); err != nil {
		return fmt.Errorf("failed to write session file: %w", err)
	}

	return nil
}

// Clear removes the context file.
func (s *ContextStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove session file: %w", err)
	}
	return nil
}

// ResolveViewer picks the viewer id: an explicit flag wins, then the saved
// session, then config.
func ResolveViewer(flag string, session *Context, cfg *Config) string {
	if flag != "" {
		return flag
	}
	if session != nil && session.ViewerID != "" {
		return session.ViewerID
	}
	if cfg != nil {
		return cfg.Session.ViewerID
	}
	return ""
}

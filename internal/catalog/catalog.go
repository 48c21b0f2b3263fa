// Package catalog loads and serves immutable challenge definitions.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/ashureev/lore-engine/internal/domain"
)

// Reader looks up challenges.
type Reader interface {
	// Get returns the challenge or domain.ErrChallengeNotFound.
	Get(ctx context.Context, id string) (*domain.Challenge, error)

	// List returns summaries of every challenge, ordered by id.
	List(ctx context.Context) ([]domain.ChallengeSummary, error)
}

// Memory is an in-memory catalog.
type Memory struct {
	mu         sync.RWMutex
	challenges map[string]*domain.Challenge
}

var _ Reader = (*Memory)(nil)

// NewMemory validates and indexes challenges.
func NewMemory(challenges ...*domain.Challenge) (*Memory, error) {
	m := &Memory{challenges: make(map[string]*domain.Challenge, len(challenges))}
	for _, c := range challenges {
		if err := m.Add(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Add normalizes, validates and registers c. Duplicate ids are rejected.
func (m *Memory) Add(c *domain.Challenge) error {
	if c == nil {
		return fmt.Errorf("challenge cannot be nil")
	}
	c.Normalize()
	if err := c.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.challenges[c.ID]; exists {
		return fmt.Errorf("duplicate challenge id %q", c.ID)
	}
	m.challenges[c.ID] = c
	return nil
}

// Get returns the challenge with id.
func (m *Memory) Get(_ context.Context, id string) (*domain.Challenge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.challenges[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrChallengeNotFound, id)
	}
	return c, nil
}

// List returns summaries ordered by id.
func (m *Memory) List(context.Context) ([]domain.ChallengeSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.ChallengeSummary, 0, len(m.challenges))
	for _, c := range m.challenges {
		out = append(out, c.Summary())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// LoadDir reads every *.json file in dir as one challenge.
func LoadDir(dir string) (*Memory, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read catalog dir: %w", err)
	}
	m, _ := NewMemory()
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		c, err := loadFile(path)
		if err != nil {
			return nil, err
		}
		if err := m.Add(c); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	return m, nil
}

func loadFile(path string) (*domain.Challenge, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read challenge: %w", err)
	}
	var c domain.Challenge
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &c, nil
}

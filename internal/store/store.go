// Package store persists buildings, agents, conversations and trash.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/joescharf/town/internal/models"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// TrashRetention is how long a trashed building is kept before it is purged.
const TrashRetention = 48 * time.Hour

// AgentUpdate mutates an agent inside UpdateAgent's transaction.
type AgentUpdate func(a *models.Agent) error

// Store defines the persistence interface for town.
type Store interface {
	// Buildings
	CreateBuilding(ctx context.Context, b *models.Building) error
	GetBuilding(ctx context.Context, id string) (*models.Building, error)
	ListBuildings(ctx context.Context) ([]*models.Building, error)
	DeleteBuilding(ctx context.Context, id string) error

	// Agents
	CreateAgent(ctx context.Context, a *models.Agent) error
	GetAgent(ctx context.Context, id string) (*models.Agent, error)
	ListAgents(ctx context.Context, buildingID string) ([]*models.Agent, error)
	UpdateAgent(ctx context.Context, id string, fn AgentUpdate) (*models.Agent, error)

	// Conversations
	AppendConversation(ctx context.Context, agentID string, entry models.ConversationEntry) error
	GetConversation(ctx context.Context, agentID string) ([]models.ConversationEntry, error)

	// Trash
	TrashBuilding(ctx context.Context, id string) (*models.TrashedBuilding, error)
	GetTrash(ctx context.Context, buildingID string) (*models.TrashedBuilding, error)
	ListTrash(ctx context.Context) ([]*models.TrashedBuilding, error)
	RestoreBuilding(ctx context.Context, buildingID string) (*models.Building, error)
	PurgeTrash(ctx context.Context, buildingID string) error
	PurgeExpiredTrash(ctx context.Context, cutoff time.Time) (int64, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

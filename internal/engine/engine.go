package engine

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"sozledger/internal/config"
	"sozledger/internal/domain"
	"sozledger/internal/events"
	"sozledger/internal/repo"
)

// Engine owns all ledger writes. Every operation runs in its own
// transaction with domain events appended before commit, so the event
// log never disagrees with state.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time

	// SyncScoring forces score recomputation inline instead of in a
	// background goroutine. Tests set it to observe scores
	// deterministically.
	SyncScoring bool

	locks *entityLocks
}

func New(db *sql.DB, cfg *config.Config) *Engine {
	e := &Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Config: cfg,
		Now:    time.Now,
		locks:  newEntityLocks(),
	}
	// Events share the engine clock, including the test hook.
	e.Events = events.Writer{DB: db, Now: e.now}
	return e
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// entityLocks serializes writes touching one entity's promise history
// so concurrent transitions cannot interleave with score recompute.
type entityLocks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func newEntityLocks() *entityLocks {
	return &entityLocks{m: make(map[string]*sync.Mutex)}
}

func (l *entityLocks) lock(entityID string) func() {
	l.mu.Lock()
	em, ok := l.m[entityID]
	if !ok {
		em = &sync.Mutex{}
		l.m[entityID] = em
	}
	l.mu.Unlock()
	em.Lock()
	return em.Unlock
}

// ValidationError rejects malformed input before any write happens.
type ValidationError struct {
	Field string
	Msg   string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Msg)
}

// InvalidTransitionError reports a promise status change the state
// machine does not allow.
type InvalidTransitionError struct {
	PromiseID string
	From      string
	To        string
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("promise %s: invalid status transition %s -> %s", e.PromiseID, e.From, e.To)
}

func newID(prefix string) string {
	return prefix + "_" + uuid.NewString()
}

func newSecret(prefix string, bytes int) string {
	buf := make([]byte, bytes)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("read random: %v", err))
	}
	return prefix + hex.EncodeToString(buf)
}

type EntityCreateOptions struct {
	Name      string
	Type      string
	PublicKey string
	Metadata  map[string]any
}

// CreateEntity registers an entity and mints its API key. The
// plaintext key is returned exactly once; only its hash is stored.
func (e *Engine) CreateEntity(ctx context.Context, opts EntityCreateOptions) (domain.Entity, string, error) {
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		return domain.Entity{}, "", ValidationError{Field: "name", Msg: "is required"}
	}
	// Type is an open tag ("ai_agent", "service", "human", ...), not a
	// closed enum.
	if strings.TrimSpace(opts.Type) == "" {
		return domain.Entity{}, "", ValidationError{Field: "type", Msg: "is required"}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Entity{}, "", err
	}
	defer tx.Rollback()

	ent := domain.Entity{
		ID:        newID("ent"),
		Name:      name,
		Type:      opts.Type,
		Metadata:  opts.Metadata,
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	if opts.PublicKey != "" {
		ent.PublicKey = &opts.PublicKey
	}
	if err := e.Repo.InsertEntity(ctx, tx, ent); err != nil {
		return domain.Entity{}, "", fmt.Errorf("insert entity: %w", err)
	}

	apiKey := newSecret("sk_", 24)
	if err := e.Repo.InsertAPIKey(ctx, tx, domain.APIKey{
		ID:        newID("key"),
		EntityID:  ent.ID,
		KeyHash:   repo.HashAPIKey(apiKey),
		CreatedAt: ent.CreatedAt,
	}); err != nil {
		return domain.Entity{}, "", fmt.Errorf("insert api key: %w", err)
	}

	if err := e.Events.Append(ctx, tx, "entity.created", "entity", ent.ID, ent.ID, events.EventPayload{
		"id":   ent.ID,
		"name": ent.Name,
		"type": ent.Type,
	}); err != nil {
		return domain.Entity{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.Entity{}, "", err
	}
	return ent, apiKey, nil
}

// UpdateEntityMetadata replaces the entity's metadata document. Name,
// type, and public key stay fixed after registration.
func (e *Engine) UpdateEntityMetadata(ctx context.Context, entityID string, metadata map[string]any, actorID string) (domain.Entity, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Entity{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpdateEntityMetadata(ctx, tx, entityID, metadata); err != nil {
		return domain.Entity{}, err
	}
	ent, err := e.Repo.GetEntityTx(ctx, tx, entityID)
	if err != nil {
		return domain.Entity{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Entity{}, err
	}
	return ent, nil
}

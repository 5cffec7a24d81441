package histdata

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/fractal-lba/promoloop/internal/promo"
)

// EvaluationRecord is the structured record handed to persistence after a
// scenario is evaluated.
type EvaluationRecord struct {
	ScenarioID   string            `json:"scenario_id"`
	ModelVersion string            `json:"model_version"`
	KPI          promo.ScenarioKPI `json:"kpi"`
	EvaluatedAt  time.Time         `json:"evaluated_at"`
}

// SnapshotStore persists evaluated KPI snapshots. Snapshots are immutable:
// re-evaluating a scenario against a different model version produces a new
// record under a new key, never an overwrite.
type SnapshotStore interface {
	SaveEvaluation(ctx context.Context, rec *EvaluationRecord) error
	GetEvaluation(ctx context.Context, scenarioID, modelVersion string) (*EvaluationRecord, error)
}

func snapshotKey(scenarioID, modelVersion string) string {
	return fmt.Sprintf("kpi:%s:%s", scenarioID, modelVersion)
}

// RedisSnapshotStore stores snapshots in Redis using SETNX so the first
// write for a (scenario, model version) pair wins and later writes are
// no-ops.
type RedisSnapshotStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisSnapshotStore connects to Redis and verifies the connection.
func NewRedisSnapshotStore(addr, password string, db int, ttl time.Duration) (*RedisSnapshotStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &RedisSnapshotStore{client: client, ttl: ttl}, nil
}

func (r *RedisSnapshotStore) SaveEvaluation(ctx context.Context, rec *EvaluationRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal evaluation record: %w", err)
	}

	// SETNX: losing the race to a concurrent identical evaluation is fine,
	// evaluation is deterministic per model version.
	if err := r.client.SetNX(ctx, snapshotKey(rec.ScenarioID, rec.ModelVersion), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis SETNX failed: %w", err)
	}
	return nil
}

func (r *RedisSnapshotStore) GetEvaluation(ctx context.Context, scenarioID, modelVersion string) (*EvaluationRecord, error) {
	data, err := r.client.Get(ctx, snapshotKey(scenarioID, modelVersion)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis GET failed: %w", err)
	}

	var rec EvaluationRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal evaluation record: %w", err)
	}
	return &rec, nil
}

// Close releases the Redis client.
func (r *RedisSnapshotStore) Close() error {
	return r.client.Close()
}

// MemorySnapshotStore is an in-memory SnapshotStore for tests and
// single-node deployments.
type MemorySnapshotStore struct {
	mu      sync.RWMutex
	records map[string]*EvaluationRecord
}

// NewMemorySnapshotStore creates an empty snapshot store.
func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{records: make(map[string]*EvaluationRecord)}
}

func (m *MemorySnapshotStore) SaveEvaluation(ctx context.Context, rec *EvaluationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := snapshotKey(rec.ScenarioID, rec.ModelVersion)
	if _, exists := m.records[key]; exists {
		return nil // first write wins
	}
	m.records[key] = rec
	return nil
}

func (m *MemorySnapshotStore) GetEvaluation(ctx context.Context, scenarioID, modelVersion string) (*EvaluationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.records[snapshotKey(scenarioID, modelVersion)], nil
}

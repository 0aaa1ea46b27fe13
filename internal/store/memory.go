// Package store — in-memory Store implementation.
// Used as a fallback when MongoDB is not available (local dev, tests).
// Supports file-based snapshot persistence so data survives restarts.
package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/groundplane/groundplane/pkg/models"
)

// snapshot is the JSON-serializable shape written to disk.
type snapshot struct {
	Engines map[string]*models.QueryEngine `json:"engines"`
	Sources map[string]*models.SourceFile  `json:"sources"`
	Chunks  map[string]*models.Chunk       `json:"chunks"`
	Chats   map[string]*models.UserChat    `json:"chats"`
	Plans   map[string]*models.Plan        `json:"plans"`
	Jobs    map[string]*models.BuildJob    `json:"jobs"`
	Users   map[string]*models.User        `json:"users"`
}

// MemoryStore implements Store with in-memory maps.
type MemoryStore struct {
	mu      sync.RWMutex
	engines map[string]*models.QueryEngine // key: id
	sources map[string]*models.SourceFile  // key: id
	chunks  map[string]*models.Chunk       // key: id
	chats   map[string]*models.UserChat    // key: id
	plans   map[string]*models.Plan        // key: id
	jobs    map[string]*models.BuildJob    // key: id
	users   map[string]*models.User        // key: id

	// Persistence
	snapshotPath string        // empty = no persistence
	saveMu       sync.Mutex    // guards file writes
	saveCh       chan struct{} // debounce channel
	doneCh       chan struct{} // signals background goroutines to stop
}

// NewMemoryStore creates a new in-memory store.
// If GROUNDPLANE_DATA_DIR is set, data is persisted to a JSON file in that
// directory; otherwise the store is purely ephemeral.
func NewMemoryStore() *MemoryStore {
	m := &MemoryStore{
		engines: make(map[string]*models.QueryEngine),
		sources: make(map[string]*models.SourceFile),
		chunks:  make(map[string]*models.Chunk),
		chats:   make(map[string]*models.UserChat),
		plans:   make(map[string]*models.Plan),
		jobs:    make(map[string]*models.BuildJob),
		users:   make(map[string]*models.User),
		saveCh:  make(chan struct{}, 1),
		doneCh:  make(chan struct{}),
	}

	if dataDir := os.Getenv("GROUNDPLANE_DATA_DIR"); dataDir != "" {
		m.snapshotPath = filepath.Join(dataDir, "data.json")
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			log.Warn().Err(err).Str("dir", dataDir).Msg("Cannot create data dir, persistence disabled")
			m.snapshotPath = ""
		}
	}

	if m.snapshotPath != "" {
		m.loadSnapshot()
		go m.saveLoop()
	}

	log.Info().Str("snapshot", m.snapshotPath).Msg("Memory store configured")
	return m
}

// requestSave signals the background goroutine to persist data.
// Non-blocking: coalesces multiple rapid writes into one disk flush.
func (m *MemoryStore) requestSave() {
	if m.snapshotPath == "" {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
		// Already pending
	}
}

// saveLoop runs in a goroutine, debouncing save requests (max 1 write per 500ms).
func (m *MemoryStore) saveLoop() {
	for {
		select {
		case <-m.doneCh:
			return
		case <-m.saveCh:
			time.Sleep(500 * time.Millisecond) // debounce
			m.saveSnapshot()
		}
	}
}

// saveSnapshot persists all data to disk as JSON.
func (m *MemoryStore) saveSnapshot() {
	m.mu.RLock()
	snap := snapshot{
		Engines: m.engines,
		Sources: m.sources,
		Chunks:  m.chunks,
		Chats:   m.chats,
		Plans:   m.plans,
		Jobs:    m.jobs,
		Users:   m.users,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	m.mu.RUnlock()

	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal snapshot")
		return
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	// Write to temp file then rename for atomicity
	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		log.Error().Err(err).Str("path", tmp).Msg("Failed to write snapshot tmp")
		return
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to rename snapshot")
		return
	}

	log.Debug().Str("path", m.snapshotPath).Msg("Snapshot saved")
}

// loadSnapshot reads data from disk on startup.
func (m *MemoryStore) loadSnapshot() {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", m.snapshotPath).Msg("No snapshot file found, starting fresh")
			return
		}
		log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Failed to read snapshot")
		return
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to parse snapshot, starting fresh")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if snap.Engines != nil {
		m.engines = snap.Engines
	}
	if snap.Sources != nil {
		m.sources = snap.Sources
	}
	if snap.Chunks != nil {
		m.chunks = snap.Chunks
	}
	if snap.Chats != nil {
		m.chats = snap.Chats
	}
	if snap.Plans != nil {
		m.plans = snap.Plans
	}
	if snap.Jobs != nil {
		m.jobs = snap.Jobs
	}
	if snap.Users != nil {
		m.users = snap.Users
	}

	log.Info().
		Int("engines", len(m.engines)).
		Int("sources", len(m.sources)).
		Int("chunks", len(m.chunks)).
		Int("chats", len(m.chats)).
		Str("path", m.snapshotPath).
		Msg("Snapshot loaded")
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

// Close stops background goroutines and forces a final snapshot write.
// Safe to call multiple times (second call is a no-op).
func (m *MemoryStore) Close() error {
	select {
	case <-m.doneCh:
		// Already closed
		return nil
	default:
		close(m.doneCh)
	}

	// Force a final snapshot write so no in-flight data is lost
	if m.snapshotPath != "" {
		m.saveSnapshot()
	}
	return nil
}

func (m *MemoryStore) Migrate(_ context.Context) error { return nil }

// ── Engine Store ────────────────────────────────────────────

func (m *MemoryStore) ListEngines(_ context.Context, ownerID string) ([]models.QueryEngine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.QueryEngine
	for _, e := range m.engines {
		if e.OwnerID == ownerID || ownerID == "" {
			result = append(result, *e)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return result, nil
}

func (m *MemoryStore) ListEnginesByState(_ context.Context, state models.EngineState, before time.Time) ([]models.QueryEngine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.QueryEngine
	for _, e := range m.engines {
		if e.State == state && e.UpdatedAt.Before(before) {
			result = append(result, *e)
		}
	}
	return result, nil
}

func (m *MemoryStore) GetEngine(_ context.Context, id string) (*models.QueryEngine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.engines[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "engine", Key: id}
	}
	copy := *e
	return &copy, nil
}

func (m *MemoryStore) GetEngineByName(_ context.Context, name string) (*models.QueryEngine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.engines {
		if e.Name == name {
			copy := *e
			return &copy, nil
		}
	}
	return nil, &ErrNotFound{Entity: "engine", Key: name}
}

func (m *MemoryStore) CreateEngine(_ context.Context, engine *models.QueryEngine) error {
	m.mu.Lock()
	copy := *engine
	m.engines[engine.ID] = &copy
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) UpdateEngine(_ context.Context, engine *models.QueryEngine) error {
	m.mu.Lock()
	if _, ok := m.engines[engine.ID]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "engine", Key: engine.ID}
	}
	copy := *engine
	copy.UpdatedAt = time.Now().UTC()
	m.engines[engine.ID] = &copy
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) DeleteEngine(_ context.Context, id string) error {
	m.mu.Lock()
	if _, ok := m.engines[id]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "engine", Key: id}
	}
	delete(m.engines, id)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

// ── Source Store ────────────────────────────────────────────

func (m *MemoryStore) ListSources(_ context.Context, engineID string) ([]models.SourceFile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.SourceFile
	for _, s := range m.sources {
		if s.EngineID == engineID {
			result = append(result, *s)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (m *MemoryStore) GetSource(_ context.Context, id string) (*models.SourceFile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sources[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "source", Key: id}
	}
	copy := *s
	return &copy, nil
}

func (m *MemoryStore) GetSourcesByIDs(_ context.Context, ids []string) ([]models.SourceFile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]models.SourceFile, 0, len(ids))
	for _, id := range ids {
		if s, ok := m.sources[id]; ok {
			result = append(result, *s)
		}
	}
	return result, nil
}

func (m *MemoryStore) CreateSource(_ context.Context, src *models.SourceFile) error {
	m.mu.Lock()
	copy := *src
	m.sources[src.ID] = &copy
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) DeleteSourcesByEngine(_ context.Context, engineID string) (int64, error) {
	m.mu.Lock()
	var deleted int64
	for id, s := range m.sources {
		if s.EngineID == engineID {
			delete(m.sources, id)
			deleted++
		}
	}
	m.mu.Unlock()
	m.requestSave()
	return deleted, nil
}

// ── Chunk Store ─────────────────────────────────────────────

func (m *MemoryStore) CreateChunks(_ context.Context, chunks []models.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	m.mu.Lock()
	for _, c := range chunks {
		copy := c
		m.chunks[c.ID] = &copy
	}
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetChunksByIDs(_ context.Context, ids []string) ([]models.Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]models.Chunk, 0, len(ids))
	for _, id := range ids {
		if c, ok := m.chunks[id]; ok {
			result = append(result, *c)
		}
	}
	return result, nil
}

func (m *MemoryStore) CountChunks(_ context.Context, engineID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var count int64
	for _, c := range m.chunks {
		if c.EngineID == engineID {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) DeleteChunksByEngine(_ context.Context, engineID string) (int64, error) {
	m.mu.Lock()
	var deleted int64
	for id, c := range m.chunks {
		if c.EngineID == engineID {
			delete(m.chunks, id)
			deleted++
		}
	}
	m.mu.Unlock()
	m.requestSave()
	return deleted, nil
}

// ── Chat Store ──────────────────────────────────────────────

func (m *MemoryStore) ListChatsByUser(_ context.Context, userID string, limit int) ([]models.UserChat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.UserChat
	for _, c := range m.chats {
		if c.UserID == userID {
			result = append(result, *c)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UpdatedAt.After(result[j].UpdatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) GetChat(_ context.Context, id string) (*models.UserChat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.chats[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "chat", Key: id}
	}
	copy := *c
	copy.Entries = append([]models.ChatEntry(nil), c.Entries...)
	return &copy, nil
}

func (m *MemoryStore) CreateChat(_ context.Context, chat *models.UserChat) error {
	m.mu.Lock()
	copy := *chat
	copy.Entries = append([]models.ChatEntry(nil), chat.Entries...)
	m.chats[chat.ID] = &copy
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) AppendChatEntries(_ context.Context, chatID string, entries []models.ChatEntry) error {
	m.mu.Lock()
	c, ok := m.chats[chatID]
	if !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "chat", Key: chatID}
	}
	c.Entries = append(c.Entries, entries...)
	c.UpdatedAt = time.Now().UTC()
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) DeleteChat(_ context.Context, id string) error {
	m.mu.Lock()
	if _, ok := m.chats[id]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "chat", Key: id}
	}
	delete(m.chats, id)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

// ── Plan Store ──────────────────────────────────────────────

func (m *MemoryStore) GetPlan(_ context.Context, id string) (*models.Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.plans[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "plan", Key: id}
	}
	copy := *p
	copy.Steps = append([]models.PlanStep(nil), p.Steps...)
	return &copy, nil
}

func (m *MemoryStore) CreatePlan(_ context.Context, plan *models.Plan) error {
	m.mu.Lock()
	copy := *plan
	copy.Steps = append([]models.PlanStep(nil), plan.Steps...)
	m.plans[plan.ID] = &copy
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) UpdatePlanStep(_ context.Context, planID string, ordinal int, status models.StepStatus, stepErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plans[planID]
	if !ok {
		return &ErrNotFound{Entity: "plan", Key: planID}
	}
	for i := range p.Steps {
		if p.Steps[i].Ordinal == ordinal {
			p.Steps[i].Status = status
			p.Steps[i].Error = stepErr
			m.requestSave()
			return nil
		}
	}
	return &ErrNotFound{Entity: "plan step", Key: planID}
}

// ── Job Store ───────────────────────────────────────────────

func (m *MemoryStore) ListJobs(_ context.Context, engineID string, limit int) ([]models.BuildJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.BuildJob
	for _, j := range m.jobs {
		if engineID == "" || j.EngineID == engineID {
			result = append(result, *j)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) GetJob(_ context.Context, id string) (*models.BuildJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "job", Key: id}
	}
	copy := *j
	return &copy, nil
}

func (m *MemoryStore) CreateJob(_ context.Context, job *models.BuildJob) error {
	m.mu.Lock()
	copy := *job
	m.jobs[job.ID] = &copy
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) UpdateJob(_ context.Context, job *models.BuildJob) error {
	m.mu.Lock()
	if _, ok := m.jobs[job.ID]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "job", Key: job.ID}
	}
	copy := *job
	m.jobs[job.ID] = &copy
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetActiveJob(_ context.Context, engineID string) (*models.BuildJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, j := range m.jobs {
		if j.EngineID == engineID && !j.Status.Terminal() {
			copy := *j
			return &copy, nil
		}
	}
	return nil, &ErrNotFound{Entity: "active job", Key: engineID}
}

func (m *MemoryStore) ListActiveJobs(_ context.Context) ([]models.BuildJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.BuildJob
	for _, j := range m.jobs {
		if !j.Status.Terminal() {
			result = append(result, *j)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

// ── User Store ──────────────────────────────────────────────

func (m *MemoryStore) GetUser(_ context.Context, id string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "user", Key: id}
	}
	copy := *u
	return &copy, nil
}

func (m *MemoryStore) GetUserByEmail(_ context.Context, email string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if u.Email == email {
			copy := *u
			return &copy, nil
		}
	}
	return nil, &ErrNotFound{Entity: "user", Key: email}
}

func (m *MemoryStore) CreateUser(_ context.Context, user *models.User) error {
	m.mu.Lock()
	copy := *user
	m.users[user.ID] = &copy
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) UpdateUser(_ context.Context, user *models.User) error {
	m.mu.Lock()
	if _, ok := m.users[user.ID]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "user", Key: user.ID}
	}
	copy := *user
	m.users[user.ID] = &copy
	m.mu.Unlock()
	m.requestSave()
	return nil
}

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

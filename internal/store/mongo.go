// Package store — MongoDB Store implementation.
// Backs production deployments; collection names take an optional prefix so
// several installations can share one database.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/groundplane/groundplane/pkg/models"
)

const mongoConnectTimeout = 10 * time.Second

// MongoStore implements Store backed by MongoDB.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database

	engines *mongo.Collection
	sources *mongo.Collection
	chunks  *mongo.Collection
	chats   *mongo.Collection
	plans   *mongo.Collection
	jobs    *mongo.Collection
	users   *mongo.Collection
}

// NewMongoStore connects to MongoDB and returns a ready store.
// prefix is prepended to every collection name; it may be empty.
func NewMongoStore(ctx context.Context, uri, dbName, prefix string) (*MongoStore, error) {
	connectCtx, cancel := context.WithTimeout(ctx, mongoConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongodb connect: %w", err)
	}
	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongodb ping: %w", err)
	}

	db := client.Database(dbName)
	coll := func(name string) *mongo.Collection { return db.Collection(prefix + name) }

	s := &MongoStore{
		client:  client,
		db:      db,
		engines: coll("query_engines"),
		sources: coll("sources"),
		chunks:  coll("chunks"),
		chats:   coll("chats"),
		plans:   coll("plans"),
		jobs:    coll("jobs"),
		users:   coll("users"),
	}

	log.Info().Str("db", dbName).Str("prefix", prefix).Msg("✅ Connected to MongoDB")
	return s, nil
}

func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// Migrate creates the indexes the query paths depend on. Index creation is
// idempotent, so this is safe to run on every startup.
func (s *MongoStore) Migrate(ctx context.Context) error {
	type idx struct {
		coll  *mongo.Collection
		model mongo.IndexModel
	}
	indexes := []idx{
		{s.engines, mongo.IndexModel{
			Keys:    bson.D{{Key: "name", Value: 1}},
			Options: options.Index().SetUnique(true),
		}},
		{s.engines, mongo.IndexModel{
			Keys: bson.D{{Key: "state", Value: 1}, {Key: "updated_at", Value: 1}},
		}},
		{s.sources, mongo.IndexModel{
			Keys: bson.D{{Key: "engine_id", Value: 1}},
		}},
		{s.sources, mongo.IndexModel{
			Keys: bson.D{{Key: "engine_id", Value: 1}, {Key: "content_hash", Value: 1}},
		}},
		{s.chunks, mongo.IndexModel{
			Keys: bson.D{{Key: "engine_id", Value: 1}},
		}},
		{s.chunks, mongo.IndexModel{
			Keys: bson.D{{Key: "source_id", Value: 1}, {Key: "ordinal", Value: 1}},
		}},
		{s.chats, mongo.IndexModel{
			Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "updated_at", Value: -1}},
		}},
		{s.jobs, mongo.IndexModel{
			Keys: bson.D{{Key: "engine_id", Value: 1}, {Key: "status", Value: 1}},
		}},
		{s.users, mongo.IndexModel{
			Keys:    bson.D{{Key: "email", Value: 1}},
			Options: options.Index().SetUnique(true),
		}},
	}
	for _, ix := range indexes {
		if _, err := ix.coll.Indexes().CreateOne(ctx, ix.model); err != nil {
			return fmt.Errorf("mongodb create index on %s: %w", ix.coll.Name(), err)
		}
	}
	return nil
}

// terminalJobStatuses is the filter value for jobs that admit no further
// transition.
var terminalJobStatuses = []models.JobStatus{
	models.JobSucceeded,
	models.JobFailed,
	models.JobCancelled,
}

// ── Engine Store ────────────────────────────────────────────

func (s *MongoStore) ListEngines(ctx context.Context, ownerID string) ([]models.QueryEngine, error) {
	filter := bson.M{}
	if ownerID != "" {
		filter["owner_id"] = ownerID
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	cursor, err := s.engines.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("mongodb list engines: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var out []models.QueryEngine
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("mongodb list engines decode: %w", err)
	}
	return out, nil
}

func (s *MongoStore) ListEnginesByState(ctx context.Context, state models.EngineState, before time.Time) ([]models.QueryEngine, error) {
	filter := bson.M{
		"state":      state,
		"updated_at": bson.M{"$lt": before},
	}
	cursor, err := s.engines.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("mongodb list engines by state: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var out []models.QueryEngine
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("mongodb list engines by state decode: %w", err)
	}
	return out, nil
}

func (s *MongoStore) GetEngine(ctx context.Context, id string) (*models.QueryEngine, error) {
	var eng models.QueryEngine
	if err := s.engines.FindOne(ctx, bson.M{"_id": id}).Decode(&eng); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, &ErrNotFound{Entity: "engine", Key: id}
		}
		return nil, fmt.Errorf("mongodb get engine %q: %w", id, err)
	}
	return &eng, nil
}

func (s *MongoStore) GetEngineByName(ctx context.Context, name string) (*models.QueryEngine, error) {
	var eng models.QueryEngine
	if err := s.engines.FindOne(ctx, bson.M{"name": name}).Decode(&eng); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, &ErrNotFound{Entity: "engine", Key: name}
		}
		return nil, fmt.Errorf("mongodb get engine by name %q: %w", name, err)
	}
	return &eng, nil
}

func (s *MongoStore) CreateEngine(ctx context.Context, engine *models.QueryEngine) error {
	if _, err := s.engines.InsertOne(ctx, engine); err != nil {
		return fmt.Errorf("mongodb create engine %q: %w", engine.ID, err)
	}
	return nil
}

func (s *MongoStore) UpdateEngine(ctx context.Context, engine *models.QueryEngine) error {
	engine.UpdatedAt = time.Now().UTC()
	res, err := s.engines.ReplaceOne(ctx, bson.M{"_id": engine.ID}, engine)
	if err != nil {
		return fmt.Errorf("mongodb update engine %q: %w", engine.ID, err)
	}
	if res.MatchedCount == 0 {
		return &ErrNotFound{Entity: "engine", Key: engine.ID}
	}
	return nil
}

func (s *MongoStore) DeleteEngine(ctx context.Context, id string) error {
	res, err := s.engines.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("mongodb delete engine %q: %w", id, err)
	}
	if res.DeletedCount == 0 {
		return &ErrNotFound{Entity: "engine", Key: id}
	}
	return nil
}

// ── Source Store ────────────────────────────────────────────

func (s *MongoStore) ListSources(ctx context.Context, engineID string) ([]models.SourceFile, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	cursor, err := s.sources.Find(ctx, bson.M{"engine_id": engineID}, opts)
	if err != nil {
		return nil, fmt.Errorf("mongodb list sources: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var out []models.SourceFile
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("mongodb list sources decode: %w", err)
	}
	return out, nil
}

func (s *MongoStore) GetSource(ctx context.Context, id string) (*models.SourceFile, error) {
	var src models.SourceFile
	if err := s.sources.FindOne(ctx, bson.M{"_id": id}).Decode(&src); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, &ErrNotFound{Entity: "source", Key: id}
		}
		return nil, fmt.Errorf("mongodb get source %q: %w", id, err)
	}
	return &src, nil
}

func (s *MongoStore) GetSourcesByIDs(ctx context.Context, ids []string) ([]models.SourceFile, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	cursor, err := s.sources.Find(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return nil, fmt.Errorf("mongodb get sources by ids: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var docs []models.SourceFile
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongodb get sources by ids decode: %w", err)
	}

	// $in does not preserve request order; re-order and skip missing IDs.
	byID := make(map[string]models.SourceFile, len(docs))
	for _, d := range docs {
		byID[d.ID] = d
	}
	out := make([]models.SourceFile, 0, len(ids))
	for _, id := range ids {
		if d, ok := byID[id]; ok {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *MongoStore) CreateSource(ctx context.Context, src *models.SourceFile) error {
	if _, err := s.sources.InsertOne(ctx, src); err != nil {
		return fmt.Errorf("mongodb create source %q: %w", src.ID, err)
	}
	return nil
}

func (s *MongoStore) DeleteSourcesByEngine(ctx context.Context, engineID string) (int64, error) {
	res, err := s.sources.DeleteMany(ctx, bson.M{"engine_id": engineID})
	if err != nil {
		return 0, fmt.Errorf("mongodb delete sources for %q: %w", engineID, err)
	}
	return res.DeletedCount, nil
}

// ── Chunk Store ─────────────────────────────────────────────

func (s *MongoStore) CreateChunks(ctx context.Context, chunks []models.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	docs := make([]interface{}, len(chunks))
	for i := range chunks {
		docs[i] = chunks[i]
	}
	if _, err := s.chunks.InsertMany(ctx, docs); err != nil {
		return fmt.Errorf("mongodb create %d chunks: %w", len(chunks), err)
	}
	return nil
}

func (s *MongoStore) GetChunksByIDs(ctx context.Context, ids []string) ([]models.Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	cursor, err := s.chunks.Find(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return nil, fmt.Errorf("mongodb get chunks by ids: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var docs []models.Chunk
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongodb get chunks by ids decode: %w", err)
	}

	byID := make(map[string]models.Chunk, len(docs))
	for _, d := range docs {
		byID[d.ID] = d
	}
	out := make([]models.Chunk, 0, len(ids))
	for _, id := range ids {
		if d, ok := byID[id]; ok {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *MongoStore) CountChunks(ctx context.Context, engineID string) (int64, error) {
	count, err := s.chunks.CountDocuments(ctx, bson.M{"engine_id": engineID})
	if err != nil {
		return 0, fmt.Errorf("mongodb count chunks for %q: %w", engineID, err)
	}
	return count, nil
}

func (s *MongoStore) DeleteChunksByEngine(ctx context.Context, engineID string) (int64, error) {
	res, err := s.chunks.DeleteMany(ctx, bson.M{"engine_id": engineID})
	if err != nil {
		return 0, fmt.Errorf("mongodb delete chunks for %q: %w", engineID, err)
	}
	return res.DeletedCount, nil
}

// ── Chat Store ──────────────────────────────────────────────

func (s *MongoStore) ListChatsByUser(ctx context.Context, userID string, limit int) ([]models.UserChat, error) {
	opts := options.Find().SetSort(bson.D{{Key: "updated_at", Value: -1}})
	if limit > 0 {
		opts = opts.SetLimit(int64(limit))
	}
	cursor, err := s.chats.Find(ctx, bson.M{"user_id": userID}, opts)
	if err != nil {
		return nil, fmt.Errorf("mongodb list chats: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var out []models.UserChat
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("mongodb list chats decode: %w", err)
	}
	return out, nil
}

func (s *MongoStore) GetChat(ctx context.Context, id string) (*models.UserChat, error) {
	var chat models.UserChat
	if err := s.chats.FindOne(ctx, bson.M{"_id": id}).Decode(&chat); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, &ErrNotFound{Entity: "chat", Key: id}
		}
		return nil, fmt.Errorf("mongodb get chat %q: %w", id, err)
	}
	return &chat, nil
}

func (s *MongoStore) CreateChat(ctx context.Context, chat *models.UserChat) error {
	if chat.Entries == nil {
		chat.Entries = []models.ChatEntry{}
	}
	if _, err := s.chats.InsertOne(ctx, chat); err != nil {
		return fmt.Errorf("mongodb create chat %q: %w", chat.ID, err)
	}
	return nil
}

// AppendChatEntries pushes entries with a single $push/$each update, so
// concurrent appends interleave without losing entries.
func (s *MongoStore) AppendChatEntries(ctx context.Context, chatID string, entries []models.ChatEntry) error {
	if len(entries) == 0 {
		return nil
	}
	update := bson.M{
		"$push": bson.M{"entries": bson.M{"$each": entries}},
		"$set":  bson.M{"updated_at": time.Now().UTC()},
	}
	res, err := s.chats.UpdateOne(ctx, bson.M{"_id": chatID}, update)
	if err != nil {
		return fmt.Errorf("mongodb append to chat %q: %w", chatID, err)
	}
	if res.MatchedCount == 0 {
		return &ErrNotFound{Entity: "chat", Key: chatID}
	}
	return nil
}

func (s *MongoStore) DeleteChat(ctx context.Context, id string) error {
	res, err := s.chats.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("mongodb delete chat %q: %w", id, err)
	}
	if res.DeletedCount == 0 {
		return &ErrNotFound{Entity: "chat", Key: id}
	}
	return nil
}

// ── Plan Store ──────────────────────────────────────────────

func (s *MongoStore) GetPlan(ctx context.Context, id string) (*models.Plan, error) {
	var plan models.Plan
	if err := s.plans.FindOne(ctx, bson.M{"_id": id}).Decode(&plan); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, &ErrNotFound{Entity: "plan", Key: id}
		}
		return nil, fmt.Errorf("mongodb get plan %q: %w", id, err)
	}
	return &plan, nil
}

func (s *MongoStore) CreatePlan(ctx context.Context, plan *models.Plan) error {
	if _, err := s.plans.InsertOne(ctx, plan); err != nil {
		return fmt.Errorf("mongodb create plan %q: %w", plan.ID, err)
	}
	return nil
}

func (s *MongoStore) UpdatePlanStep(ctx context.Context, planID string, ordinal int, status models.StepStatus, stepErr string) error {
	filter := bson.M{"_id": planID, "steps.ordinal": ordinal}
	update := bson.M{"$set": bson.M{
		"steps.$.status": status,
		"steps.$.error":  stepErr,
	}}
	res, err := s.plans.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("mongodb update plan %q step %d: %w", planID, ordinal, err)
	}
	if res.MatchedCount == 0 {
		return &ErrNotFound{Entity: "plan step", Key: fmt.Sprintf("%s:%d", planID, ordinal)}
	}
	return nil
}

// ── Job Store ───────────────────────────────────────────────

func (s *MongoStore) ListJobs(ctx context.Context, engineID string, limit int) ([]models.BuildJob, error) {
	filter := bson.M{}
	if engineID != "" {
		filter["engine_id"] = engineID
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if limit > 0 {
		opts = opts.SetLimit(int64(limit))
	}
	cursor, err := s.jobs.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("mongodb list jobs: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var out []models.BuildJob
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("mongodb list jobs decode: %w", err)
	}
	return out, nil
}

func (s *MongoStore) GetJob(ctx context.Context, id string) (*models.BuildJob, error) {
	var job models.BuildJob
	if err := s.jobs.FindOne(ctx, bson.M{"_id": id}).Decode(&job); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, &ErrNotFound{Entity: "job", Key: id}
		}
		return nil, fmt.Errorf("mongodb get job %q: %w", id, err)
	}
	return &job, nil
}

func (s *MongoStore) CreateJob(ctx context.Context, job *models.BuildJob) error {
	if _, err := s.jobs.InsertOne(ctx, job); err != nil {
		return fmt.Errorf("mongodb create job %q: %w", job.ID, err)
	}
	return nil
}

func (s *MongoStore) UpdateJob(ctx context.Context, job *models.BuildJob) error {
	res, err := s.jobs.ReplaceOne(ctx, bson.M{"_id": job.ID}, job)
	if err != nil {
		return fmt.Errorf("mongodb update job %q: %w", job.ID, err)
	}
	if res.MatchedCount == 0 {
		return &ErrNotFound{Entity: "job", Key: job.ID}
	}
	return nil
}

func (s *MongoStore) GetActiveJob(ctx context.Context, engineID string) (*models.BuildJob, error) {
	filter := bson.M{
		"engine_id": engineID,
		"status":    bson.M{"$nin": terminalJobStatuses},
	}
	var job models.BuildJob
	if err := s.jobs.FindOne(ctx, filter).Decode(&job); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, &ErrNotFound{Entity: "active job", Key: engineID}
		}
		return nil, fmt.Errorf("mongodb get active job for %q: %w", engineID, err)
	}
	return &job, nil
}

func (s *MongoStore) ListActiveJobs(ctx context.Context) ([]models.BuildJob, error) {
	filter := bson.M{"status": bson.M{"$nin": terminalJobStatuses}}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	cursor, err := s.jobs.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("mongodb list active jobs: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var out []models.BuildJob
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("mongodb list active jobs decode: %w", err)
	}
	return out, nil
}

// ── User Store ──────────────────────────────────────────────

func (s *MongoStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	if err := s.users.FindOne(ctx, bson.M{"_id": id}).Decode(&user); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, &ErrNotFound{Entity: "user", Key: id}
		}
		return nil, fmt.Errorf("mongodb get user %q: %w", id, err)
	}
	return &user, nil
}

func (s *MongoStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var user models.User
	if err := s.users.FindOne(ctx, bson.M{"email": email}).Decode(&user); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, &ErrNotFound{Entity: "user", Key: email}
		}
		return nil, fmt.Errorf("mongodb get user by email: %w", err)
	}
	return &user, nil
}

func (s *MongoStore) CreateUser(ctx context.Context, user *models.User) error {
	if _, err := s.users.InsertOne(ctx, user); err != nil {
		return fmt.Errorf("mongodb create user %q: %w", user.ID, err)
	}
	return nil
}

func (s *MongoStore) UpdateUser(ctx context.Context, user *models.User) error {
	user.UpdatedAt = time.Now().UTC()
	res, err := s.users.ReplaceOne(ctx, bson.M{"_id": user.ID}, user)
	if err != nil {
		return fmt.Errorf("mongodb update user %q: %w", user.ID, err)
	}
	if res.MatchedCount == 0 {
		return &ErrNotFound{Entity: "user", Key: user.ID}
	}
	return nil
}

// Compile-time check that MongoStore implements Store.
var _ Store = (*MongoStore)(nil)

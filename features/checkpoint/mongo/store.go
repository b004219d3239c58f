// Package mongo backs the checkpoint store with MongoDB. Retention is
// enforced server-side with a TTL index on the checkpoint timestamp, so a
// crashed process cannot leak resume records past their window.
package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
	"goa.design/clue/health"

	"goa.design/conductor/runtime/checkpoint"
	"goa.design/conductor/runtime/execerrors"
)

const (
	defaultCollection = "execution_checkpoints"
	defaultOpTimeout  = 5 * time.Second
	clientName        = "checkpoint-mongo"
)

type (
	// Store implements checkpoint.Store over a Mongo collection.
	Store struct {
		mongo   *mongodriver.Client
		coll    *mongodriver.Collection
		timeout time.Duration
	}

	// Options configures the store.
	Options struct {
		// Client is the Mongo connection. Required.
		Client *mongodriver.Client
		// Database is the database name. Required.
		Database string
		// Collection defaults to "execution_checkpoints".
		Collection string
		// TTL is the checkpoint retention window, enforced by a TTL index.
		// Defaults to checkpoint.DefaultTTL.
		TTL time.Duration
		// Timeout bounds each operation. Defaults to 5s.
		Timeout time.Duration
	}

	checkpointDocument struct {
		ExecutionID   string            `bson:"execution_id"`
		CheckpointAt  time.Time         `bson:"checkpoint_at"`
		GitSHA        string            `bson:"git_sha"`
		LogicVersion  string            `bson:"logic_version"`
		ToolVersions  map[string]string `bson:"tool_versions,omitempty"`
		StateSnapshot string            `bson:"state_snapshot"`
		NextStepIndex int               `bson:"next_step_index"`
		SegmentNumber int               `bson:"segment_number"`
		Reason        string            `bson:"reason"`
		Version       int64             `bson:"version"`
	}
)

var (
	_ checkpoint.Store = (*Store)(nil)
	_ health.Pinger    = (*Store)(nil)
)

// New constructs a Store and ensures its indexes.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collName := opts.Collection
	if collName == "" {
		collName = defaultCollection
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = checkpoint.DefaultTTL
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}

	coll := opts.Client.Database(opts.Database).Collection(collName)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, coll, ttl); err != nil {
		return nil, execerrors.Wrap(execerrors.CodeCheckpointStoreFailed, "ensure indexes", err)
	}
	return &Store{mongo: opts.Client, coll: coll, timeout: timeout}, nil
}

func ensureIndexes(ctx context.Context, coll *mongodriver.Collection, ttl time.Duration) error {
	unique := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "execution_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := coll.Indexes().CreateOne(ctx, unique); err != nil {
		return err
	}
	expiry := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "checkpoint_at", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(int32(ttl / time.Second)),
	}
	_, err := coll.Indexes().CreateOne(ctx, expiry)
	return err
}

// Name implements health.Pinger.
func (s *Store) Name() string { return clientName }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.mongo.Ping(ctx, readpref.Primary())
}

// Save implements checkpoint.Store: the latest checkpoint replaces any
// previous one for the execution.
func (s *Store) Save(ctx context.Context, cp checkpoint.Checkpoint) error {
	if cp.ExecutionID == "" {
		return errors.New("execution id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	doc := fromCheckpoint(cp)
	filter := bson.M{"execution_id": cp.ExecutionID}
	if _, err := s.coll.ReplaceOne(ctx, filter, doc, options.Replace().SetUpsert(true)); err != nil {
		return execerrors.Wrap(execerrors.CodeCheckpointStoreFailed, "save checkpoint", err)
	}
	return nil
}

// Load implements checkpoint.Store.
func (s *Store) Load(ctx context.Context, executionID string) (checkpoint.Checkpoint, bool, error) {
	if executionID == "" {
		return checkpoint.Checkpoint{}, false, errors.New("execution id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var doc checkpointDocument
	err := s.coll.FindOne(ctx, bson.M{"execution_id": executionID}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return checkpoint.Checkpoint{}, false, nil
	}
	if err != nil {
		return checkpoint.Checkpoint{}, false, execerrors.Wrap(execerrors.CodeCheckpointStoreFailed, "load checkpoint", err)
	}
	return doc.toCheckpoint(), true, nil
}

// Delete implements checkpoint.Store.
func (s *Store) Delete(ctx context.Context, executionID string) error {
	if executionID == "" {
		return errors.New("execution id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if _, err := s.coll.DeleteOne(ctx, bson.M{"execution_id": executionID}); err != nil {
		return execerrors.Wrap(execerrors.CodeCheckpointStoreFailed, "delete checkpoint", err)
	}
	return nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func fromCheckpoint(cp checkpoint.Checkpoint) checkpointDocument {
	return checkpointDocument{
		ExecutionID:   cp.ExecutionID,
		CheckpointAt:  cp.CheckpointAt.UTC(),
		GitSHA:        cp.GitSHA,
		LogicVersion:  cp.LogicVersion,
		ToolVersions:  cp.ToolVersions,
		StateSnapshot: string(cp.StateSnapshot),
		NextStepIndex: cp.NextStepIndex,
		SegmentNumber: cp.SegmentNumber,
		Reason:        cp.Reason,
		Version:       cp.Version,
	}
}

func (doc checkpointDocument) toCheckpoint() checkpoint.Checkpoint {
	return checkpoint.Checkpoint{
		ExecutionID:   doc.ExecutionID,
		CheckpointAt:  doc.CheckpointAt.UTC(),
		GitSHA:        doc.GitSHA,
		LogicVersion:  doc.LogicVersion,
		ToolVersions:  doc.ToolVersions,
		StateSnapshot: json.RawMessage(doc.StateSnapshot),
		NextStepIndex: doc.NextStepIndex,
		SegmentNumber: doc.SegmentNumber,
		Reason:        doc.Reason,
		Version:       doc.Version,
	}
}

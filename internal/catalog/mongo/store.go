// Package mongo persists app documents in MongoDB and backs the merge's
// optimistic concurrency with revision-conditioned replaces.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/steamwatch/steamwatch/internal/apperr"
	"github.com/steamwatch/steamwatch/internal/catalog"
)

const appsCollection = "apps"

// Store wraps the apps collection. It satisfies catalog.DocStore and carries
// the read-path queries.
type Store struct {
	client *mongo.Client
	apps   *mongo.Collection
	logger *slog.Logger
}

// NewStore connects, pings and prepares the indexes the read path relies on.
func NewStore(ctx context.Context, uri, dbName string, logger *slog.Logger) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, &apperr.Transient{Err: err}
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, &apperr.Transient{Err: err}
	}

	s := &Store{
		client: client,
		apps:   client.Database(dbName).Collection(appsCollection),
		logger: logger,
	}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	logger.Info("document store ready", slog.String("db", dbName))
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.apps.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "name", Value: 1}}},
		// The ETL indexer tails documents by their mutation watermark.
		{Keys: bson.D{{Key: "updated_at", Value: 1}}},
	})
	return err
}

func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// Ping reports whether the server is still reachable, for health probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Get returns the document for id, or (nil, nil) when absent.
func (s *Store) Get(ctx context.Context, id int64) (*catalog.App, error) {
	var app catalog.App
	err := s.apps.FindOne(ctx, bson.M{"_id": id}).Decode(&app)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, &apperr.Transient{Err: err}
	}
	return &app, nil
}

// Insert adds a new document, reporting catalog.ErrDuplicateID on races.
func (s *Store) Insert(ctx context.Context, app *catalog.App) error {
	_, err := s.apps.InsertOne(ctx, app)
	if mongo.IsDuplicateKeyError(err) {
		return catalog.ErrDuplicateID
	}
	if err != nil {
		return &apperr.Transient{Err: err}
	}
	return nil
}

// ReplaceRevision persists app only if the stored revision still equals
// oldRevision; a miss means a concurrent writer won.
func (s *Store) ReplaceRevision(ctx context.Context, app *catalog.App, oldRevision int64) (bool, error) {
	res, err := s.apps.ReplaceOne(ctx, bson.M{"_id": app.ID, "revision": oldRevision}, app)
	if err != nil {
		return false, &apperr.Transient{Err: err}
	}
	return res.MatchedCount == 1, nil
}

// List returns one page of documents matching filter plus the total count.
// page is 1-based; sort may be nil for natural order.
func (s *Store) List(ctx context.Context, filter bson.M, sort bson.D, page, size int64) ([]catalog.App, int64, error) {
	total, err := s.apps.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, &apperr.Transient{Err: err}
	}

	opts := options.Find().SetSkip((page - 1) * size).SetLimit(size)
	if len(sort) > 0 {
		opts.SetSort(sort)
	}
	cursor, err := s.apps.Find(ctx, filter, opts)
	if err != nil {
		return nil, 0, &apperr.Transient{Err: err}
	}
	defer func() { _ = cursor.Close(ctx) }()

	var apps []catalog.App
	if err := cursor.All(ctx, &apps); err != nil {
		return nil, 0, &apperr.Transient{Err: err}
	}
	return apps, total, nil
}

// Create inserts an admin-authored document; duplicates answer 409.
func (s *Store) Create(ctx context.Context, app *catalog.App) error {
	app.UpdatedAt = time.Now().UTC()
	app.Revision = 1
	err := s.Insert(ctx, app)
	if errors.Is(err, catalog.ErrDuplicateID) {
		return &apperr.Conflict{Msg: fmt.Sprintf("app %d already exists", app.ID)}
	}
	return err
}

// Patch applies a partial update and returns the resulting document.
func (s *Store) Patch(ctx context.Context, id int64, fields bson.M) (*catalog.App, error) {
	if len(fields) == 0 {
		return nil, apperr.Validationf("empty patch")
	}
	fields["updated_at"] = time.Now().UTC()

	after := options.After
	var app catalog.App
	err := s.apps.FindOneAndUpdate(ctx,
		bson.M{"_id": id},
		bson.M{"$set": fields, "$inc": bson.M{"revision": 1}},
		options.FindOneAndUpdate().SetReturnDocument(after),
	).Decode(&app)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, &apperr.NotFound{Msg: fmt.Sprintf("app %d", id)}
	}
	if err != nil {
		return nil, &apperr.Transient{Err: err}
	}
	return &app, nil
}

// Delete removes the document for id.
func (s *Store) Delete(ctx context.Context, id int64) error {
	res, err := s.apps.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return &apperr.Transient{Err: err}
	}
	if res.DeletedCount == 0 {
		return &apperr.NotFound{Msg: fmt.Sprintf("app %d", id)}
	}
	return nil
}

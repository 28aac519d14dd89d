// Package store persists members, invite links and broadcast runs in
// MongoDB. It is the only package that touches the database; every
// cross-entity effect goes through a method here so counter increments
// and status transitions stay atomic at the storage layer.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/tinyland-inc/gatekeeper/pkg/logger"
)

// ErrNotFound is returned when a referenced member, link or run does
// not exist.
var ErrNotFound = errors.New("not found")

const (
	membersCollection    = "members"
	linksCollection      = "invite_links"
	broadcastsCollection = "broadcasts"
)

type Mongo struct {
	client *mongo.Client
	db     *mongo.Database
}

// Connect opens the client, verifies the connection and prepares the
// indexes the engine relies on.
func Connect(ctx context.Context, uri, database string) (*Mongo, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("mongo ping: %w", err)
	}

	m := &Mongo{client: client, db: client.Database(database)}
	if err := m.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}

	logger.InfoCF("store", "Connected to MongoDB", map[string]any{"database": database})
	return m, nil
}

func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

func (m *Mongo) ensureIndexes(ctx context.Context) error {
	unique := options.Index().SetUnique(true)

	_, err := m.db.Collection(membersCollection).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "user_id", Value: 1}}, Options: unique},
		{Keys: bson.D{{Key: "status", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("member indexes: %w", err)
	}

	_, err = m.db.Collection(linksCollection).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "token", Value: 1}}, Options: options.Index().SetUnique(true)},
	})
	if err != nil {
		return fmt.Errorf("link indexes: %w", err)
	}

	_, err = m.db.Collection(broadcastsCollection).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "scheduled_at", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("broadcast indexes: %w", err)
	}
	return nil
}

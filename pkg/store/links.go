package store

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func (m *Mongo) links() *mongo.Collection {
	return m.db.Collection(linksCollection)
}

// InsertLink persists a freshly created invite link. The caller only
// invokes this after the platform confirmed the token, so no partial
// records exist for failed creations.
func (m *Mongo) InsertLink(ctx context.Context, link InviteLink) error {
	if _, err := m.links().InsertOne(ctx, link); err != nil {
		return fmt.Errorf("insert link %s: %w", link.ID, err)
	}
	return nil
}

func (m *Mongo) FindLinkByID(ctx context.Context, id string) (*InviteLink, error) {
	return m.findLink(ctx, bson.M{"_id": id})
}

func (m *Mongo) FindLinkByToken(ctx context.Context, token string) (*InviteLink, error) {
	return m.findLink(ctx, bson.M{"token": token})
}

func (m *Mongo) findLink(ctx context.Context, filter bson.M) (*InviteLink, error) {
	var link InviteLink
	err := m.links().FindOne(ctx, filter).Decode(&link)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find link: %w", err)
	}
	return &link, nil
}

// IncrementLinkUsage bumps the usage counter with a storage-level $inc
// and returns the new count. Safe under concurrent join events for the
// same link; the counter is never computed application-side.
func (m *Mongo) IncrementLinkUsage(ctx context.Context, id string) (int64, error) {
	var link InviteLink
	err := m.links().FindOneAndUpdate(ctx,
		bson.M{"_id": id},
		bson.M{"$inc": bson.M{"uses": 1}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&link)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("increment link %s: %w", id, err)
	}
	return link.Uses, nil
}

// RevokeLink marks the link revoked; historical attribution is kept.
func (m *Mongo) RevokeLink(ctx context.Context, id string) error {
	res, err := m.links().UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"revoked": true}},
	)
	if err != nil {
		return fmt.Errorf("revoke link %s: %w", id, err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// ListLinks returns all invite links, newest first.
func (m *Mongo) ListLinks(ctx context.Context) ([]InviteLink, error) {
	cur, err := m.links().Find(ctx, bson.M{},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}))
	if err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}
	var out []InviteLink
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode links: %w", err)
	}
	return out, nil
}

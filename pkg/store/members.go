package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func (m *Mongo) members() *mongo.Collection {
	return m.db.Collection(membersCollection)
}

// FindMember returns the member document for a platform user id.
func (m *Mongo) FindMember(ctx context.Context, userID int64) (*Member, error) {
	var member Member
	err := m.members().FindOne(ctx, bson.M{"user_id": userID}).Decode(&member)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find member %d: %w", userID, err)
	}
	return &member, nil
}

// UpsertPendingMember records a join request. A new document is created
// in pending; an existing document keeps its identity and re-enters
// pending from left or rejected (the conditional update keyed on prior
// status makes concurrent same-identity events safe). It returns the
// resulting member and whether this call changed anything.
func (m *Mongo) UpsertPendingMember(ctx context.Context, userID int64, username, firstName, lastName string) (*Member, bool, error) {
	now := time.Now().UTC()

	// Revive left and rejected members first; matches nothing for
	// pending or approved, so those duplicates are absorbed below.
	res, err := m.members().UpdateOne(ctx,
		bson.M{"user_id": userID, "status": bson.M{"$in": []MemberStatus{MemberLeft, MemberRejected}}},
		bson.M{"$set": bson.M{
			"status":        MemberPending,
			"username":      username,
			"first_name":    firstName,
			"last_name":     lastName,
			"last_activity": now,
			"updated_at":    now,
		}},
	)
	if err != nil {
		return nil, false, fmt.Errorf("revive member %d: %w", userID, err)
	}
	if res.ModifiedCount > 0 {
		member, err := m.FindMember(ctx, userID)
		return member, true, err
	}

	// Otherwise create-if-absent; existing pending/approved documents
	// are left untouched so duplicate events are absorbed.
	upsert, err := m.members().UpdateOne(ctx,
		bson.M{"user_id": userID},
		bson.M{"$setOnInsert": bson.M{
			"user_id":       userID,
			"username":      username,
			"first_name":    firstName,
			"last_name":     lastName,
			"status":        MemberPending,
			"last_activity": now,
			"created_at":    now,
			"updated_at":    now,
		}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return nil, false, fmt.Errorf("upsert member %d: %w", userID, err)
	}

	member, err := m.FindMember(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	return member, upsert.UpsertedCount > 0, nil
}

// TransitionMember applies a compare-and-swap status change: the update
// only lands when the current status is one of from. Extra fields are
// $set alongside the status. Returns false when the CAS lost (someone
// else already moved the member).
func (m *Mongo) TransitionMember(ctx context.Context, userID int64, from []MemberStatus, to MemberStatus, extra bson.M) (bool, error) {
	set := bson.M{
		"status":     to,
		"updated_at": time.Now().UTC(),
	}
	for k, v := range extra {
		set[k] = v
	}

	res, err := m.members().UpdateOne(ctx,
		bson.M{"user_id": userID, "status": bson.M{"$in": from}},
		bson.M{"$set": set},
	)
	if err != nil {
		return false, fmt.Errorf("transition member %d to %s: %w", userID, to, err)
	}
	return res.ModifiedCount > 0, nil
}

// ApproveMember moves a pending member to approved. Exactly one of any
// set of concurrent calls wins the compare-and-swap.
func (m *Mongo) ApproveMember(ctx context.Context, userID int64, at time.Time) (bool, error) {
	return m.TransitionMember(ctx, userID,
		[]MemberStatus{MemberPending}, MemberApproved,
		bson.M{"joined_at": at, "last_activity": at})
}

// RejectMember moves a pending member to rejected.
func (m *Mongo) RejectMember(ctx context.Context, userID int64) (bool, error) {
	return m.TransitionMember(ctx, userID,
		[]MemberStatus{MemberPending}, MemberRejected, nil)
}

// MarkMemberLeft archives an approved member on a leave event. The
// record is kept for statistics, never deleted.
func (m *Mongo) MarkMemberLeft(ctx context.Context, userID int64, at time.Time) (bool, error) {
	return m.TransitionMember(ctx, userID,
		[]MemberStatus{MemberApproved}, MemberLeft,
		bson.M{"left_at": at})
}

// SetMemberAttribution records which invite link brought the member in.
func (m *Mongo) SetMemberAttribution(ctx context.Context, userID int64, linkID string) error {
	_, err := m.members().UpdateOne(ctx,
		bson.M{"user_id": userID},
		bson.M{"$set": bson.M{"link_id": linkID, "updated_at": time.Now().UTC()}},
	)
	return err
}

// MembersByStatus returns all members currently in the given status.
func (m *Mongo) MembersByStatus(ctx context.Context, status MemberStatus) ([]Member, error) {
	cur, err := m.members().Find(ctx, bson.M{"status": status})
	if err != nil {
		return nil, fmt.Errorf("members by status %s: %w", status, err)
	}
	var out []Member
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode members: %w", err)
	}
	return out, nil
}

// MemberStatusCounts aggregates the member count per status.
func (m *Mongo) MemberStatusCounts(ctx context.Context) (map[MemberStatus]int64, error) {
	cur, err := m.members().Aggregate(ctx, mongo.Pipeline{
		{{Key: "$group", Value: bson.M{"_id": "$status", "count": bson.M{"$sum": 1}}}},
	})
	if err != nil {
		return nil, fmt.Errorf("status counts: %w", err)
	}
	var rows []struct {
		Status MemberStatus `bson:"_id"`
		Count  int64        `bson:"count"`
	}
	if err := cur.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("decode status counts: %w", err)
	}
	counts := make(map[MemberStatus]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}

// TouchMemberActivity updates the last-activity timestamp, best-effort.
func (m *Mongo) TouchMemberActivity(ctx context.Context, userID int64) error {
	now := time.Now().UTC()
	_, err := m.members().UpdateOne(ctx,
		bson.M{"user_id": userID},
		bson.M{"$set": bson.M{"last_activity": now, "updated_at": now}},
	)
	return err
}

// ExpireStalePending rejects members that have sat in pending since
// before the cutoff. Returns how many were expired.
func (m *Mongo) ExpireStalePending(ctx context.Context, cutoff time.Time) (int64, error) {
	now := time.Now().UTC()
	res, err := m.members().UpdateMany(ctx,
		bson.M{"status": MemberPending, "updated_at": bson.M{"$lt": cutoff}},
		bson.M{"$set": bson.M{"status": MemberRejected, "updated_at": now}},
	)
	if err != nil {
		return 0, fmt.Errorf("expire stale pending: %w", err)
	}
	return res.ModifiedCount, nil
}

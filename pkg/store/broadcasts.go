package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

func (m *Mongo) broadcasts() *mongo.Collection {
	return m.db.Collection(broadcastsCollection)
}

// OutcomeKey is the map key for a recipient inside a run document.
func OutcomeKey(userID int64) string {
	return strconv.FormatInt(userID, 10)
}

func (m *Mongo) InsertRun(ctx context.Context, run BroadcastRun) error {
	if _, err := m.broadcasts().InsertOne(ctx, run); err != nil {
		return fmt.Errorf("insert run %s: %w", run.ID, err)
	}
	return nil
}

func (m *Mongo) FindRun(ctx context.Context, id string) (*BroadcastRun, error) {
	var run BroadcastRun
	err := m.broadcasts().FindOne(ctx, bson.M{"_id": id}).Decode(&run)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find run %s: %w", id, err)
	}
	return &run, nil
}

// SetOutcome upserts the delivery record for one recipient of a run.
// Keyed by member id, so re-applying after a crash is idempotent. A
// recipient entry already in a terminal status is never overwritten;
// a late result from an attempt that raced a cancellation drops here.
func (m *Mongo) SetOutcome(ctx context.Context, runID string, outcome Outcome) error {
	field := "outcomes." + OutcomeKey(outcome.UserID)
	res, err := m.broadcasts().UpdateOne(ctx,
		bson.M{
			"_id": runID,
			"$or": []bson.M{
				{field + ".status": bson.M{"$in": []OutcomeStatus{OutcomePending, OutcomeFailedRetryable}}},
				{field: bson.M{"$exists": false}},
			},
		},
		bson.M{"$set": bson.M{field: outcome}},
	)
	if err != nil {
		return fmt.Errorf("set outcome run=%s user=%d: %w", runID, outcome.UserID, err)
	}
	if res.MatchedCount == 0 {
		if _, err := m.FindRun(ctx, runID); err != nil {
			return err
		}
		return nil
	}
	return nil
}

// TransitionRun applies a compare-and-swap run status change; it only
// lands when the current status is one of from. This is also how the
// scheduler claims a due run exactly once.
func (m *Mongo) TransitionRun(ctx context.Context, runID string, from []RunStatus, to RunStatus) (bool, error) {
	res, err := m.broadcasts().UpdateOne(ctx,
		bson.M{"_id": runID, "status": bson.M{"$in": from}},
		bson.M{"$set": bson.M{"status": to}},
	)
	if err != nil {
		return false, fmt.Errorf("transition run %s to %s: %w", runID, to, err)
	}
	return res.ModifiedCount > 0, nil
}

// SetRunSchedule updates the next fire time of a recurring run.
func (m *Mongo) SetRunSchedule(ctx context.Context, runID string, at time.Time) error {
	res, err := m.broadcasts().UpdateOne(ctx,
		bson.M{"_id": runID},
		bson.M{"$set": bson.M{"scheduled_at": at}},
	)
	if err != nil {
		return fmt.Errorf("set run schedule %s: %w", runID, err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// ResetRunSnapshot replaces the recipient snapshot of a run; used when
// a recurring run fires again and needs a fresh outcome set.
func (m *Mongo) ResetRunSnapshot(ctx context.Context, runID string, outcomes map[string]Outcome) error {
	res, err := m.broadcasts().UpdateOne(ctx,
		bson.M{"_id": runID},
		bson.M{"$set": bson.M{"outcomes": outcomes, "total": len(outcomes)}},
	)
	if err != nil {
		return fmt.Errorf("reset run snapshot %s: %w", runID, err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// DueScheduledRuns returns scheduled runs whose fire time has passed.
func (m *Mongo) DueScheduledRuns(ctx context.Context, now time.Time) ([]BroadcastRun, error) {
	cur, err := m.broadcasts().Find(ctx, bson.M{
		"status":       RunScheduled,
		"scheduled_at": bson.M{"$lte": now},
	})
	if err != nil {
		return nil, fmt.Errorf("due scheduled runs: %w", err)
	}
	var out []BroadcastRun
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode runs: %w", err)
	}
	return out, nil
}

// RunsByStatus returns all runs currently in the given status; used at
// startup to resume interrupted in-progress runs.
func (m *Mongo) RunsByStatus(ctx context.Context, status RunStatus) ([]BroadcastRun, error) {
	cur, err := m.broadcasts().Find(ctx, bson.M{"status": status})
	if err != nil {
		return nil, fmt.Errorf("runs by status %s: %w", status, err)
	}
	var out []BroadcastRun
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode runs: %w", err)
	}
	return out, nil
}

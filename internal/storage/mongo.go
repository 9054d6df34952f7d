package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"reminder-engine/internal/clock"
	"reminder-engine/internal/reminder"
)

// MongoStore is the backend for multi-process deployments: claims are
// per-document atomic FindOneAndUpdate operations, so any number of scheduler
// workers can share one collection.
type MongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection
	mu         sync.Mutex
	clk        clock.Clock
	grace      time.Duration
}

// NewMongoStore connects to MongoDB and prepares the reminders collection.
func NewMongoStore(connectionString, databaseName string, clk clock.Clock) (*MongoStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(connectionString))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	ms := &MongoStore{
		client:     client,
		collection: client.Database(databaseName).Collection("reminders"),
		clk:        clk,
		grace:      DefaultGraceWindow,
	}
	if err := ms.createIndexes(); err != nil {
		return nil, fmt.Errorf("failed to create indexes: %w", err)
	}
	return ms, nil
}

func (ms *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return ms.client.Disconnect(ctx)
}

// SetGraceWindow overrides how far in the past a first occurrence may lie.
func (ms *MongoStore) SetGraceWindow(d time.Duration) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.grace = d
}

func (ms *MongoStore) createIndexes() error {
	ctx := context.Background()
	_, err := ms.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "owner_id", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "next_due_at", Value: 1}}},
	})
	return err
}

func (ms *MongoStore) CreateReminder(r *reminder.Reminder) error {
	ms.mu.Lock()
	grace := ms.grace
	ms.mu.Unlock()

	if err := r.Validate(ms.clk.Now(), grace); err != nil {
		return err
	}

	ctx := context.Background()
	if _, err := ms.collection.InsertOne(ctx, r); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to create reminder: %w", err)
	}
	return nil
}

func (ms *MongoStore) GetReminder(id string) (*reminder.Reminder, error) {
	ctx := context.Background()

	var r reminder.Reminder
	err := ms.collection.FindOne(ctx, bson.M{"id": id}).Decode(&r)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get reminder: %w", err)
	}
	return &r, nil
}

func (ms *MongoStore) ListForOwner(ownerID string) ([]*reminder.Reminder, error) {
	ctx := context.Background()

	// Sort scheduled/firing rows by due time; retired rows (no next_due_at)
	// sort after them.
	opts := options.Find().SetSort(bson.D{
		{Key: "next_due_at", Value: 1},
	})
	cursor, err := ms.collection.Find(ctx, bson.M{"owner_id": ownerID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list reminders: %w", err)
	}
	defer cursor.Close(ctx)

	var active, retired []*reminder.Reminder
	for cursor.Next(ctx) {
		var r reminder.Reminder
		if err := cursor.Decode(&r); err != nil {
			return nil, fmt.Errorf("failed to decode reminder: %w", err)
		}
		if r.NextDueAt == nil {
			retired = append(retired, &r)
		} else {
			active = append(active, &r)
		}
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("cursor error: %w", err)
	}
	return append(active, retired...), nil
}

func (ms *MongoStore) ClaimDue(now time.Time, limit int) ([]*reminder.Reminder, error) {
	ctx := context.Background()

	var claimed []*reminder.Reminder
	for len(claimed) < limit {
		filter := bson.M{
			"status":      reminder.StatusScheduled,
			"next_due_at": bson.M{"$lte": now},
		}
		update := bson.M{"$set": bson.M{
			"status":     reminder.StatusFiring,
			"claimed_at": now,
		}}
		opts := options.FindOneAndUpdate().
			SetReturnDocument(options.After).
			SetSort(bson.D{{Key: "next_due_at", Value: 1}})

		var r reminder.Reminder
		err := ms.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&r)
		if err == mongo.ErrNoDocuments {
			break
		}
		if err != nil {
			return claimed, fmt.Errorf("failed to claim due reminder: %w", err)
		}
		claimed = append(claimed, &r)
	}
	return claimed, nil
}

func (ms *MongoStore) CommitOccurrence(id string, out reminder.Outcome, firedAt time.Time) error {
	ctx := context.Background()

	var current reminder.Reminder
	err := ms.collection.FindOne(ctx, bson.M{"id": id}).Decode(&current)
	if err == mongo.ErrNoDocuments {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read reminder state: %w", err)
	}
	if current.Status != reminder.StatusFiring {
		return ErrConflict
	}

	filter := bson.M{"id": id, "status": reminder.StatusFiring}
	var update bson.M
	if out.Retire || current.CancelRequested {
		update = bson.M{
			"$set": bson.M{
				"status":                reminder.StatusRetired,
				"occurrences_remaining": 0,
				"last_fired_at":         firedAt,
				"cancel_requested":      false,
			},
			"$unset": bson.M{"next_due_at": "", "claimed_at": ""},
		}
	} else {
		update = bson.M{
			"$set": bson.M{
				"status":                reminder.StatusScheduled,
				"next_due_at":           out.NextDueAt,
				"occurrences_remaining": out.OccurrencesRemaining,
				"last_fired_at":         firedAt,
			},
			"$unset": bson.M{"claimed_at": ""},
		}
	}

	res, err := ms.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("failed to commit occurrence: %w", err)
	}
	if res.ModifiedCount == 0 {
		return ErrConflict
	}
	return nil
}

func (ms *MongoStore) Cancel(id, ownerID string) error {
	ctx := context.Background()

	res, err := ms.collection.UpdateOne(ctx,
		bson.M{"id": id, "owner_id": ownerID, "status": reminder.StatusScheduled},
		bson.M{
			"$set": bson.M{
				"status":                reminder.StatusRetired,
				"occurrences_remaining": 0,
				"cancel_requested":      false,
			},
			"$unset": bson.M{"next_due_at": "", "claimed_at": ""},
		})
	if err != nil {
		return fmt.Errorf("failed to cancel reminder: %w", err)
	}
	if res.ModifiedCount == 1 {
		return nil
	}

	// Already claimed: mark for retirement at commit time.
	res, err = ms.collection.UpdateOne(ctx,
		bson.M{"id": id, "owner_id": ownerID, "status": reminder.StatusFiring},
		bson.M{"$set": bson.M{"cancel_requested": true}})
	if err != nil {
		return fmt.Errorf("failed to flag reminder for cancellation: %w", err)
	}
	if res.ModifiedCount == 1 {
		return nil
	}

	err = ms.collection.FindOne(ctx, bson.M{"id": id, "owner_id": ownerID}).Err()
	if err == mongo.ErrNoDocuments {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to check reminder: %w", err)
	}
	return nil
}

func (ms *MongoStore) DeleteReminder(id, ownerID string) error {
	ctx := context.Background()

	res, err := ms.collection.DeleteOne(ctx, bson.M{"id": id, "owner_id": ownerID})
	if err != nil {
		return fmt.Errorf("failed to delete reminder: %w", err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (ms *MongoStore) ReclaimStuck(now time.Time, olderThan time.Duration) (int, error) {
	ctx := context.Background()
	cutoff := now.Add(-olderThan)
	total := 0

	res, err := ms.collection.UpdateMany(ctx,
		bson.M{
			"status":           reminder.StatusFiring,
			"claimed_at":       bson.M{"$lte": cutoff},
			"cancel_requested": false,
		},
		bson.M{
			"$set":   bson.M{"status": reminder.StatusScheduled, "next_due_at": now},
			"$unset": bson.M{"claimed_at": ""},
		})
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim stuck reminders: %w", err)
	}
	total += int(res.ModifiedCount)

	res, err = ms.collection.UpdateMany(ctx,
		bson.M{
			"status":           reminder.StatusFiring,
			"claimed_at":       bson.M{"$lte": cutoff},
			"cancel_requested": true,
		},
		bson.M{
			"$set":   bson.M{"status": reminder.StatusRetired, "occurrences_remaining": 0, "cancel_requested": false},
			"$unset": bson.M{"next_due_at": "", "claimed_at": ""},
		})
	if err != nil {
		return total, fmt.Errorf("failed to retire cancelled stuck reminders: %w", err)
	}
	total += int(res.ModifiedCount)
	return total, nil
}

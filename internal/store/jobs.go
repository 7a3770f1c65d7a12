package store

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/relaybot-dev/relaybot/internal/apperrors"
)

// JobRecord is the durable record of a scheduled job's existence, per
// spec.md §4.7's persistence discipline: a plugin must write one of
// these before calling Scheduler.Register, and delete it on Cancel. On
// OnLoad, the plugin reads its own records back and re-registers each.
type JobRecord struct {
	JobID      string `bson:"job_id"`
	PluginName string `bson:"plugin_name"`
	CronExpr   string `bson:"cron_expr"`
	Timezone   string `bson:"timezone"`

	// Payload is an opaque, plugin-defined string carried alongside the
	// schedule itself (e.g. the reminder text a cron fire should post),
	// since cron expressions alone don't.
	Payload string `bson:"payload,omitempty"`

	CreatedAt time.Time `bson:"created_at"`
}

// JobRecordStore is the narrow persistence surface C7/C5 need for job
// durability.
type JobRecordStore interface {
	SaveJob(ctx context.Context, rec JobRecord) error
	DeleteJob(ctx context.Context, jobID string) error
	JobsForPlugin(ctx context.Context, pluginName string) ([]JobRecord, error)
}

// Jobs returns the store's JobRecordStore view.
func (s *Store) Jobs() JobRecordStore {
	return &mongoJobStore{col: s.database.Collection(collectionJobs)}
}

type mongoJobStore struct {
	col *mongo.Collection
}

func (m *mongoJobStore) SaveJob(ctx context.Context, rec JobRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := m.col.UpdateOne(ctx,
		bson.M{"job_id": rec.JobID},
		bson.M{"$set": rec},
		upsertOpts,
	)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCodeStore, "saving job record", err)
	}
	return nil
}

func (m *mongoJobStore) DeleteJob(ctx context.Context, jobID string) error {
	if _, err := m.col.DeleteOne(ctx, bson.M{"job_id": jobID}); err != nil {
		return apperrors.Wrap(apperrors.ErrCodeStore, "deleting job record", err)
	}
	return nil
}

func (m *mongoJobStore) JobsForPlugin(ctx context.Context, pluginName string) ([]JobRecord, error) {
	cur, err := m.col.Find(ctx, bson.M{"plugin_name": pluginName})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeStore, "listing job records", err)
	}
	defer cur.Close(ctx)

	var records []JobRecord
	for cur.Next(ctx) {
		var rec JobRecord
		if err := cur.Decode(&rec); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrCodeStore, "decoding job record", err)
		}
		records = append(records, rec)
	}
	return records, cur.Err()
}

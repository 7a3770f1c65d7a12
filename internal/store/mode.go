package store

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/relaybot-dev/relaybot/internal/apperrors"
)

// Mode is the bot's operating mode, per spec.md §4.8.
type Mode string

const (
	ModePublic  Mode = "public"
	ModePrivate Mode = "private"
)

// ModeStore is the narrow persistence surface C8 needs for the bot's
// public/private mode document — a single document, not a collection
// of many, so GetMode returning ("", nil) when no mode document is
// stored is how the caller knows to fall back to the static config
// value.
type ModeStore interface {
	GetMode(ctx context.Context) (Mode, error)
	SetMode(ctx context.Context, mode Mode) error
}

type modeDoc struct {
	ID   string `bson:"_id"`
	Mode Mode   `bson:"mode"`
}

const modeDocID = "singleton"

// Modes returns the store's ModeStore view.
func (s *Store) Modes() ModeStore {
	return &mongoModeStore{col: s.database.Collection(collectionMode)}
}

type mongoModeStore struct {
	col *mongo.Collection
}

func (m *mongoModeStore) GetMode(ctx context.Context) (Mode, error) {
	var doc modeDoc
	err := m.col.FindOne(ctx, bson.M{"_id": modeDocID}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return "", nil
	}
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrCodeStore, "reading bot mode", err)
	}
	return doc.Mode, nil
}

func (m *mongoModeStore) SetMode(ctx context.Context, mode Mode) error {
	_, err := m.col.UpdateOne(ctx,
		bson.M{"_id": modeDocID},
		bson.M{"$set": modeDoc{ID: modeDocID, Mode: mode}},
		upsertOpts,
	)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCodeStore, "setting bot mode", err)
	}
	return nil
}

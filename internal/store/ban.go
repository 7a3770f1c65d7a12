package store

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/relaybot-dev/relaybot/internal/apperrors"
)

// BanStore is the narrow persistence surface C8 needs for the ban list.
type BanStore interface {
	IsBanned(ctx context.Context, identity string) (bool, error)
	Ban(ctx context.Context, identity, reason string) error
	Unban(ctx context.Context, identity string) error
}

type banDoc struct {
	Identity string `bson:"identity"`
	Reason   string `bson:"reason,omitempty"`
}

// Bans returns the store's BanStore view.
func (s *Store) Bans() BanStore {
	return &mongoBanStore{col: s.database.Collection(collectionBans)}
}

type mongoBanStore struct {
	col *mongo.Collection
}

func (m *mongoBanStore) IsBanned(ctx context.Context, identity string) (bool, error) {
	err := m.col.FindOne(ctx, bson.M{"identity": identity}).Err()
	if err == mongo.ErrNoDocuments {
		return false, nil
	}
	if err != nil {
		return false, apperrors.Wrap(apperrors.ErrCodeStore, "checking ban status", err)
	}
	return true, nil
}

func (m *mongoBanStore) Ban(ctx context.Context, identity, reason string) error {
	_, err := m.col.UpdateOne(ctx,
		bson.M{"identity": identity},
		bson.M{"$set": banDoc{Identity: identity, Reason: reason}},
		upsertOpts,
	)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCodeStore, "banning identity", err)
	}
	return nil
}

func (m *mongoBanStore) Unban(ctx context.Context, identity string) error {
	if _, err := m.col.DeleteOne(ctx, bson.M{"identity": identity}); err != nil {
		return apperrors.Wrap(apperrors.ErrCodeStore, "unbanning identity", err)
	}
	return nil
}

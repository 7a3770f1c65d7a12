package store

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/relaybot-dev/relaybot/internal/apperrors"
)

// AdminStore is the narrow persistence surface C8 needs for the admin
// allowlist, kept separate from the concrete Mongo implementation so
// tests can substitute an in-memory fake.
type AdminStore interface {
	IsAdmin(ctx context.Context, identity string) (bool, error)
	AddAdmin(ctx context.Context, identity string) error
	RemoveAdmin(ctx context.Context, identity string) error
	ListAdmins(ctx context.Context) ([]string, error)
}

type adminDoc struct {
	Identity string `bson:"identity"`
}

// Admins returns the store's AdminStore view.
func (s *Store) Admins() AdminStore {
	return &mongoAdminStore{col: s.database.Collection(collectionAdmins)}
}

type mongoAdminStore struct {
	col *mongo.Collection
}

func (m *mongoAdminStore) IsAdmin(ctx context.Context, identity string) (bool, error) {
	err := m.col.FindOne(ctx, bson.M{"identity": identity}).Err()
	if err == mongo.ErrNoDocuments {
		return false, nil
	}
	if err != nil {
		return false, apperrors.Wrap(apperrors.ErrCodeStore, "checking admin status", err)
	}
	return true, nil
}

func (m *mongoAdminStore) AddAdmin(ctx context.Context, identity string) error {
	_, err := m.col.UpdateOne(ctx,
		bson.M{"identity": identity},
		bson.M{"$setOnInsert": adminDoc{Identity: identity}},
		upsertOpts,
	)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCodeStore, "adding admin", err)
	}
	return nil
}

func (m *mongoAdminStore) RemoveAdmin(ctx context.Context, identity string) error {
	if _, err := m.col.DeleteOne(ctx, bson.M{"identity": identity}); err != nil {
		return apperrors.Wrap(apperrors.ErrCodeStore, "removing admin", err)
	}
	return nil
}

func (m *mongoAdminStore) ListAdmins(ctx context.Context) ([]string, error) {
	cur, err := m.col.Find(ctx, bson.M{})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeStore, "listing admins", err)
	}
	defer cur.Close(ctx)

	var identities []string
	for cur.Next(ctx) {
		var doc adminDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrCodeStore, "decoding admin document", err)
		}
		identities = append(identities, doc.Identity)
	}
	return identities, cur.Err()
}

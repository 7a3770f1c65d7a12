// Package store provides MongoDB-backed persistence for the bot's
// durable state: the admin allowlist, the ban list, the bot's
// public/private mode document, and scheduled-job records that let a
// plugin re-register its cron jobs after a restart.
//
// Connection and lifecycle management here follow the same shape as a
// conventional SQL connection wrapper (Config struct, New(cfg), Close,
// Ping) even though the underlying driver is document-oriented: the
// store's collections need unique indexes and atomic single-document
// updates, which is a document-store concern rather than a relational
// one.
package store

import (
	"context"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/relaybot-dev/relaybot/internal/apperrors"
	"github.com/relaybot-dev/relaybot/internal/logger"
)

// Config holds document-store connection settings.
type Config struct {
	URI      string
	Database string

	MaxPoolSize uint64
	ConnectTimeout time.Duration
}

var hostnameRegex = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9\-.]{0,253}[a-zA-Z0-9])?$`)

// validateConfig rejects a URI that is obviously not a usable mongodb
// connection string before ever attempting to dial it, mirroring the
// same defensive host/port validation a SQL store wrapper would do.
func validateConfig(cfg Config) error {
	if cfg.URI == "" {
		return fmt.Errorf("store URI cannot be empty")
	}
	if cfg.Database == "" {
		return fmt.Errorf("store database name cannot be empty")
	}
	host, port, err := splitHostPort(cfg.URI)
	if err == nil {
		if net.ParseIP(host) == nil && !hostnameRegex.MatchString(host) {
			return fmt.Errorf("invalid store host: %s", host)
		}
		if port != "" {
			if p, err := strconv.Atoi(port); err != nil || p < 1 || p > 65535 {
				return fmt.Errorf("invalid store port: %s", port)
			}
		}
	}
	return nil
}

// splitHostPort extracts host/port from a mongodb:// URI for
// validation purposes only; a malformed URI simply skips this check
// and is left for the driver itself to reject at Connect time.
func splitHostPort(uri string) (string, string, error) {
	u, err := parseMongoHost(uri)
	if err != nil {
		return "", "", err
	}
	return net.SplitHostPort(u)
}

func parseMongoHost(uri string) (string, error) {
	const prefix = "mongodb://"
	if len(uri) <= len(prefix) || uri[:len(prefix)] != prefix {
		return "", fmt.Errorf("not a mongodb:// URI")
	}
	rest := uri[len(prefix):]
	for i, c := range rest {
		switch c {
		case '/', '?':
			return rest[:i], nil
		}
	}
	return rest, nil
}

// Store wraps a MongoDB client and the bot's handful of collections.
type Store struct {
	client   *mongo.Client
	database *mongo.Database
}

// New dials MongoDB, verifies connectivity with a ping, and returns a
// ready-to-use Store. Call EnsureIndexes once at startup.
func New(cfg Config) (*Store, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeStore, "invalid store configuration", err)
	}

	connectTimeout := cfg.ConnectTimeout
	if connectTimeout == 0 {
		connectTimeout = 10 * time.Second
	}
	poolSize := cfg.MaxPoolSize
	if poolSize == 0 {
		poolSize = 25
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	clientOpts := options.Client().ApplyURI(cfg.URI).SetMaxPoolSize(poolSize)
	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeStore, "failed to connect to store", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, apperrors.Wrap(apperrors.ErrCodeStore, "failed to ping store", err)
	}

	return &Store{client: client, database: client.Database(cfg.Database)}, nil
}

// NewForTesting wraps an already-constructed *mongo.Database, for tests
// that spin up an in-memory or containerized Mongo instance. Production
// code should use New.
func NewForTesting(db *mongo.Database) *Store {
	return &Store{database: db}
}

// Close disconnects the underlying client.
func (s *Store) Close(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.Disconnect(ctx)
}

// Ping verifies the store is reachable, used by C9's store-health loop.
func (s *Store) Ping(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.Ping(ctx, readpref.Primary())
}

// EnsureIndexes creates the unique indexes the bot's collections need.
// Safe to call on every startup: creating an already-existing index is
// a no-op.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	log := logger.Store()

	indexSpecs := []struct {
		collection string
		index      mongo.IndexModel
	}{
		{collectionAdmins, mongo.IndexModel{
			Keys:    map[string]int{"identity": 1},
			Options: options.Index().SetUnique(true),
		}},
		{collectionBans, mongo.IndexModel{
			Keys:    map[string]int{"identity": 1},
			Options: options.Index().SetUnique(true),
		}},
		{collectionJobs, mongo.IndexModel{
			Keys:    map[string]int{"job_id": 1},
			Options: options.Index().SetUnique(true),
		}},
	}

	for _, spec := range indexSpecs {
		if _, err := s.database.Collection(spec.collection).Indexes().CreateOne(ctx, spec.index); err != nil {
			return apperrors.Wrap(apperrors.ErrCodeStore, fmt.Sprintf("creating index on %s", spec.collection), err)
		}
	}

	log.Info().Msg("store indexes ensured")
	return nil
}

const (
	collectionAdmins = "admins"
	collectionBans   = "bans"
	collectionMode   = "bot_mode"
	collectionJobs   = "scheduled_jobs"
)

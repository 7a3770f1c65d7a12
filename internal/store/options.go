package store

import "go.mongodb.org/mongo-driver/mongo/options"

// upsertOpts is reused by every collection that maintains at most one
// document per key (admins, bans, mode, job records).
var upsertOpts = options.Update().SetUpsert(true)

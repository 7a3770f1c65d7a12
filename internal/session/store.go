// Package session implements the Session Store (C3): persisting and
// restoring the transport library's authentication credential set across
// restarts, as a directory of files, plus import from a serialized
// bootstrap blob.
//
// The credential set itself is an opaque bag of keys and state owned by
// the transport library; this package only guarantees it survives a
// crash between refreshes and can be wiped on an unrecoverable disconnect
// cause.
package session

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/relaybot-dev/relaybot/internal/logger"
)

// requiredBootstrapKeys are the minimum fields a decoded bootstrap blob
// must contain to be recognizable to the transport library.
var requiredBootstrapKeys = []string{"noiseKey", "signedIdentityKey", "signedPreKey"}

const credsFileName = "creds.json"

// AuthState is the opaque credential bag the transport reads and writes.
// It is kept as a raw JSON map rather than a typed struct because its
// shape is owned entirely by the transport library, not by this package.
type AuthState map[string]json.RawMessage

// SaveFunc persists the current AuthState; the transport calls it on
// every credential refresh.
type SaveFunc func(AuthState) error

// Store manages a directory of credential files for the bot's single
// session.
type Store struct {
	dir string
	mu  sync.Mutex
}

// New constructs a Store rooted at dir.
func New(dir string) *Store {
	return &Store{dir: dir}
}

// Ensure creates the persistent-state directory if it does not exist.
func (s *Store) Ensure() error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("creating credentials directory %q: %w", s.dir, err)
	}
	return nil
}

// AuthState loads the current credential bag (empty if none persisted
// yet) and returns a save function that atomically persists updates.
// Atomicity is via write-to-temp-then-rename so a crash mid-write leaves
// the prior, still-usable state in place.
func (s *Store) AuthState() (AuthState, SaveFunc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.readLocked()
	if err != nil {
		return nil, nil, err
	}

	save := func(next AuthState) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.writeLocked(next)
	}

	return state, save, nil
}

func (s *Store) readLocked() (AuthState, error) {
	path := filepath.Join(s.dir, credsFileName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return AuthState{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading credentials: %w", err)
	}

	var state AuthState
	if err := json.Unmarshal(data, &state); err != nil {
		logger.Session().Warn().Err(err).Msg("stored credentials are corrupt, starting fresh")
		return AuthState{}, nil
	}
	return state, nil
}

func (s *Store) writeLocked(state AuthState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshaling credentials: %w", err)
	}

	path := filepath.Join(s.dir, credsFileName)
	tmp := path + ".tmp"

	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing temp credentials file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("renaming credentials file: %w", err)
	}
	return nil
}

// Cleanup removes all persisted state. Called after an unrecoverable
// disconnect cause classifies the credential set as no longer valid.
func (s *Store) Cleanup() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("listing credentials directory: %w", err)
	}

	for _, e := range entries {
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil {
			logger.Session().Warn().Err(err).Str("file", e.Name()).Msg("failed to remove credential file during cleanup")
		}
	}
	return nil
}

// ImportBootstrap decodes a "<label>~<base64(json)>" blob and, if it
// carries the minimum recognizable key set, writes it as the initial
// credential state. A malformed blob fails softly (returns false) so the
// caller falls back to interactive authentication rather than crashing.
func (s *Store) ImportBootstrap(blob string) bool {
	log := logger.Session()

	parts := strings.SplitN(blob, "~", 2)
	if len(parts) != 2 {
		log.Warn().Msg("bootstrap blob missing label~payload separator")
		return false
	}

	decoded, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		log.Warn().Err(err).Msg("bootstrap blob is not valid base64")
		return false
	}

	var state AuthState
	if err := json.Unmarshal(decoded, &state); err != nil {
		log.Warn().Err(err).Msg("bootstrap blob payload is not valid JSON")
		return false
	}

	for _, key := range requiredBootstrapKeys {
		if _, ok := state[key]; !ok {
			log.Warn().Str("missing_key", key).Msg("bootstrap blob missing required key, falling back to interactive auth")
			return false
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.Ensure(); err != nil {
		log.Warn().Err(err).Msg("failed to prepare credentials directory for bootstrap import")
		return false
	}
	if err := s.writeLocked(state); err != nil {
		log.Warn().Err(err).Msg("failed to persist imported bootstrap state")
		return false
	}

	log.Info().Str("label", parts[0]).Msg("imported bootstrap session")
	return true
}

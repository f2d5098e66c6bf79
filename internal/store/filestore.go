// Package store — key-value persistence for lifecycle state.
// FileStore keeps everything in memory and snapshots to a JSON file so
// plugin and permission state survive restarts. MemStore backs tests.
package store

import (
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hearthlink/hearthlink/gateway/internal/config"
	"github.com/hearthlink/hearthlink/gateway/pkg/contracts"
	"github.com/hearthlink/hearthlink/gateway/pkg/models"
)

// snapshot is the JSON-serializable shape written to disk. Values are
// base64-encoded so arbitrary bytes survive the round trip.
type snapshot struct {
	Data map[string]string `json:"data"`
}

// FileStore implements contracts.KVStore with in-memory data and a
// debounced JSON snapshot.
type FileStore struct {
	mu   sync.RWMutex
	data map[string][]byte

	snapshotPath string        // empty = no persistence
	saveMu       sync.Mutex    // guards file writes
	saveCh       chan struct{} // debounce channel
	doneCh       chan struct{} // signals the save goroutine to stop
	debounce     time.Duration
}

// NewFileStore creates a store persisting to cfg.Path. An empty path
// disables persistence; data then lives only in memory.
func NewFileStore(cfg *config.StoreConfig) *FileStore {
	s := &FileStore{
		data:     make(map[string][]byte),
		saveCh:   make(chan struct{}, 1),
		doneCh:   make(chan struct{}),
		debounce: cfg.SaveInterval,
	}
	if s.debounce <= 0 {
		s.debounce = 500 * time.Millisecond
	}

	if cfg.Path != "" {
		s.snapshotPath = cfg.Path
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
			log.Warn().Err(err).Str("dir", filepath.Dir(cfg.Path)).Msg("Cannot create data dir, persistence disabled")
			s.snapshotPath = ""
		}
	}

	if s.snapshotPath != "" {
		s.loadSnapshot()
		go s.saveLoop()
	}

	log.Info().Str("snapshot", s.snapshotPath).Msg("KV store configured")
	return s
}

func (s *FileStore) Get(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return nil, &models.NotFoundError{Entity: "key", Key: key}
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (s *FileStore) Set(key string, value []byte) error {
	v := make([]byte, len(value))
	copy(v, value)
	s.mu.Lock()
	s.data[key] = v
	s.mu.Unlock()
	s.requestSave()
	return nil
}

func (s *FileStore) Delete(key string) error {
	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
	s.requestSave()
	return nil
}

func (s *FileStore) List(prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// requestSave signals the background goroutine to persist data.
// Non-blocking: coalesces rapid writes into one disk flush.
func (s *FileStore) requestSave() {
	if s.snapshotPath == "" {
		return
	}
	select {
	case s.saveCh <- struct{}{}:
	default:
		// Already pending
	}
}

func (s *FileStore) saveLoop() {
	for {
		select {
		case <-s.doneCh:
			return
		case <-s.saveCh:
			time.Sleep(s.debounce)
			s.saveSnapshot()
		}
	}
}

// saveSnapshot writes to a temp file then renames for atomicity.
func (s *FileStore) saveSnapshot() {
	s.mu.RLock()
	snap := snapshot{Data: make(map[string]string, len(s.data))}
	for k, v := range s.data {
		snap.Data[k] = base64.StdEncoding.EncodeToString(v)
	}
	s.mu.RUnlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal snapshot")
		return
	}

	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	tmp := s.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		log.Error().Err(err).Str("path", tmp).Msg("Failed to write snapshot tmp")
		return
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		log.Error().Err(err).Str("path", s.snapshotPath).Msg("Failed to rename snapshot")
		return
	}
	log.Debug().Str("path", s.snapshotPath).Msg("Snapshot saved")
}

func (s *FileStore) loadSnapshot() {
	data, err := os.ReadFile(s.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", s.snapshotPath).Msg("No snapshot file found, starting fresh")
			return
		}
		log.Warn().Err(err).Str("path", s.snapshotPath).Msg("Failed to read snapshot")
		return
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Error().Err(err).Str("path", s.snapshotPath).Msg("Failed to parse snapshot, starting fresh")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for k, encoded := range snap.Data {
		v, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			log.Warn().Str("key", k).Msg("Skipping undecodable snapshot value")
			continue
		}
		s.data[k] = v
	}
	log.Info().Int("keys", len(s.data)).Str("path", s.snapshotPath).Msg("Snapshot loaded")
}

// Close stops the save goroutine and forces a final snapshot write.
// Safe to call multiple times.
func (s *FileStore) Close() error {
	select {
	case <-s.doneCh:
		return nil
	default:
		close(s.doneCh)
	}
	if s.snapshotPath != "" {
		s.saveSnapshot()
	}
	return nil
}

// Compile-time check that FileStore implements KVStore.
var _ contracts.KVStore = (*FileStore)(nil)

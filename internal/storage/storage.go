// Package storage provides the local persisted state: a string-valued
// key/value store backed by SQLite.
// The database is opened lazily and created on first use.
// If opening the DB or executing queries fails, the store falls back to in-memory values.
package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"sync"

	_ "github.com/glebarez/go-sqlite"

	"github.com/comigor/sqlchat-go/internal/logger"
)

// Well-known keys.
const (
	KeyAccessToken    = "access_token"
	KeyRefreshToken   = "refresh_token"
	KeyLegacyAccess   = "access"
	KeyLegacyRefresh  = "refresh"
	KeyUsername       = "username"
	KeyMessages       = "chatbot_messages"
	KeyUsage          = "usage_cache"
	KeyModel          = "agent_llm_model"
	KeyTopK           = "agent_top_k"
	KeyIncludeReasons = "agent_include_reasons"
	KeyIncludeProcess = "agent_include_process"
)

// KV is the subset of Store used by the rest of the client.
type KV interface {
	Get(key string) (string, bool)
	Set(key, value string) error
	Delete(keys ...string) error
}

// Store is a key/value store persisted to SQLite with an in-memory mirror.
type Store struct {
	path string

	mu  sync.Mutex
	mem map[string]string

	dbOnce  sync.Once
	db      *sql.DB
	initErr error
}

var errMemoryOnly = errors.New("storage: memory only")

// Open returns a store persisted at path. The file is opened on first use.
func Open(path string) *Store {
	return &Store{path: path, mem: make(map[string]string)}
}

// NewMemory returns a store that never touches disk.
func NewMemory() *Store {
	s := &Store{mem: make(map[string]string)}
	s.dbOnce.Do(func() { s.initErr = errMemoryOnly })
	return s
}

// initDB lazily opens the SQLite database and creates the kv table if it doesn't exist.
func (s *Store) initDB() {
	var err error
	s.db, err = sql.Open("sqlite", "file:"+s.path+"?_pragma=busy_timeout(10000)")
	if err != nil {
		s.initErr = err
		logger.L.Warn("sqlite open failed; using in-memory state", "error", err)
		return
	}
	s.db.SetMaxOpenConns(1)
	if _, err = s.db.Exec(`CREATE TABLE IF NOT EXISTS kv (
        key TEXT PRIMARY KEY,
        value TEXT NOT NULL
    );`); err != nil {
		s.initErr = err
		logger.L.Warn("sqlite table creation failed; using in-memory state", "error", err)
		return
	}

	rows, err := s.db.Query(`SELECT key, value FROM kv;`)
	if err != nil {
		s.initErr = err
		logger.L.Warn("sqlite load failed; using in-memory state", "error", err)
		return
	}
	defer rows.Close()
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err == nil {
			s.mem[k] = v
		}
	}
	logger.L.Debug("sqlite state DB initialized", "path", s.path, "keys", len(s.mem))
}

func (s *Store) persistent() bool {
	s.dbOnce.Do(s.initDB)
	return s.initErr == nil && s.db != nil
}

// Get returns the value stored under key.
func (s *Store) Get(key string) (string, bool) {
	s.persistent()
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.mem[key]
	return v, ok
}

// Set stores value under key. The in-memory copy is always updated; the
// returned error reports only a failed disk write.
func (s *Store) Set(key, value string) error {
	var err error
	if s.persistent() {
		_, err = s.db.Exec(`INSERT INTO kv (key, value) VALUES (?, ?)
            ON CONFLICT(key) DO UPDATE SET value = excluded.value;`, key, value)
		if err != nil {
			logger.L.Error("failed to store key in sqlite; kept in memory", "key", key, "error", err)
		}
	}
	s.mu.Lock()
	s.mem[key] = value
	s.mu.Unlock()
	return err
}

// Delete removes keys. Missing keys are ignored.
func (s *Store) Delete(keys ...string) error {
	var firstErr error
	if s.persistent() {
		for _, k := range keys {
			if _, err := s.db.Exec(`DELETE FROM kv WHERE key = ?;`, k); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	s.mu.Lock()
	for _, k := range keys {
		delete(s.mem, k)
	}
	s.mu.Unlock()
	return firstErr
}

// Close releases the database handle, if one was opened.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// GetJSON decodes the value under key into v. Missing or undecodable values
// both report false; stored values carry no schema version.
func GetJSON(kv KV, key string, v any) bool {
	raw, ok := kv.Get(key)
	if !ok || raw == "" {
		return false
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		logger.L.Debug("ignoring undecodable stored value", "key", key, "error", err)
		return false
	}
	return true
}

// SetJSON stores the JSON encoding of v under key.
func SetJSON(kv KV, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return kv.Set(key, string(b))
}

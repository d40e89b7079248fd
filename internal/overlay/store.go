package overlay

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"voxchat/internal/redis"
)

// Store is the persisted layer. Writers are external (the admin panel); the
// bot itself only reads, except for Save used by tooling and tests.
type Store interface {
	Load(ctx context.Context) (map[string]string, error)
	Save(ctx context.Context, values map[string]string) error
}

// FileStore keeps settings in a flat JSON object on disk.
type FileStore struct {
	Path string
}

func NewFileStore(path string) *FileStore { return &FileStore{Path: path} }

// Load returns an empty map when the file does not exist yet.
func (s *FileStore) Load(ctx context.Context) (map[string]string, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("read settings %s: %w", s.Path, err)
	}
	raw := map[string]any{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode settings %s: %w", s.Path, err)
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case string:
			out[k] = val
		case nil:
		default:
			out[k] = fmt.Sprint(val)
		}
	}
	return out, nil
}

// Save merges values into the file, replacing it atomically.
func (s *FileStore) Save(ctx context.Context, values map[string]string) error {
	current, err := s.Load(ctx)
	if err != nil {
		return err
	}
	for k, v := range values {
		current[k] = v
	}
	data, err := json.MarshalIndent(current, "", "  ")
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	dir := filepath.Dir(s.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".settings-*.json")
	if err != nil {
		return fmt.Errorf("create temp settings: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp settings: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.Path); err != nil {
		return fmt.Errorf("replace settings: %w", err)
	}
	return nil
}

// SQLStore reads the settings table created by storage.Migrate.
type SQLStore struct {
	db     *sql.DB
	driver string
}

func NewSQLStore(db *sql.DB, driver string) *SQLStore {
	return &SQLStore{db: db, driver: driver}
}

func (s *SQLStore) Load(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+s.keyColumn()+`, value FROM settings`)
	if err != nil {
		return nil, fmt.Errorf("query settings: %w", err)
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan setting: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

func (s *SQLStore) Save(ctx context.Context, values map[string]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin settings tx: %w", err)
	}
	var stmt string
	if s.driver == "mysql" {
		stmt = "INSERT INTO settings (`key`, value, updated_at) VALUES (?, ?, ?) ON DUPLICATE KEY UPDATE value = VALUES(value), updated_at = VALUES(updated_at)"
	} else {
		stmt = `INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`
	}
	now := time.Now().UTC()
	for k, v := range values {
		if _, err := tx.ExecContext(ctx, stmt, k, v, now); err != nil {
			tx.Rollback()
			return fmt.Errorf("save setting %s: %w", k, err)
		}
	}
	return tx.Commit()
}

func (s *SQLStore) keyColumn() string {
	if s.driver == "mysql" {
		return "`key`"
	}
	return "key"
}

// RedisHashKey holds settings when the redis store is selected.
const RedisHashKey = "voxchat:settings"

// RedisStore keeps settings in a single redis hash.
type RedisStore struct {
	client *redis.Client
	key    string
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, key: RedisHashKey}
}

func (s *RedisStore) Load(ctx context.Context) (map[string]string, error) {
	values, err := s.client.HGetAll(ctx, s.key)
	if err != nil {
		return nil, fmt.Errorf("load settings hash: %w", err)
	}
	return values, nil
}

func (s *RedisStore) Save(ctx context.Context, values map[string]string) error {
	if err := s.client.HSet(ctx, s.key, values); err != nil {
		return fmt.Errorf("save settings hash: %w", err)
	}
	return nil
}

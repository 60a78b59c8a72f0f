package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/ignatij/goresearch/pkg/models"
	"github.com/ignatij/goresearch/pkg/storage"
	"github.com/redis/go-redis/v9"
)

const maxWatchRetries = 3

// RedisStore implements storage.Store on Redis. Every session is one JSON
// value, indexed by creation time in a sorted set. Audit rows live in a hash
// per session keyed by a global sequence.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore pings addr and returns a store. A ttl of zero keeps keys forever.
func NewRedisStore(ctx context.Context, addr, prefix string, ttl time.Duration) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return NewRedisStoreFromClient(client, prefix, ttl), nil
}

// NewRedisStoreFromClient wraps an existing client. The store owns it from then on.
func NewRedisStoreFromClient(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "goresearch"
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) sessionKey(id string) string { return s.prefix + ":session:" + id }
func (s *RedisStore) indexKey() string { return s.prefix + ":sessions" }
func (s *RedisStore) auditKey(id string) string { return s.prefix + ":audit:" + id }
func (s *RedisStore) auditSeqKey() string { return s.prefix + ":audit:seq" }

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) CreateSession(ctx context.Context, sess models.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", sess.ID, err)
	}
	ok, err := s.client.SetNX(ctx, s.sessionKey(sess.ID), data, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("create session %s: %w", sess.ID, err)
	}
	if !ok {
		return fmt.Errorf("session %s already exists", sess.ID)
	}
	err = s.client.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(sess.CreatedAt.UnixMilli()), Member: sess.ID}).Err()
	if err != nil {
		return fmt.Errorf("index session %s: %w", sess.ID, err)
	}
	return nil
}

func (s *RedisStore) GetSession(ctx context.Context, id string) (models.Session, error) {
	data, err := s.client.Get(ctx, s.sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.Session{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Session{}, fmt.Errorf("get session %s: %w", id, err)
	}
	return decodeSession(id, data)
}

// SaveSession rewrites the session value under WATCH so a concurrent writer
// cannot slip a task record in between the prefix check and the write.
func (s *RedisStore) SaveSession(ctx context.Context, sess models.Session) error {
	key := s.sessionKey(sess.ID)
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", sess.ID, err)
	}
	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return storage.ErrNotFound
		}
		if err != nil {
			return err
		}
		stored, err := decodeSession(sess.ID, raw)
		if err != nil {
			return err
		}
		if len(sess.Tasks) < len(stored.Tasks) {
			return fmt.Errorf("session %s: cannot drop stored task records", sess.ID)
		}
		for i, t := range stored.Tasks {
			if sess.Tasks[i] != t {
				return fmt.Errorf("session %s: task record %d (%s) cannot be rewritten", sess.ID, i, t.Name)
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttl)
			return nil
		})
		return err
	}
	for i := 0; i < maxWatchRetries; i++ {
		err = s.client.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("save session %s: %w", sess.ID, err)
	}
	return err
}

func (s *RedisStore) DeleteSession(ctx context.Context, id string) (bool, error) {
	n, err := s.client.Del(ctx, s.sessionKey(id)).Result()
	if err != nil {
		return false, fmt.Errorf("delete session %s: %w", id, err)
	}
	if err := s.client.ZRem(ctx, s.indexKey(), id).Err(); err != nil {
		return false, fmt.Errorf("unindex session %s: %w", id, err)
	}
	return n > 0, nil
}

// ListSessions returns the sessions newest first. Index entries whose value
// expired are dropped on the way.
func (s *RedisStore) ListSessions(ctx context.Context) ([]models.Session, error) {
	ids, err := s.client.ZRevRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	sessions := []models.Session{}
	if len(ids) == 0 {
		return sessions, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.sessionKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	var expired []interface{}
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			expired = append(expired, ids[i])
			continue
		}
		sess, err := decodeSession(ids[i], []byte(raw))
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	if len(expired) > 0 {
		if err := s.client.ZRem(ctx, s.indexKey(), expired...).Err(); err != nil {
			return nil, fmt.Errorf("prune session index: %w", err)
		}
	}
	return sessions, nil
}

func (s *RedisStore) AppendAudit(ctx context.Context, rec models.AuditRecord) (int64, error) {
	id, err := s.client.Incr(ctx, s.auditSeqKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("allocate audit id: %w", err)
	}
	rec.ID = id
	if err := s.writeAudit(ctx, rec); err != nil {
		return 0, err
	}
	return id, nil
}

func (s *RedisStore) UpdateAudit(ctx context.Context, rec models.AuditRecord) error {
	exists, err := s.client.HExists(ctx, s.auditKey(rec.SessionID), strconv.FormatInt(rec.ID, 10)).Result()
	if err != nil {
		return fmt.Errorf("update audit %d: %w", rec.ID, err)
	}
	if !exists {
		return storage.ErrNotFound
	}
	return s.writeAudit(ctx, rec)
}

func (s *RedisStore) writeAudit(ctx context.Context, rec models.AuditRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode audit %d: %w", rec.ID, err)
	}
	key := s.auditKey(rec.SessionID)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, strconv.FormatInt(rec.ID, 10), data)
		if s.ttl > 0 {
			pipe.Expire(ctx, key, s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("write audit %d: %w", rec.ID, err)
	}
	return nil
}

func (s *RedisStore) ListAudit(ctx context.Context, sessionID string) ([]models.AuditRecord, error) {
	fields, err := s.client.HGetAll(ctx, s.auditKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list audit for session %s: %w", sessionID, err)
	}
	rows := make([]models.AuditRecord, 0, len(fields))
	for field, raw := range fields {
		var rec models.AuditRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("decode audit %s: %w", field, err)
		}
		rows = append(rows, rec)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
	return rows, nil
}

func (s *RedisStore) PurgeAudit(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, s.auditKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("purge audit for session %s: %w", sessionID, err)
	}
	return nil
}

func decodeSession(id string, data []byte) (models.Session, error) {
	var sess models.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return models.Session{}, fmt.Errorf("decode session %s: %w", id, err)
	}
	if sess.Tasks == nil {
		sess.Tasks = []models.TaskRecord{}
	}
	return sess, nil
}

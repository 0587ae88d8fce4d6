package store

import (
	"context"
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/parley-ai/parley/api"
)

const keyPrefix = "parley:"

// RedisStore persists snapshots and usage metrics in Redis. Entities are
// stored as JSON strings; membership indexes (threads per session,
// messages per thread, metrics per session) are Redis sets. Usage dedupe
// relies on SETNX.
type RedisStore struct {
	client *redis.Client
}

var (
	_ Snapshots = (*RedisStore)(nil)
	_ Usage     = (*RedisStore)(nil)
)

// Redis wraps an existing go-redis client.
func Redis(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) put(ctx context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return s.client.Set(ctx, key, b, 0).Err()
}

func (s *RedisStore) get(ctx context.Context, key string, v any) (bool, error) {
	b, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return false, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return true, nil
}

func (s *RedisStore) PutThread(ctx context.Context, thread api.Thread) error {
	if err := s.put(ctx, keyPrefix+"thread:"+thread.ID, thread); err != nil {
		return err
	}
	return s.client.SAdd(ctx, keyPrefix+"session:"+thread.SessionID+":threads", thread.ID).Err()
}

func (s *RedisStore) GetThread(ctx context.Context, id string) (api.Thread, bool, error) {
	var thread api.Thread
	ok, err := s.get(ctx, keyPrefix+"thread:"+id, &thread)
	return thread, ok, err
}

func (s *RedisStore) PutRun(ctx context.Context, run api.Run) error {
	return s.put(ctx, keyPrefix+"run:"+run.ID, run)
}

func (s *RedisStore) GetRun(ctx context.Context, id string) (api.Run, bool, error) {
	var run api.Run
	ok, err := s.get(ctx, keyPrefix+"run:"+id, &run)
	return run, ok, err
}

func (s *RedisStore) PutMessage(ctx context.Context, msg api.Message) error {
	if err := s.put(ctx, keyPrefix+"message:"+msg.ID, msg); err != nil {
		return err
	}
	return s.client.SAdd(ctx, keyPrefix+"thread:"+msg.ThreadID+":messages", msg.ID).Err()
}

func (s *RedisStore) GetMessage(ctx context.Context, id string) (api.Message, bool, error) {
	var msg api.Message
	ok, err := s.get(ctx, keyPrefix+"message:"+id, &msg)
	return msg, ok, err
}

func (s *RedisStore) PutSession(ctx context.Context, sess api.Session) error {
	if err := s.put(ctx, keyPrefix+"session:"+sess.ID, sess); err != nil {
		return err
	}
	if sess.Fingerprint != "" {
		return s.client.Set(ctx, keyPrefix+"fingerprint:"+sess.Fingerprint, sess.ID, 0).Err()
	}
	return nil
}

func (s *RedisStore) GetSession(ctx context.Context, id string) (api.Session, bool, error) {
	var sess api.Session
	ok, err := s.get(ctx, keyPrefix+"session:"+id, &sess)
	return sess, ok, err
}

func (s *RedisStore) GetSessionByFingerprint(ctx context.Context, fingerprint string) (api.Session, bool, error) {
	id, err := s.client.Get(ctx, keyPrefix+"fingerprint:"+fingerprint).Result()
	if errors.Is(err, redis.Nil) {
		return api.Session{}, false, nil
	}
	if err != nil {
		return api.Session{}, false, err
	}
	return s.GetSession(ctx, id)
}

func (s *RedisStore) ThreadsBySession(ctx context.Context, sessionID string) ([]api.Thread, error) {
	ids, err := s.client.SMembers(ctx, keyPrefix+"session:"+sessionID+":threads").Result()
	if err != nil {
		return nil, err
	}
	out := make([]api.Thread, 0, len(ids))
	for _, id := range ids {
		thread, ok, err := s.GetThread(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, thread)
		}
	}
	return out, nil
}

func (s *RedisStore) DeleteSessionData(ctx context.Context, sessionID string) error {
	threads, err := s.ThreadsBySession(ctx, sessionID)
	if err != nil {
		return err
	}
	for _, thread := range threads {
		msgIDs, err := s.client.SMembers(ctx, keyPrefix+"thread:"+thread.ID+":messages").Result()
		if err != nil {
			return err
		}
		for _, id := range msgIDs {
			if err := s.client.Del(ctx, keyPrefix+"message:"+id).Err(); err != nil {
				return err
			}
		}
		if err := s.client.Del(ctx,
			keyPrefix+"thread:"+thread.ID+":messages",
			keyPrefix+"thread:"+thread.ID,
		).Err(); err != nil {
			return err
		}
	}

	sess, ok, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if ok && sess.Fingerprint != "" {
		if err := s.client.Del(ctx, keyPrefix+"fingerprint:"+sess.Fingerprint).Err(); err != nil {
			return err
		}
	}
	return s.client.Del(ctx,
		keyPrefix+"session:"+sessionID+":threads",
		keyPrefix+"session:"+sessionID,
	).Err()
}

func (s *RedisStore) Insert(ctx context.Context, metric api.UsageMetric) (bool, error) {
	b, err := json.Marshal(metric)
	if err != nil {
		return false, fmt.Errorf("marshal usage metric: %w", err)
	}
	key := keyPrefix + "usage:" + metric.MessageID + ":" + string(metric.Type)
	inserted, err := s.client.SetNX(ctx, key, b, 0).Result()
	if err != nil {
		return false, err
	}
	if inserted {
		if err := s.client.SAdd(ctx, keyPrefix+"session:"+metric.SessionID+":usage", key).Err(); err != nil {
			return false, err
		}
	}
	return inserted, nil
}

func (s *RedisStore) BySession(ctx context.Context, sessionID string) ([]api.UsageMetric, error) {
	keys, err := s.client.SMembers(ctx, keyPrefix+"session:"+sessionID+":usage").Result()
	if err != nil {
		return nil, err
	}
	out := make([]api.UsageMetric, 0, len(keys))
	for _, key := range keys {
		var metric api.UsageMetric
		ok, err := s.get(ctx, key, &metric)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, metric)
		}
	}
	return out, nil
}

func (s *RedisStore) DeleteSession(ctx context.Context, sessionID string) error {
	keys, err := s.client.SMembers(ctx, keyPrefix+"session:"+sessionID+":usage").Result()
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := s.client.Del(ctx, key).Err(); err != nil {
			return err
		}
	}
	return s.client.Del(ctx, keyPrefix+"session:"+sessionID+":usage").Err()
}

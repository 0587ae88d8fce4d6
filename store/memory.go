package store

import (
	"context"
	"sync"

	"github.com/alphadose/haxmap"

	"github.com/parley-ai/parley/api"
)

// MemoryStore keeps all state in concurrent maps. It backs tests and
// single-process deployments.
type MemoryStore struct {
	threads      *haxmap.Map[string, api.Thread]
	runs         *haxmap.Map[string, api.Run]
	messages     *haxmap.Map[string, api.Message]
	sessions     *haxmap.Map[string, api.Session]
	fingerprints *haxmap.Map[string, string] // fingerprint -> session id

	mu      sync.Mutex
	metrics map[string]api.UsageMetric // key: message id + "/" + metric type
}

var (
	_ Snapshots = (*MemoryStore)(nil)
	_ Usage     = (*MemoryStore)(nil)
)

// Memory creates an empty in-memory store.
func Memory() *MemoryStore {
	return &MemoryStore{
		threads:      haxmap.New[string, api.Thread](),
		runs:         haxmap.New[string, api.Run](),
		messages:     haxmap.New[string, api.Message](),
		sessions:     haxmap.New[string, api.Session](),
		fingerprints: haxmap.New[string, string](),
		metrics:      make(map[string]api.UsageMetric),
	}
}

func (s *MemoryStore) PutThread(_ context.Context, thread api.Thread) error {
	s.threads.Set(thread.ID, thread)
	return nil
}

func (s *MemoryStore) GetThread(_ context.Context, id string) (api.Thread, bool, error) {
	thread, ok := s.threads.Get(id)
	return thread, ok, nil
}

func (s *MemoryStore) PutRun(_ context.Context, run api.Run) error {
	s.runs.Set(run.ID, run)
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, id string) (api.Run, bool, error) {
	run, ok := s.runs.Get(id)
	return run, ok, nil
}

func (s *MemoryStore) PutMessage(_ context.Context, msg api.Message) error {
	s.messages.Set(msg.ID, msg)
	return nil
}

func (s *MemoryStore) GetMessage(_ context.Context, id string) (api.Message, bool, error) {
	msg, ok := s.messages.Get(id)
	return msg, ok, nil
}

func (s *MemoryStore) PutSession(_ context.Context, sess api.Session) error {
	s.sessions.Set(sess.ID, sess)
	if sess.Fingerprint != "" {
		s.fingerprints.Set(sess.Fingerprint, sess.ID)
	}
	return nil
}

func (s *MemoryStore) GetSession(_ context.Context, id string) (api.Session, bool, error) {
	sess, ok := s.sessions.Get(id)
	return sess, ok, nil
}

func (s *MemoryStore) GetSessionByFingerprint(ctx context.Context, fingerprint string) (api.Session, bool, error) {
	id, ok := s.fingerprints.Get(fingerprint)
	if !ok {
		return api.Session{}, false, nil
	}
	return s.GetSession(ctx, id)
}

func (s *MemoryStore) ThreadsBySession(_ context.Context, sessionID string) ([]api.Thread, error) {
	var out []api.Thread
	s.threads.ForEach(func(_ string, thread api.Thread) bool {
		if thread.SessionID == sessionID {
			out = append(out, thread)
		}
		return true
	})
	return out, nil
}

func (s *MemoryStore) DeleteSessionData(ctx context.Context, sessionID string) error {
	threads, _ := s.ThreadsBySession(ctx, sessionID)
	for _, thread := range threads {
		s.messages.ForEach(func(id string, msg api.Message) bool {
			if msg.ThreadID == thread.ID {
				s.messages.Del(id)
			}
			return true
		})
		s.threads.Del(thread.ID)
	}
	if sess, ok := s.sessions.Get(sessionID); ok && sess.Fingerprint != "" {
		s.fingerprints.Del(sess.Fingerprint)
	}
	s.sessions.Del(sessionID)
	return nil
}

func metricKey(m api.UsageMetric) string {
	return m.MessageID + "/" + string(m.Type)
}

func (s *MemoryStore) Insert(_ context.Context, metric api.UsageMetric) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := metricKey(metric)
	if _, exists := s.metrics[key]; exists {
		return false, nil
	}
	s.metrics[key] = metric
	return true, nil
}

func (s *MemoryStore) BySession(_ context.Context, sessionID string) ([]api.UsageMetric, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []api.UsageMetric
	for _, m := range s.metrics {
		if m.SessionID == sessionID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *MemoryStore) DeleteSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, m := range s.metrics {
		if m.SessionID == sessionID {
			delete(s.metrics, key)
		}
	}
	return nil
}

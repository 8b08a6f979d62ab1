package store

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// MemoryStore keeps the whole substrate in one process: mutex-guarded maps
// for KV state and buffered per-subscriber channels for the event bus. It is
// the test double and the single-binary deployment option.
type MemoryStore struct {
	mu      sync.RWMutex
	kv      map[string]string
	expiry  map[string]time.Time
	hashes  map[string]map[string]string
	lists   map[string][]string
	subs    map[int]*memSub
	nextSub int
}

type memSub struct {
	topics map[string]bool
	ch     chan Message
	closed bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		kv:     make(map[string]string),
		expiry: make(map[string]time.Time),
		hashes: make(map[string]map[string]string),
		lists:  make(map[string][]string),
		subs:   make(map[int]*memSub),
	}
}

func (s *MemoryStore) expired(key string) bool {
	if at, ok := s.expiry[key]; ok && time.Now().After(at) {
		return true
	}
	return false
}

func (s *MemoryStore) Get(ctx context.Context, key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.expired(key) {
		return "", false
	}
	val, ok := s.kv[key]
	return val, ok
}

func (s *MemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kv[key] = value
	if ttl > 0 {
		s.expiry[key] = time.Now().Add(ttl)
	} else {
		delete(s.expiry, key)
	}
	return nil
}

func (s *MemoryStore) Del(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.kv, key)
	delete(s.hashes, key)
	delete(s.lists, key)
	delete(s.expiry, key)
	return nil
}

func (s *MemoryStore) HSet(ctx context.Context, key, field, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string]string)
		s.hashes[key] = h
	}
	h[field] = value
	return nil
}

func (s *MemoryStore) HGet(ctx context.Context, key, field string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.expired(key) {
		return "", false
	}
	h, ok := s.hashes[key]
	if !ok {
		return "", false
	}
	val, ok := h[field]
	return val, ok
}

func (s *MemoryStore) HGetAll(ctx context.Context, key string) map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string)
	if s.expired(key) {
		return out
	}
	for k, v := range s.hashes[key] {
		out[k] = v
	}
	return out
}

func (s *MemoryStore) HDel(ctx context.Context, key string, fields ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.hashes[key]; ok {
		for _, f := range fields {
			delete(h, f)
		}
	}
	return nil
}

func (s *MemoryStore) HIncrBy(ctx context.Context, key, field string, delta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string]string)
		s.hashes[key] = h
	}
	h[field] = itoa(atoi(h[field]) + delta)
	return nil
}

func (s *MemoryStore) LPush(ctx context.Context, key string, values ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range values {
		s.lists[key] = append([]string{v}, s.lists[key]...)
	}
	return nil
}

func (s *MemoryStore) RPop(ctx context.Context, key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.lists[key]
	if len(l) == 0 {
		return "", false
	}
	val := l[len(l)-1]
	s.lists[key] = l[:len(l)-1]
	return val, true
}

func (s *MemoryStore) LLen(ctx context.Context, key string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.lists[key]))
}

func (s *MemoryStore) LRem(ctx context.Context, key string, count int64, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []string
	removed := int64(0)
	for _, v := range s.lists[key] {
		if v == value && (count == 0 || removed < count) {
			removed++
			continue
		}
		kept = append(kept, v)
	}
	s.lists[key] = kept
	return nil
}

func (s *MemoryStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expiry[key] = time.Now().Add(ttl)
	return nil
}

func (s *MemoryStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.kv[key]; ok && !s.expired(key) {
		return false, nil
	}
	s.kv[key] = value
	if ttl > 0 {
		s.expiry[key] = time.Now().Add(ttl)
	}
	return true, nil
}

// Publish delivers to every current subscriber in order. The write lock
// serialises concurrent publishers, so all subscribers observe one topic's
// messages in the same order. A subscriber whose buffer is full loses the
// message, matching the best-effort contract.
func (s *MemoryStore) Publish(ctx context.Context, topic string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		if sub.closed || !sub.topics[topic] {
			continue
		}
		select {
		case sub.ch <- Message{Topic: topic, Payload: payload}:
		default:
		}
	}
	return nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, topics ...string) (<-chan Message, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub := &memSub{
		topics: make(map[string]bool, len(topics)),
		ch:     make(chan Message, 64),
	}
	for _, t := range topics {
		sub.topics[t] = true
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = sub

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if !sub.closed {
			sub.closed = true
			delete(s.subs, id)
			close(sub.ch)
		}
	}
	return sub.ch, cancel
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sub := range s.subs {
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
		delete(s.subs, id)
	}
	return nil
}

func atoi(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}

package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory keeps objects in process memory. It is used by tests and dry runs.
// Archive-tier objects exercise the asynchronous retrieval contract: Get
// returns a PendingError until PollRetrieval has been called PendingPolls
// times for that object.
type Memory struct {
	// PendingPolls is the number of polls an archive object stays pending.
	PendingPolls int

	mu        sync.Mutex
	objects   map[string][]byte
	tiers     map[string]Tier
	polls     map[string]int
	restored  map[string]bool
	PutCount  int
	GetCount  int
	PollCount int
}

func NewMemory() *Memory {
	return &Memory{
		PendingPolls: 1,
		objects:      map[string][]byte{},
		tiers:        map[string]Tier{},
		polls:        map[string]int{},
		restored:     map[string]bool{},
	}
}

func (m *Memory) Put(ctx context.Context, key string, reader io.Reader, size int64, tier Tier) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	if size >= 0 && int64(len(data)) != size {
		return fmt.Errorf("size mismatch for %s: expected %d, got %d", key, size, len(data))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	if tier == "" {
		tier = TierHot
	}
	m.tiers[key] = tier
	m.PutCount++
	return nil
}

func (m *Memory) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", key, ErrNotFound)
	}
	if m.tiers[key] == TierArchive && !m.restored[key] {
		return nil, &PendingError{Token: RetrievalToken{Key: key, Requested: time.Now().UTC()}}
	}
	m.GetCount++
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *Memory) PollRetrieval(ctx context.Context, token RetrievalToken) (bool, error) {
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	default:
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[token.Key]; !ok {
		return false, fmt.Errorf("poll %s: %w", token.Key, ErrNotFound)
	}
	m.PollCount++
	if m.restored[token.Key] {
		return true, nil
	}
	m.polls[token.Key]++
	if m.polls[token.Key] >= m.PendingPolls {
		m.restored[token.Key] = true
		return true, nil
	}
	return false, nil
}

func (m *Memory) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	select {
	case <-ctx.Done():
		return ObjectInfo{}, ctx.Err()
	default:
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return ObjectInfo{}, fmt.Errorf("stat %s: %w", key, ErrNotFound)
	}
	return ObjectInfo{Key: key, Size: int64(len(data)), Tier: m.tiers[key]}, nil
}

func (m *Memory) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	infos := []ObjectInfo{}
	for key, data := range m.objects {
		if strings.HasPrefix(key, prefix) {
			infos = append(infos, ObjectInfo{Key: key, Size: int64(len(data)), Tier: m.tiers[key]})
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos, nil
}

func (m *Memory) Exists(ctx context.Context, key string) (bool, error) {
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	default:
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok, nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	delete(m.tiers, key)
	delete(m.polls, key)
	delete(m.restored, key)
	return nil
}

// Corrupt overwrites a stored object in place. Test hook for bit-rot
// scenarios.
func (m *Memory) Corrupt(key string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
}

// Keys returns every stored key, sorted.
func (m *Memory) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

package plugintest

import (
	"context"
	"fmt"
	"sync"

	pluginhost "github.com/veldra/plugin-host"
)

// MemStore is an in-memory Store that records applied batches in order and
// answers every query with a fixed response.
type MemStore struct {
	mu            sync.Mutex
	QueryResponse []byte
	queries       [][]byte
	applied       []pluginhost.ActionBatch
}

var _ pluginhost.Store = (*MemStore)(nil)

func (s *MemStore) Query(_ context.Context, req []byte) ([]byte, error) {
	s.mu.Lock()
	s.queries = append(s.queries, req)
	s.mu.Unlock()
	if s.QueryResponse != nil {
		return s.QueryResponse, nil
	}
	return req, nil
}

// Queries returns every query request received so far.
func (s *MemStore) Queries() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.queries))
	copy(out, s.queries)
	return out
}

func (s *MemStore) Apply(_ context.Context, batch pluginhost.ActionBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applied = append(s.applied, batch)
	return nil
}

// Applied returns a copy of every batch applied so far, in apply order.
func (s *MemStore) Applied() []pluginhost.ActionBatch {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]pluginhost.ActionBatch, len(s.applied))
	copy(out, s.applied)
	return out
}

// MemAssets is an in-memory AssetSource backed by a map.
type MemAssets map[string][]byte

var _ pluginhost.AssetSource = (MemAssets)(nil)

func (a MemAssets) ReadAsset(_ context.Context, name string) ([]byte, error) {
	data, ok := a[name]
	if !ok {
		return nil, fmt.Errorf("asset %q not found", name)
	}
	return data, nil
}

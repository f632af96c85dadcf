package memory

import (
	"context"
	"sort"
	"sync"

	"dex-trade-ledger/internal/domain"
	"dex-trade-ledger/internal/storage"
)

// TokenMetaStore is an in-memory implementation of storage.TokenMetaStore.
// It counts insert statements so callers can assert flush behaviour.
type TokenMetaStore struct {
	mu          sync.RWMutex
	byAddress   map[string]*domain.TokenMeta
	insertCalls int

	failErr error
	failN   int
}

// NewTokenMetaStore creates a new in-memory token meta store.
func NewTokenMetaStore() *TokenMetaStore {
	return &TokenMetaStore{byAddress: make(map[string]*domain.TokenMeta)}
}

var _ storage.TokenMetaStore = (*TokenMetaStore)(nil)

// ListAddresses returns every stored contract address.
func (s *TokenMetaStore) ListAddresses(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return nil, err
	}

	addrs := make([]string, 0, len(s.byAddress))
	for addr := range s.byAddress {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	return addrs, nil
}

// LoadAll returns copies of every stored row, ordered by address.
func (s *TokenMetaStore) LoadAll(_ context.Context) ([]*domain.TokenMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return nil, err
	}

	metas := make([]*domain.TokenMeta, 0, len(s.byAddress))
	for _, m := range s.byAddress {
		metaCopy := *m
		metas = append(metas, &metaCopy)
	}
	sort.Slice(metas, func(i, j int) bool {
		return metas[i].ContractAddress < metas[j].ContractAddress
	})
	return metas, nil
}

// InsertBulk stores rows not yet present. Existing addresses are ignored.
func (s *TokenMetaStore) InsertBulk(_ context.Context, metas []*domain.TokenMeta) (int, error) {
	if len(metas) == 0 {
		return 0, nil
	}
	for _, m := range metas {
		if m == nil || m.ContractAddress == "" {
			return 0, storage.ErrInvalidInput
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return 0, err
	}

	s.insertCalls++
	var n int
	for _, m := range metas {
		if _, exists := s.byAddress[m.ContractAddress]; exists {
			continue
		}
		metaCopy := *m
		s.byAddress[m.ContractAddress] = &metaCopy
		n++
	}
	return n, nil
}

// InsertCalls returns how many insert statements were issued.
func (s *TokenMetaStore) InsertCalls() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.insertCalls
}

// Len returns the number of stored rows.
func (s *TokenMetaStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byAddress)
}

// FailNext makes the next n store calls return err.
func (s *TokenMetaStore) FailNext(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failN, s.failErr = n, err
}

func (s *TokenMetaStore) takeFailure() error {
	if s.failN == 0 {
		return nil
	}
	s.failN--
	return s.failErr
}

package auth

import (
	"context"
	"sync"
)

// MemoryStore is an in-process Store for development and tests. The
// management-plane writes it would normally receive arrive through the
// exported Put methods.
type MemoryStore struct {
	mu          sync.RWMutex
	keys        map[string]*KeyRecord // by token hash
	prevKeys    map[string]*KeyRecord // by previous token hash
	teams       map[string]*TeamRecord
	orgs        map[string]*OrganizationRecord
	endUsers    map[string]*EndUserRecord
	objectPerms map[string]*ObjectPermissionRecord
	groups      map[string]*AccessGroupRecord
	memberships map[string]*TeamMembership // teamID + "\x00" + userID
	mappings    map[string]*JWTClaimMapping
	totalSpend  float64

	// FailNext simulates a store outage for the next FailNext calls.
	failMu   sync.Mutex
	failNext int
	failErr  error
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		keys:        make(map[string]*KeyRecord),
		prevKeys:    make(map[string]*KeyRecord),
		teams:       make(map[string]*TeamRecord),
		orgs:        make(map[string]*OrganizationRecord),
		endUsers:    make(map[string]*EndUserRecord),
		objectPerms: make(map[string]*ObjectPermissionRecord),
		groups:      make(map[string]*AccessGroupRecord),
		memberships: make(map[string]*TeamMembership),
		mappings:    make(map[string]*JWTClaimMapping),
	}
}

// FailWith makes the next n lookups return err, simulating an outage.
func (s *MemoryStore) FailWith(n int, err error) {
	s.failMu.Lock()
	s.failNext = n
	s.failErr = err
	s.failMu.Unlock()
}

func (s *MemoryStore) maybeFail() error {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	if s.failNext > 0 {
		s.failNext--
		return s.failErr
	}
	return nil
}

// PutKey stores a key record, indexing it by both its token hash and, when
// set, its previous token hash.
func (s *MemoryStore) PutKey(k *KeyRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[k.TokenHash] = k
	if k.PreviousToken != "" {
		s.prevKeys[k.PreviousToken] = k
	}
}

func (s *MemoryStore) PutTeam(t *TeamRecord)               { s.mu.Lock(); s.teams[t.ID] = t; s.mu.Unlock() }
func (s *MemoryStore) PutOrganization(o *OrganizationRecord) {
	s.mu.Lock()
	s.orgs[o.ID] = o
	s.mu.Unlock()
}
func (s *MemoryStore) PutEndUser(u *EndUserRecord) {
	s.mu.Lock()
	s.endUsers[u.UserID] = u
	s.mu.Unlock()
}
func (s *MemoryStore) PutObjectPermission(p *ObjectPermissionRecord) {
	s.mu.Lock()
	s.objectPerms[p.ID] = p
	s.mu.Unlock()
}
func (s *MemoryStore) PutAccessGroup(g *AccessGroupRecord) {
	s.mu.Lock()
	s.groups[g.Name] = g
	s.mu.Unlock()
}
func (s *MemoryStore) PutTeamMembership(m *TeamMembership) {
	s.mu.Lock()
	s.memberships[m.TeamID+"\x00"+m.UserID] = m
	s.mu.Unlock()
}
func (s *MemoryStore) PutJWTClaimMapping(m *JWTClaimMapping) {
	s.mu.Lock()
	s.mappings[m.ClaimValue] = m
	s.mu.Unlock()
}
func (s *MemoryStore) SetAggregateSpend(v float64) {
	s.mu.Lock()
	s.totalSpend = v
	s.mu.Unlock()
}

func (s *MemoryStore) GetKeyByHash(_ context.Context, tokenHash string) (*KeyRecord, error) {
	if err := s.maybeFail(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if k, ok := s.keys[tokenHash]; ok {
		cp := *k
		return &cp, nil
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) GetKeyByPreviousToken(_ context.Context, tokenHash string) (*KeyRecord, error) {
	if err := s.maybeFail(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if k, ok := s.prevKeys[tokenHash]; ok {
		cp := *k
		return &cp, nil
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) GetTeam(_ context.Context, teamID string) (*TeamRecord, error) {
	if err := s.maybeFail(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if t, ok := s.teams[teamID]; ok {
		cp := *t
		return &cp, nil
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) GetOrganization(_ context.Context, orgID string) (*OrganizationRecord, error) {
	if err := s.maybeFail(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if o, ok := s.orgs[orgID]; ok {
		cp := *o
		return &cp, nil
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) GetEndUser(_ context.Context, userID string) (*EndUserRecord, error) {
	if err := s.maybeFail(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if u, ok := s.endUsers[userID]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) GetObjectPermission(_ context.Context, permID string) (*ObjectPermissionRecord, error) {
	if err := s.maybeFail(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.objectPerms[permID]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) GetAccessGroup(_ context.Context, name string) (*AccessGroupRecord, error) {
	if err := s.maybeFail(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if g, ok := s.groups[name]; ok {
		cp := *g
		return &cp, nil
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) GetTeamMembership(_ context.Context, teamID, userID string) (*TeamMembership, error) {
	if err := s.maybeFail(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if m, ok := s.memberships[teamID+"\x00"+userID]; ok {
		cp := *m
		return &cp, nil
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) GetJWTClaimMapping(_ context.Context, claimValue string) (*JWTClaimMapping, error) {
	if err := s.maybeFail(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if m, ok := s.mappings[claimValue]; ok {
		cp := *m
		return &cp, nil
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) GetAggregateSpend(context.Context) (float64, error) {
	if err := s.maybeFail(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.totalSpend, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }
func (s *MemoryStore) Close() error               { return nil }

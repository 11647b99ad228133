package membership

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryService struct {
	limiter *attemptLimiter

	mu          sync.RWMutex
	members     map[uuid.UUID]Member
	byEmail     map[string]uuid.UUID
	credentials map[uuid.UUID]Credential
}

// NewMemoryService creates an empty in-memory membership service.
func NewMemoryService(authPerMinute int) Service {
	return &memoryService{
		limiter:     newAttemptLimiter(authPerMinute),
		members:     make(map[uuid.UUID]Member),
		byEmail:     make(map[string]uuid.UUID),
		credentials: make(map[uuid.UUID]Credential),
	}
}

func (m *memoryService) RegisterMember(_ context.Context, reg Registration) (*Member, error) {
	hash, salt, err := hashPassword(reg.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}
	member := Member{
		ID:        uuid.New(),
		Email:     normaliseEmail(reg.Email),
		Name:      reg.Name,
		Status:    statusActive,
		CreatedAt: time.Now().UTC(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, taken := m.byEmail[member.Email]; taken {
		return nil, fmt.Errorf("%w: %s", ErrEmailTaken, member.Email)
	}
	m.members[member.ID] = member
	m.byEmail[member.Email] = member.ID
	m.credentials[member.ID] = Credential{MemberID: member.ID, PasswordHash: hash, Salt: salt}
	return &member, nil
}

func (m *memoryService) Authenticate(_ context.Context, email, password string) (*Member, error) {
	if !m.limiter.allow(email) {
		return nil, ErrRateLimited
	}

	m.mu.RLock()
	id, ok := m.byEmail[normaliseEmail(email)]
	member := m.members[id]
	credential := m.credentials[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrInvalidCredentials
	}

	valid, err := verifyPassword(password, credential.Salt, credential.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("authentication failed: %w", err)
	}
	if !valid || member.Status != statusActive {
		return nil, ErrInvalidCredentials
	}
	return &member, nil
}

func (m *memoryService) GetMember(_ context.Context, id uuid.UUID) (*Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	member, ok := m.members[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMemberNotFound, id)
	}
	return &member, nil
}

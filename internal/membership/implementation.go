// internal/membership/implementation.go
package membership

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"bookledger/internal/database"
)

// service implements the Service interface on PostgreSQL.
type service struct {
	db      *sqlx.DB
	limiter *attemptLimiter
	tracer  trace.Tracer
}

// NewService creates a new membership service instance. authPerMinute bounds
// authentication attempts per email; zero selects DefaultAuthRatePerMinute.
func NewService(db *sqlx.DB, authPerMinute int) Service {
	return &service{
		db:      db,
		limiter: newAttemptLimiter(authPerMinute),
		tracer:  otel.Tracer("bookledger/membership"),
	}
}

// RegisterMember creates a member and its credential in one transaction.
func (s *service) RegisterMember(ctx context.Context, reg Registration) (*Member, error) {
	ctx, span := s.tracer.Start(ctx, "membership.register")
	defer span.End()

	hash, salt, err := hashPassword(reg.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	member := &Member{
		ID:        uuid.New(),
		Email:     normaliseEmail(reg.Email),
		Name:      reg.Name,
		Status:    statusActive,
		CreatedAt: time.Now().UTC(),
	}
	credential := &Credential{MemberID: member.ID, PasswordHash: hash, Salt: salt}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.NamedExecContext(ctx, `
		INSERT INTO members (member_id, email, name, status, created_at)
		VALUES (:member_id, :email, :name, :status, :created_at)
	`, member)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s", ErrEmailTaken, member.Email)
		}
		span.RecordError(err)
		return nil, fmt.Errorf("failed to insert member: %w", err)
	}

	_, err = tx.NamedExecContext(ctx, `
		INSERT INTO credentials (member_id, password_hash, salt)
		VALUES (:member_id, :password_hash, :salt)
	`, credential)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to insert credential: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit registration: %w", err)
	}
	return member, nil
}

// Authenticate verifies a member's credentials and returns the member if successful.
func (s *service) Authenticate(ctx context.Context, email, password string) (*Member, error) {
	if !s.limiter.allow(email) {
		return nil, ErrRateLimited
	}

	var row struct {
		Member
		PasswordHash string `db:"password_hash"`
		Salt         string `db:"salt"`
	}
	err := s.db.GetContext(ctx, &row, `
		SELECT m.member_id, m.email, m.name, m.status, m.created_at, c.password_hash, c.salt
		FROM members m
		JOIN credentials c ON c.member_id = m.member_id
		WHERE m.email = $1
	`, normaliseEmail(email))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("authentication failed: %w", err)
	}

	ok, err := verifyPassword(password, row.Salt, row.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("authentication failed: %w", err)
	}
	if !ok || row.Status != statusActive {
		return nil, ErrInvalidCredentials
	}

	member := row.Member
	return &member, nil
}

// GetMember retrieves a member by their ID.
func (s *service) GetMember(ctx context.Context, id uuid.UUID) (*Member, error) {
	member := &Member{}
	err := s.db.GetContext(ctx, member, `
		SELECT member_id, email, name, status, created_at
		FROM members
		WHERE member_id = $1
	`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrMemberNotFound, id)
		}
		return nil, fmt.Errorf("failed to get member: %w", err)
	}
	return member, nil
}

func isUniqueViolation(err error) bool {
	return database.SQLState(err) == database.CodeUniqueViolation
}

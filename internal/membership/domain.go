// internal/membership/domain.go
package membership

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrMemberNotFound     = errors.New("member not found")
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrRateLimited        = errors.New("too many authentication attempts")
)

const statusActive = "active"

// Member is a registered borrower. Member.ID is the borrower id recorded on checkouts.
type Member struct {
	ID        uuid.UUID `json:"id" db:"member_id"`
	Email     string    `json:"email" db:"email"`
	Name      string    `json:"name" db:"name"`
	Status    string    `json:"status" db:"status"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Credential holds a member's salted Argon2id password hash.
type Credential struct {
	MemberID     uuid.UUID `db:"member_id"`
	PasswordHash string    `db:"password_hash"`
	Salt         string    `db:"salt"`
}

// Registration is the input to RegisterMember.
type Registration struct {
	Email    string `json:"email" validate:"required,email,max=255"`
	Name     string `json:"name" validate:"required,max=255"`
	Password string `json:"password" validate:"required,min=8,max=128"`
}

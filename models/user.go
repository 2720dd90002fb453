package models

import "time"

// User represents a row in the "users" table.
// Fields map 1-to-1 with columns; no automatic relation loading.
//
// ID is zero until the row is persisted. Active and CreatedAt may be left
// unset by callers building records for a batch: writers store nil Active as
// true and a zero CreatedAt as the submission time.
type User struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	Email      string    `json:"email"`
	Department string    `json:"department"`
	Role       string    `json:"role"`
	Active     *bool     `json:"active,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// IsActive reports the stored flag, treating unset as active.
func (u User) IsActive() bool {
	return u.Active == nil || *u.Active
}

// Bool returns a pointer to b, for filling optional flags.
func Bool(b bool) *bool { return &b }

// CreateUserParams holds the fields required to create a new user.
// Keeping input types separate from the domain model prevents accidental
// mass-assignment and makes API contracts explicit.
type CreateUserParams struct {
	Name       string `json:"name" validate:"required,max=100"`
	Email      string `json:"email" validate:"required,email,max=255"`
	Department string `json:"department" validate:"max=50"`
	Role       string `json:"role" validate:"max=50"`
}

// UpdateUserParams holds fields that can be updated. All fields are pointers
// so callers only set what needs changing; the repository builds the explicit
// SQL accordingly.
type UpdateUserParams struct {
	Name       *string `json:"name" validate:"omitempty,min=1,max=100"`
	Email      *string `json:"email" validate:"omitempty,email,max=255"`
	Department *string `json:"department" validate:"omitempty,max=50"`
	Role       *string `json:"role" validate:"omitempty,max=50"`
	Active     *bool   `json:"active"`
}

// Empty reports whether no field is set.
func (p UpdateUserParams) Empty() bool {
	return p.Name == nil && p.Email == nil && p.Department == nil && p.Role == nil && p.Active == nil
}

// UserQuery filters a user search. Zero-valued fields do not filter.
// Name and Email match case-insensitively anywhere in the column;
// Department and Role match exactly.
type UserQuery struct {
	Name       string `json:"name"`
	Email      string `json:"email"`
	Department string `json:"department"`
	Role       string `json:"role"`
	Active     *bool  `json:"active"`
	Limit      int    `json:"limit" validate:"gte=0"`
	Offset     int    `json:"offset" validate:"gte=0"`
}

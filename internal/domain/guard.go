// Package domain contains entity without logic, just meta-data
package domain

import "errors"

const MaxGuardNameLen = 64

var (
	ErrGuardNameEmpty   = errors.New("guard name empty")
	ErrGuardNameTooLong = errors.New("guard name too long")
)

type (
	GuardID   string
	CompanyID string
)

// Guard is an authenticated identity. IDs are assigned by the external
// identity store; the core never mints them.
type Guard struct {
	ID        GuardID   `json:"id"`
	Name      string    `json:"name"`
	CompanyID CompanyID `json:"company_id"`
}

func (g *Guard) SetName(name string) error {
	if len(name) == 0 {
		return ErrGuardNameEmpty
	}
	if len(name) > MaxGuardNameLen {
		return ErrGuardNameTooLong
	}
	g.Name = name
	return nil
}

package domain

import "time"

// User es la identidad persistida. Un usuario esta pendiente (IsActive=false)
// hasta que confirma su email; la transicion a activo es de un solo sentido.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username,omitempty"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

package models

import "time"

// Principal is an authenticated identity as seen by the token subsystem. It is owned by the
// identity store and only read here.
type Principal struct {
	ID           string    `db:"id" json:"id"`
	Email        string    `db:"email" json:"email"`
	PasswordHash string    `db:"password_hash" json:"-"`
	Roles        []string  `db:"-" json:"roles"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

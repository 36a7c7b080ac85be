// Package user provides the user model and its document store.
package user

import "time"

// UserID identifies a user.
type UserID string

// User is an authenticated principal. `Sub` is the external subject the
// auth layer resolved the user from.
type User struct {
	ID        UserID    `json:"id"`
	Sub       string    `json:"sub"`
	Name      string    `json:"name"`
	Email     string    `json:"email,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

package models

import "time"

// User представляет пользователя в системе
type User struct {
	CreatedAt    time.Time  `json:"created_at"`    // время создания
	LastLogin    *time.Time `json:"last_login"`    // время последнего входа
	ID           string     `json:"id"`            // UUID пользователя
	Username     string     `json:"username"`      // уникальный username
	PasswordHash string     `json:"password_hash"` // argon2id хеш пароля (base64)
	Salt         string     `json:"salt"`          // base64 encoded salt (32 bytes)
	Admin        bool       `json:"admin"`         // административные права
}

// Principal is the authenticated caller of an operation
type Principal struct {
	Name  string
	Admin bool
}

// ReplicaPrincipal returns the principal used for writes replicated from domain
func ReplicaPrincipal(domain string) Principal {
	return Principal{Name: ReplicaUser(domain), Admin: true}
}

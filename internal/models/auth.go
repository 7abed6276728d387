package models

import "github.com/golang-jwt/jwt/v5"

// Roles accepted on operator tokens
const (
	RoleAdmin   = "admin"
	RoleService = "service"
)

// TokenClaims are carried by operator and collaborator bearer tokens
type TokenClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

package models

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

func init() {
	// Wallets travel as JSON numbers.
	decimal.MarshalJSONWithoutQuotes = true
}

// ID identifies users and clients. It marshals to a JSON string so browsers
// keep all 64 bits.
type ID = snowflake.ID

// User represents a user account.
type User struct {
	ID           ID        `json:"id" db:"id"`
	UserName     string    `json:"userName" db:"user_name"`
	PasswordHash string    `json:"-" db:"password_hash"`
	CreatedAt    time.Time `json:"createdAt" db:"created_at"`
}

// Identity is the part of a user that a session carries.
type Identity struct {
	ID       ID     `json:"id"`
	UserName string `json:"userName"`
}

// Client is an identity document record owned by a user.
type Client struct {
	ID         ID              `json:"id" db:"id"`
	FirstName  string          `json:"firstName" db:"first_name"`
	SecondName string          `json:"secondName" db:"second_name"`
	IBAN       string          `json:"iban" db:"iban"`
	IDNumber   string          `json:"idNumber" db:"id_number"`
	IDPhoto    string          `json:"idPhoto" db:"id_photo"`
	Wallet     decimal.Decimal `json:"wallet" db:"wallet"`
	UserID     ID              `json:"user" db:"user_id"`
	CreatedAt  time.Time       `json:"createdAt" db:"created_at"`
}

// Session represents a user session.
type Session struct {
	Token        string    `json:"token"`
	UserID       ID        `json:"userId"`
	UserName     string    `json:"userName"`
	ExpiresAt    time.Time `json:"expiresAt"`
	LastActivity time.Time `json:"lastActivity"`
}

// Identity returns the user the session belongs to.
func (s *Session) Identity() Identity {
	return Identity{ID: s.UserID, UserName: s.UserName}
}

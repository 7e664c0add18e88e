// Package auth manages operator accounts and their bearer tokens.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"time"

	"golang.org/x/crypto/bcrypt"
)

const DefaultTokenTTL = 7 * 24 * time.Hour

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrTokenExpired       = errors.New("token expired")
)

type Service struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

type Operator struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

func NewService(db *sql.DB, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Service{db: db, ttl: ttl, now: time.Now}
}

// EnsureOperator creates the first operator account when none exist.
func (s *Service) EnsureOperator(username, password string) error {
	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM operators").Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	_, err = s.db.Exec("INSERT INTO operators (username, password_hash) VALUES (?, ?)", username, string(hash))
	return err
}

// Login checks the password and issues a bearer token. Only a digest of the
// token is stored.
func (s *Service) Login(username, password string) (string, error) {
	var id int64
	var hash string
	err := s.db.QueryRow("SELECT id, password_hash FROM operators WHERE username = ?", username).Scan(&id, &hash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrInvalidCredentials
		}
		return "", err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}

	token, err := generateToken()
	if err != nil {
		return "", err
	}
	_, err = s.db.Exec("INSERT INTO tokens (token, operator_id, expires_at) VALUES (?, ?, ?)",
		digest(token), id, s.now().Add(s.ttl).UTC())
	if err != nil {
		return "", err
	}
	return token, nil
}

func (s *Service) Validate(token string) (*Operator, error) {
	var op Operator
	var expiresAt time.Time
	err := s.db.QueryRow(`
		SELECT o.id, o.username, t.expires_at
		FROM tokens t JOIN operators o ON t.operator_id = o.id
		WHERE t.token = ?
	`, digest(token)).Scan(&op.ID, &op.Username, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTokenExpired
		}
		return nil, err
	}
	if s.now().After(expiresAt) {
		s.db.Exec("DELETE FROM tokens WHERE token = ?", digest(token))
		return nil, ErrTokenExpired
	}
	return &op, nil
}

func (s *Service) Logout(token string) error {
	_, err := s.db.Exec("DELETE FROM tokens WHERE token = ?", digest(token))
	return err
}

// PruneExpired drops expired tokens and reports how many were removed.
func (s *Service) PruneExpired() (int64, error) {
	res, err := s.db.Exec("DELETE FROM tokens WHERE expires_at < ?", s.now().UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func digest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

package identity

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
)

// Magic link errors
var (
	ErrTokenNotFound = errors.New("login token not found")
	ErrTokenExpired  = errors.New("login token expired")
	ErrTokenConsumed = errors.New("login token already used")
)

// MagicLink is a single-use, short-lived login token handed to the browser
// after a successful federated login.
type MagicLink struct {
	Token     string
	UserID    uuid.UUID
	OrgID     uuid.UUID
	RedirectURL string
	ExpiresAt time.Time
}

// MagicLinkStore issues and redeems login tokens
type MagicLinkStore struct {
	db  *sql.DB
	ttl time.Duration
}

// NewMagicLinkStore creates a magic link store. ttl bounds how long an
// issued token stays redeemable.
func NewMagicLinkStore(db *sql.DB, ttl time.Duration) *MagicLinkStore {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &MagicLinkStore{db: db, ttl: ttl}
}

// Issue creates a new login token for a user
func (s *MagicLinkStore) Issue(ctx context.Context, userID, orgID uuid.UUID, redirectURL string) (*MagicLink, error) {
	token, err := generateToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate login token: %w", err)
	}

	link := &MagicLink{
		Token:       token,
		UserID:      userID,
		OrgID:       orgID,
		RedirectURL: redirectURL,
		ExpiresAt:   time.Now().UTC().Add(s.ttl),
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO login_tokens (token, user_id, org_id, redirect_url, expires_at)
		VALUES ($1, $2, $3, $4, $5)
	`, link.Token, link.UserID, link.OrgID, link.RedirectURL, link.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("failed to store login token: %w", err)
	}

	return link, nil
}

// Redeem consumes a login token. A token redeems exactly once; expired and
// already-consumed tokens fail with distinct errors.
func (s *MagicLinkStore) Redeem(ctx context.Context, token string) (*MagicLink, error) {
	link := &MagicLink{Token: token}
	var consumedAt sql.NullTime

	// Consume and read in one statement so two concurrent redeems cannot
	// both succeed.
	err := s.db.QueryRowContext(ctx, `
		UPDATE login_tokens
		SET consumed_at = NOW()
		WHERE token = $1 AND consumed_at IS NULL AND expires_at > NOW()
		RETURNING user_id, org_id, redirect_url, expires_at, consumed_at
	`, token).Scan(&link.UserID, &link.OrgID, &link.RedirectURL, &link.ExpiresAt, &consumedAt)
	if err == nil {
		return link, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to redeem login token: %w", err)
	}

	// Distinguish why the conditional update matched nothing
	var expiresAt time.Time
	err = s.db.QueryRowContext(ctx, `
		SELECT expires_at, consumed_at FROM login_tokens WHERE token = $1
	`, token).Scan(&expiresAt, &consumedAt)
	switch {
	case err == sql.ErrNoRows:
		return nil, ErrTokenNotFound
	case err != nil:
		return nil, fmt.Errorf("failed to inspect login token: %w", err)
	case consumedAt.Valid:
		return nil, ErrTokenConsumed
	default:
		return nil, ErrTokenExpired
	}
}

// CleanupExpired deletes tokens past their expiry plus consumed tokens older
// than a day. Returns the number of rows removed.
func (s *MagicLinkStore) CleanupExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM login_tokens
		WHERE expires_at < NOW() OR consumed_at < NOW() - INTERVAL '24 hours'
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up login tokens: %w", err)
	}
	return res.RowsAffected()
}

// AppendToken adds the login token to a redirect URL as a query parameter.
// Used as the handoff when the session layer lives on another host.
func AppendToken(redirectURL, token string) string {
	u, err := url.Parse(redirectURL)
	if err != nil {
		return redirectURL + "?login_token=" + url.QueryEscape(token)
	}
	q := u.Query()
	q.Set("login_token", token)
	u.RawQuery = q.Encode()
	return u.String()
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

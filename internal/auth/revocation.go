package auth

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
)

// blacklistMargin pads blacklist entry expiry past the longest possible
// token lifetime so an entry always outlives the token it rejects.
const blacklistMargin = 24 * time.Hour

const logoutRetention = 30 * 24 * time.Hour

// Fingerprint derives the one-way value stored instead of the raw token.
func Fingerprint(rawToken string) string {
	sum := sha256.Sum256([]byte(rawToken))
	return hex.EncodeToString(sum[:])
}

// Ledger makes signed-but-unexpired tokens revocable: individually through
// the blacklist table, or wholesale through a per-user logout timestamp.
type Ledger struct {
	db         *sqlx.DB
	refreshTTL time.Duration
	logger     *logrus.Logger
	now        func() time.Time

	stop chan struct{}
	done chan struct{}
}

type CleanupResult struct {
	DeletedBlacklistEntries int64 `json:"deleted_blacklist_entries"`
	DeletedLogoutRecords    int64 `json:"deleted_logout_records"`
}

func NewLedger(db *sqlx.DB, refreshTTL time.Duration, logger *logrus.Logger) *Ledger {
	return &Ledger{
		db:         db,
		refreshTTL: refreshTTL,
		logger:     logger,
		now:        time.Now,
	}
}

// Blacklist records a token fingerprint. Re-blacklisting the same token is
// a no-op.
func (l *Ledger) Blacklist(ctx context.Context, rawToken, userID string) error {
	expiresAt := l.now().UTC().Add(l.refreshTTL + blacklistMargin)

	var owner any
	if userID != "" {
		owner = userID
	}

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO auth_token_blacklist (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO NOTHING
	`, Fingerprint(rawToken), owner, expiresAt)
	if err != nil {
		return fmt.Errorf("insert blacklist entry: %w", err)
	}

	return nil
}

// IsBlacklisted reports whether the token's fingerprint has an unexpired
// blacklist entry. Entries past their own expiry count as absent even
// before cleanup deletes them.
func (l *Ledger) IsBlacklisted(ctx context.Context, rawToken string) (bool, error) {
	var exists bool
	err := l.db.GetContext(ctx, &exists, `
		SELECT EXISTS (
			SELECT 1 FROM auth_token_blacklist
			WHERE token_hash = $1 AND expires_at > $2
		)
	`, Fingerprint(rawToken), l.now().UTC())
	if err != nil {
		return false, fmt.Errorf("query blacklist entry: %w", err)
	}

	return exists, nil
}

// BlacklistAllForUser moves the user's logout cutoff to now, invalidating
// every token issued at or before this instant.
func (l *Ledger) BlacklistAllForUser(ctx context.Context, userID string) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO auth_user_logouts (user_id, logged_out_at)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET logged_out_at = EXCLUDED.logged_out_at
	`, userID, l.now().UTC())
	if err != nil {
		return fmt.Errorf("upsert user logout: %w", err)
	}

	return nil
}

// IsValidForUser reports whether a token issued at issuedAt survives the
// user's logout cutoff. Equality loses: a token issued in the same instant
// as the cutoff is invalid.
func (l *Ledger) IsValidForUser(ctx context.Context, userID string, issuedAt time.Time) (bool, error) {
	var loggedOutAt time.Time
	err := l.db.GetContext(ctx, &loggedOutAt, `
		SELECT logged_out_at FROM auth_user_logouts WHERE user_id = $1
	`, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return true, nil
		}
		return false, fmt.Errorf("query user logout: %w", err)
	}

	return issuedAt.After(loggedOutAt), nil
}

// Cleanup deletes expired blacklist entries and stale logout records.
func (l *Ledger) Cleanup(ctx context.Context) (CleanupResult, error) {
	now := l.now().UTC()

	deletedEntries, err := l.deleteRows(ctx, `
		DELETE FROM auth_token_blacklist WHERE expires_at < $1
	`, now)
	if err != nil {
		return CleanupResult{}, fmt.Errorf("delete expired blacklist entries: %w", err)
	}

	deletedLogouts, err := l.deleteRows(ctx, `
		DELETE FROM auth_user_logouts WHERE logged_out_at < $1
	`, now.Add(-logoutRetention))
	if err != nil {
		return CleanupResult{}, fmt.Errorf("delete stale logout records: %w", err)
	}

	return CleanupResult{
		DeletedBlacklistEntries: deletedEntries,
		DeletedLogoutRecords:    deletedLogouts,
	}, nil
}

func (l *Ledger) deleteRows(ctx context.Context, query string, arg any) (int64, error) {
	res, err := l.db.ExecContext(ctx, query, arg)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// StartCleanup runs Cleanup on a fixed interval until Stop is called.
// Failures are logged and the loop continues; request paths never wait on
// this goroutine.
func (l *Ledger) StartCleanup(interval time.Duration) {
	if l.stop != nil {
		return
	}
	l.stop = make(chan struct{})
	l.done = make(chan struct{})

	go func() {
		defer close(l.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
				result, err := l.Cleanup(ctx)
				cancel()
				if err != nil {
					l.logger.WithError(err).Error("revocation_cleanup_failed")
					continue
				}
				l.logger.WithFields(logrus.Fields{
					"deleted_blacklist_entries": result.DeletedBlacklistEntries,
					"deleted_logout_records":    result.DeletedLogoutRecords,
				}).Debug("revocation_cleanup_completed")
			case <-l.stop:
				return
			}
		}
	}()
}

func (l *Ledger) Stop() {
	if l.stop == nil {
		return
	}
	close(l.stop)
	<-l.done
	l.stop = nil
	l.done = nil
}

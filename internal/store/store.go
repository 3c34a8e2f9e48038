package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// Account kinds.
const (
	KindGmail     = "gmail"
	KindMicrosoft = "microsoft"
	KindYahoo     = "yahoo"
	KindIMAP      = "imap"
)

// Pending send statuses. Exactly one terminal transition is legal per
// row; all transitions go through guarded UPDATEs.
const (
	PendingQueued    = "queued"
	PendingSent      = "sent"
	PendingCancelled = "cancelled"
	PendingFailed    = "failed"
)

// Scheduled email statuses.
const (
	ScheduledPending   = "pending"
	ScheduledSent      = "sent"
	ScheduledCancelled = "cancelled"
	ScheduledFailed    = "failed"
)

// Account credentials never leave the process: tokens and passwords
// are excluded from JSON.
type Account struct {
	ID            string    `json:"id"`
	Email         string    `json:"email"`
	Kind          string    `json:"kind"`
	AccessToken   string    `json:"-"`
	RefreshToken  string    `json:"-"`
	TokenExpires  time.Time `json:"-"`
	IMAPHost      string    `json:"imapHost,omitempty"`
	IMAPPort      int       `json:"imapPort,omitempty"`
	IMAPTLS       bool      `json:"imapTls,omitempty"`
	SMTPHost      string    `json:"smtpHost,omitempty"`
	SMTPPort      int       `json:"smtpPort,omitempty"`
	Username      string    `json:"username,omitempty"`
	Password      string    `json:"-"`
	SyncFrequency int       `json:"syncFrequencySeconds,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

type Email struct {
	ID          int64     `json:"id"`
	AccountID   string    `json:"accountId"`
	RemoteID    string    `json:"remoteId"`
	ThreadID    string    `json:"threadId,omitempty"`
	Folder      string    `json:"folder"`
	Subject     string    `json:"subject"`
	Sender      string    `json:"sender"`
	ToAddrs     string    `json:"to,omitempty"`
	CcAddrs     string    `json:"cc,omitempty"`
	Snippet     string    `json:"snippet,omitempty"`
	IsRead      bool      `json:"isRead"`
	IsStarred   bool      `json:"isStarred"`
	IsArchived  bool      `json:"isArchived"`
	IsTrashed   bool      `json:"isTrashed"`
	MessageDate time.Time `json:"messageDate"`
}

type PendingSend struct {
	ID        string    `json:"id"`
	AccountID string    `json:"accountId"`
	Payload   string    `json:"payload"`
	SendAt    time.Time `json:"sendAt"`
	Status    string    `json:"status"`
	LastError string    `json:"lastError,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type ScheduledEmail struct {
	ID        string    `json:"id"`
	AccountID string    `json:"accountId"`
	Payload   string    `json:"payload"`
	SendAt    time.Time `json:"sendAt"`
	Status    string    `json:"status"`
	LastError string    `json:"lastError,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// OutboxMessage represents a message in the outbox
type OutboxMessage struct {
	ID      int64
	Subject string
	Payload []byte
	MsgID   string
}

// Store is the engine's persistence layer.
type Store struct {
	DB *sql.DB
}

// Open opens or creates the engine database.
func Open(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{DB: db}, nil
}

func (s *Store) Close() error {
	return s.DB.Close()
}

// --- accounts ---

func (s *Store) CreateAccount(ctx context.Context, a *Account) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO accounts
		(id, email, kind, access_token, refresh_token, token_expires_at,
		 imap_host, imap_port, imap_tls, smtp_host, smtp_port, username, password,
		 sync_frequency_seconds, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.Email, a.Kind, a.AccessToken, a.RefreshToken, a.TokenExpires.Unix(),
		a.IMAPHost, a.IMAPPort, boolInt(a.IMAPTLS), a.SMTPHost, a.SMTPPort, a.Username, a.Password,
		a.SyncFrequency, a.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

func (s *Store) GetAccount(ctx context.Context, id string) (*Account, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, email, kind, access_token, refresh_token, token_expires_at,
		       imap_host, imap_port, imap_tls, smtp_host, smtp_port, username, password,
		       sync_frequency_seconds, created_at
		FROM accounts WHERE id = ?
	`, id)
	return scanAccount(row)
}

func (s *Store) ListAccounts(ctx context.Context) ([]*Account, error) {
	return s.listAccounts(ctx, `
		SELECT id, email, kind, access_token, refresh_token, token_expires_at,
		       imap_host, imap_port, imap_tls, smtp_host, smtp_port, username, password,
		       sync_frequency_seconds, created_at
		FROM accounts ORDER BY created_at`)
}

func (s *Store) ListAccountsByKind(ctx context.Context, kind string) ([]*Account, error) {
	return s.listAccounts(ctx, `
		SELECT id, email, kind, access_token, refresh_token, token_expires_at,
		       imap_host, imap_port, imap_tls, smtp_host, smtp_port, username, password,
		       sync_frequency_seconds, created_at
		FROM accounts WHERE kind = ? ORDER BY created_at`, kind)
}

func (s *Store) listAccounts(ctx context.Context, query string, args ...interface{}) ([]*Account, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(row rowScanner) (*Account, error) {
	var a Account
	var expires, created int64
	var imapTLS int
	err := row.Scan(&a.ID, &a.Email, &a.Kind, &a.AccessToken, &a.RefreshToken, &expires,
		&a.IMAPHost, &a.IMAPPort, &imapTLS, &a.SMTPHost, &a.SMTPPort, &a.Username, &a.Password,
		&a.SyncFrequency, &created)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("account not found")
		}
		return nil, fmt.Errorf("failed to scan account: %w", err)
	}
	a.TokenExpires = time.Unix(expires, 0)
	a.CreatedAt = time.Unix(created, 0)
	a.IMAPTLS = imapTLS != 0
	return &a, nil
}

// UpdateTokens persists a refreshed token set for an account.
func (s *Store) UpdateTokens(ctx context.Context, id, accessToken, refreshToken string, expiresAt time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE accounts SET access_token = ?, refresh_token = ?, token_expires_at = ?
		WHERE id = ?
	`, accessToken, refreshToken, expiresAt.Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to update tokens: %w", err)
	}
	return nil
}

func (s *Store) DeleteAccount(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	return nil
}

// --- emails ---

// InsertEmail inserts a synced message. The UNIQUE constraint on
// (account_id, remote_id) makes re-syncing a seen message a no-op;
// the bool reports whether a row was actually created.
func (s *Store) InsertEmail(ctx context.Context, e *Email) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		INSERT OR IGNORE INTO emails
		(account_id, remote_id, thread_id, folder, subject, sender, to_addrs, cc_addrs,
		 snippet, is_read, is_starred, is_archived, is_trashed, message_date)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.AccountID, e.RemoteID, e.ThreadID, e.Folder, e.Subject, e.Sender, e.ToAddrs, e.CcAddrs,
		e.Snippet, boolInt(e.IsRead), boolInt(e.IsStarred), boolInt(e.IsArchived), boolInt(e.IsTrashed),
		e.MessageDate.Unix())
	if err != nil {
		return false, fmt.Errorf("failed to insert email: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *Store) GetEmail(ctx context.Context, id int64) (*Email, error) {
	var e Email
	var date int64
	var read, starred, archived, trashed int
	err := s.DB.QueryRowContext(ctx, `
		SELECT id, account_id, remote_id, thread_id, folder, subject, sender, to_addrs, cc_addrs,
		       snippet, is_read, is_starred, is_archived, is_trashed, message_date
		FROM emails WHERE id = ?
	`, id).Scan(&e.ID, &e.AccountID, &e.RemoteID, &e.ThreadID, &e.Folder, &e.Subject, &e.Sender,
		&e.ToAddrs, &e.CcAddrs, &e.Snippet, &read, &starred, &archived, &trashed, &date)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("email %d not found", id)
		}
		return nil, fmt.Errorf("failed to get email: %w", err)
	}
	e.IsRead = read != 0
	e.IsStarred = starred != 0
	e.IsArchived = archived != 0
	e.IsTrashed = trashed != 0
	e.MessageDate = time.Unix(date, 0)
	return &e, nil
}

// ListEmails pages through an account's messages in a folder, newest
// first. Trashed rows only show in the trash view; archived rows only
// outside the inbox.
func (s *Store) ListEmails(ctx context.Context, accountID, folder string, limit, offset int) ([]*Email, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, account_id, remote_id, thread_id, folder, subject, sender, to_addrs, cc_addrs,
		       snippet, is_read, is_starred, is_archived, is_trashed, message_date
		FROM emails WHERE account_id = ?`
	args := []interface{}{accountID}
	switch folder {
	case "trash":
		query += ` AND is_trashed = 1`
	case "archive":
		query += ` AND is_archived = 1 AND is_trashed = 0`
	case "starred":
		query += ` AND is_starred = 1 AND is_trashed = 0`
	default:
		query += ` AND folder = ? AND is_trashed = 0 AND is_archived = 0`
		args = append(args, folder)
	}
	query += ` ORDER BY message_date DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query emails: %w", err)
	}
	defer rows.Close()

	var out []*Email
	for rows.Next() {
		var e Email
		var date int64
		var read, starred, archived, trashed int
		if err := rows.Scan(&e.ID, &e.AccountID, &e.RemoteID, &e.ThreadID, &e.Folder, &e.Subject,
			&e.Sender, &e.ToAddrs, &e.CcAddrs, &e.Snippet, &read, &starred, &archived, &trashed, &date); err != nil {
			return nil, fmt.Errorf("failed to scan email: %w", err)
		}
		e.IsRead = read != 0
		e.IsStarred = starred != 0
		e.IsArchived = archived != 0
		e.IsTrashed = trashed != 0
		e.MessageDate = time.Unix(date, 0)
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *Store) CountEmails(ctx context.Context, accountID string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM emails WHERE account_id = ?`, accountID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count emails: %w", err)
	}
	return n, nil
}

func (s *Store) setEmailFlag(ctx context.Context, id int64, column string, v bool) error {
	_, err := s.DB.ExecContext(ctx, fmt.Sprintf(`UPDATE emails SET %s = ? WHERE id = ?`, column), boolInt(v), id)
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", column, err)
	}
	return nil
}

func (s *Store) SetRead(ctx context.Context, id int64, v bool) error {
	return s.setEmailFlag(ctx, id, "is_read", v)
}

func (s *Store) SetStarred(ctx context.Context, id int64, v bool) error {
	return s.setEmailFlag(ctx, id, "is_starred", v)
}

func (s *Store) SetArchived(ctx context.Context, id int64, v bool) error {
	return s.setEmailFlag(ctx, id, "is_archived", v)
}

func (s *Store) SetTrashed(ctx context.Context, id int64, v bool) error {
	return s.setEmailFlag(ctx, id, "is_trashed", v)
}

func (s *Store) DeleteEmail(ctx context.Context, id int64) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM emails WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete email: %w", err)
	}
	return nil
}

// --- pending sends ---

func (s *Store) CreatePendingSend(ctx context.Context, p *PendingSend) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	p.Status = PendingQueued
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO pending_sends (id, account_id, payload, send_at, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, p.ID, p.AccountID, p.Payload, p.SendAt.Unix(), p.Status, p.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to create pending send: %w", err)
	}
	return nil
}

func (s *Store) GetPendingSend(ctx context.Context, id string) (*PendingSend, error) {
	var p PendingSend
	var sendAt, created int64
	err := s.DB.QueryRowContext(ctx, `
		SELECT id, account_id, payload, send_at, status, last_error, created_at
		FROM pending_sends WHERE id = ?
	`, id).Scan(&p.ID, &p.AccountID, &p.Payload, &sendAt, &p.Status, &p.LastError, &created)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("pending send %s not found", id)
		}
		return nil, fmt.Errorf("failed to get pending send: %w", err)
	}
	p.SendAt = time.Unix(sendAt, 0)
	p.CreatedAt = time.Unix(created, 0)
	return &p, nil
}

// TransitionPendingSend moves a queued row to a terminal status. It
// returns false without error when the row already left queued, which
// is how cancel/fire races become observable to callers.
func (s *Store) TransitionPendingSend(ctx context.Context, id, to string) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE pending_sends SET status = ? WHERE id = ? AND status = ?
	`, to, id, PendingQueued)
	if err != nil {
		return false, fmt.Errorf("failed to transition pending send: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// MarkPendingFailed records a fire-time send failure. The row was
// already claimed out of queued, so no guard is needed.
func (s *Store) MarkPendingFailed(ctx context.Context, id, errMsg string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE pending_sends SET status = ?, last_error = ? WHERE id = ?
	`, PendingFailed, errMsg, id)
	if err != nil {
		return fmt.Errorf("failed to mark pending failed: %w", err)
	}
	return nil
}

func (s *Store) ListQueuedPendingSends(ctx context.Context) ([]*PendingSend, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, account_id, payload, send_at, status, last_error, created_at
		FROM pending_sends WHERE status = ? ORDER BY send_at
	`, PendingQueued)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending sends: %w", err)
	}
	defer rows.Close()

	var out []*PendingSend
	for rows.Next() {
		var p PendingSend
		var sendAt, created int64
		if err := rows.Scan(&p.ID, &p.AccountID, &p.Payload, &sendAt, &p.Status, &p.LastError, &created); err != nil {
			return nil, fmt.Errorf("failed to scan pending send: %w", err)
		}
		p.SendAt = time.Unix(sendAt, 0)
		p.CreatedAt = time.Unix(created, 0)
		out = append(out, &p)
	}
	return out, rows.Err()
}

// --- scheduled emails ---

func (s *Store) CreateScheduledEmail(ctx context.Context, e *ScheduledEmail) error {
	now := time.Now()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	e.Status = ScheduledPending
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO scheduled_emails (id, account_id, payload, send_at, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.AccountID, e.Payload, e.SendAt.Unix(), e.Status, e.CreatedAt.Unix(), e.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to create scheduled email: %w", err)
	}
	return nil
}

func (s *Store) GetScheduledEmail(ctx context.Context, id string) (*ScheduledEmail, error) {
	var e ScheduledEmail
	var sendAt, created, updated int64
	err := s.DB.QueryRowContext(ctx, `
		SELECT id, account_id, payload, send_at, status, last_error, created_at, updated_at
		FROM scheduled_emails WHERE id = ?
	`, id).Scan(&e.ID, &e.AccountID, &e.Payload, &sendAt, &e.Status, &e.LastError, &created, &updated)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("scheduled email %s not found", id)
		}
		return nil, fmt.Errorf("failed to get scheduled email: %w", err)
	}
	e.SendAt = time.Unix(sendAt, 0)
	e.CreatedAt = time.Unix(created, 0)
	e.UpdatedAt = time.Unix(updated, 0)
	return &e, nil
}

// UpdateScheduledEmail edits payload and send time of a still-pending
// row. Returns false when the row is no longer pending.
func (s *Store) UpdateScheduledEmail(ctx context.Context, id, payload string, sendAt time.Time) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE scheduled_emails SET payload = ?, send_at = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, payload, sendAt.Unix(), time.Now().Unix(), id, ScheduledPending)
	if err != nil {
		return false, fmt.Errorf("failed to update scheduled email: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// TransitionScheduledEmail moves a pending row to a terminal status
// under the same guard discipline as pending sends.
func (s *Store) TransitionScheduledEmail(ctx context.Context, id, to string) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE scheduled_emails SET status = ?, updated_at = ? WHERE id = ? AND status = ?
	`, to, time.Now().Unix(), id, ScheduledPending)
	if err != nil {
		return false, fmt.Errorf("failed to transition scheduled email: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *Store) MarkScheduledFailed(ctx context.Context, id, errMsg string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE scheduled_emails SET status = ?, last_error = ?, updated_at = ? WHERE id = ?
	`, ScheduledFailed, errMsg, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark scheduled failed: %w", err)
	}
	return nil
}

func (s *Store) ListPendingScheduledEmails(ctx context.Context) ([]*ScheduledEmail, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, account_id, payload, send_at, status, last_error, created_at, updated_at
		FROM scheduled_emails WHERE status = ? ORDER BY send_at
	`, ScheduledPending)
	if err != nil {
		return nil, fmt.Errorf("failed to query scheduled emails: %w", err)
	}
	defer rows.Close()

	var out []*ScheduledEmail
	for rows.Next() {
		var e ScheduledEmail
		var sendAt, created, updated int64
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Payload, &sendAt, &e.Status, &e.LastError, &created, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan scheduled email: %w", err)
		}
		e.SendAt = time.Unix(sendAt, 0)
		e.CreatedAt = time.Unix(created, 0)
		e.UpdatedAt = time.Unix(updated, 0)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// --- outbox ---

// EnqueueOutbox stores an event for the NATS dispatcher.
func (s *Store) EnqueueOutbox(ctx context.Context, natsSubject, eventType string, payload []byte, msgID string) error {
	now := time.Now().Unix()
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO outbox (ts, subject, event_type, payload, msg_id, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, now, natsSubject, eventType, payload, msgID, now)
	if err != nil {
		return fmt.Errorf("failed to insert outbox entry: %w", err)
	}
	return nil
}

// DequeueOutbox fetches unpublished messages from outbox
func (s *Store) DequeueOutbox(ctx context.Context, limit int) ([]OutboxMessage, error) {
	now := time.Now().Unix()

	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, subject, payload, msg_id
		FROM outbox
		WHERE published_at IS NULL
		  AND next_attempt_at <= ?
		ORDER BY id
		LIMIT ?
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()

	var messages []OutboxMessage
	for rows.Next() {
		var msg OutboxMessage
		if err := rows.Scan(&msg.ID, &msg.Subject, &msg.Payload, &msg.MsgID); err != nil {
			return nil, fmt.Errorf("failed to scan outbox row: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// MarkPublished marks an outbox message as published
func (s *Store) MarkPublished(ctx context.Context, id int64) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE outbox SET published_at = ? WHERE id = ?
	`, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark published: %w", err)
	}
	return nil
}

// MarkOutboxRetry updates retry count and next attempt time
func (s *Store) MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE outbox
		SET retries = retries + 1,
		    next_attempt_at = ?
		WHERE id = ?
	`, time.Now().Add(backoff).Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark retry: %w", err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

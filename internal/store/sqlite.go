package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	_ "github.com/mattn/go-sqlite3"
)

var logger = loggo.GetLogger("tribe.store")

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id                TEXT PRIMARY KEY,
	username          TEXT NOT NULL UNIQUE,
	full_name         TEXT,
	profile_image_url TEXT
);
CREATE TABLE IF NOT EXISTS conversations (
	id              TEXT PRIMARY KEY,
	is_group        INTEGER NOT NULL DEFAULT 0,
	created_at      TEXT NOT NULL,
	last_message_at TEXT
);
CREATE TABLE IF NOT EXISTS conversation_participants (
	conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	user_id         TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	joined_at       TEXT NOT NULL,
	left_at         TEXT,
	last_read_at    TEXT,
	unread_count    INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (conversation_id, user_id)
);
CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	sender_id       TEXT REFERENCES users(id) ON DELETE SET NULL,
	content         TEXT NOT NULL,
	message_type    TEXT NOT NULL DEFAULT 'text',
	created_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at);
`

// SQLStore implements MembershipOracle, MessageStore, ConversationStore
// and UserLookup on top of an SQLite database. Users are owned by the
// account service sharing the database and are only read here.
type SQLStore struct {
	db    *sql.DB
	clock clock.Clock
}

// Open opens (creating if needed) the SQLite database at path and applies
// the schema. Use ":memory:" for a private in-memory database.
func Open(path string, clk clock.Clock) (*SQLStore, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, errors.Annotatef(err, "opening %q", path)
	}
	// A single connection keeps in-memory databases shared and serialises
	// writers the way SQLite wants.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.Annotate(err, "applying schema")
	}
	if clk == nil {
		clk = clock.WallClock
	}
	logger.Debugf("opened message store at %q", path)
	return &SQLStore{db: db, clock: clk}, nil
}

// Close releases the database.
func (s *SQLStore) Close() error {
	return errors.Trace(s.db.Close())
}

func (s *SQLStore) now() string {
	return s.clock.Now().UTC().Format(time.RFC3339Nano)
}

// CreateConversation implements ConversationStore. Unknown participants
// are reported as NotValid.
func (s *SQLStore) CreateConversation(ctx context.Context, isGroup bool, participants ...string) (string, error) {
	if len(participants) == 0 {
		return "", errors.NotValidf("conversation without participants")
	}
	id := uuid.NewString()
	now := s.now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", errors.Trace(err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO conversations (id, is_group, created_at) VALUES (?, ?, ?)`,
		id, isGroup, now); err != nil {
		return "", errors.Annotate(err, "creating conversation")
	}
	for _, userID := range participants {
		if _, err := lookupUser(ctx, tx, userID); errors.IsNotFound(err) {
			return "", errors.NotValidf("participant %q", userID)
		} else if err != nil {
			return "", errors.Trace(err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO conversation_participants (conversation_id, user_id, joined_at) VALUES (?, ?, ?)`,
			id, userID, now); err != nil {
			return "", errors.Annotatef(err, "adding participant %q", userID)
		}
	}
	return id, errors.Trace(tx.Commit())
}

// LeaveConversation implements ConversationStore. Live subscriptions of
// the user are not touched.
func (s *SQLStore) LeaveConversation(ctx context.Context, userID, conversationID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversation_participants SET left_at = ? WHERE conversation_id = ? AND user_id = ? AND left_at IS NULL`,
		s.now(), conversationID, userID)
	if err != nil {
		return errors.Trace(err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return errors.Trace(err)
	} else if n == 0 {
		return errors.NotFoundf("participant %q in conversation %q", userID, conversationID)
	}
	return nil
}

// IsParticipant implements MembershipOracle.
func (s *SQLStore) IsParticipant(ctx context.Context, userID, conversationID string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conversations WHERE id = ?`, conversationID).Scan(&exists)
	if err != nil {
		return false, errors.Trace(err)
	}
	if exists == 0 {
		return false, errors.NotFoundf("conversation %q", conversationID)
	}

	var active int
	err = s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM conversation_participants
WHERE conversation_id = ? AND user_id = ? AND left_at IS NULL`,
		conversationID, userID).Scan(&active)
	if err != nil {
		return false, errors.Trace(err)
	}
	return active > 0, nil
}

// LookupUser implements UserLookup.
func (s *SQLStore) LookupUser(ctx context.Context, userID string) (User, error) {
	return lookupUser(ctx, s.db, userID)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func lookupUser(ctx context.Context, q queryer, userID string) (User, error) {
	var (
		u        User
		fullName sql.NullString
		image    sql.NullString
	)
	err := q.QueryRowContext(ctx,
		`SELECT id, username, full_name, profile_image_url FROM users WHERE id = ?`, userID).
		Scan(&u.ID, &u.Username, &fullName, &image)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, errors.NotFoundf("user %q", userID)
	} else if err != nil {
		return User{}, errors.Trace(err)
	}
	if fullName.Valid {
		u.FullName = &fullName.String
	}
	if image.Valid {
		u.ProfileImageURL = &image.String
	}
	return u, nil
}

// PersistMessage implements MessageStore. Besides inserting the message it
// bumps the conversation's last message time and the unread counters of the
// other active participants.
func (s *SQLStore) PersistMessage(ctx context.Context, msg NewMessage) (MessageRecord, error) {
	if err := msg.Validate(); err != nil {
		return MessageRecord{}, errors.Trace(err)
	}
	created := s.clock.Now().UTC()
	stamp := created.Format(time.RFC3339Nano)
	id := uuid.NewString()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return MessageRecord{}, errors.Trace(err)
	}
	defer func() { _ = tx.Rollback() }()

	sender, err := lookupUser(ctx, tx, msg.SenderID)
	if err != nil {
		return MessageRecord{}, errors.Trace(err)
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO messages (id, conversation_id, sender_id, content, message_type, created_at)
VALUES (?, ?, ?, ?, ?, ?)`,
		id, msg.ConversationID, msg.SenderID, msg.Content, msg.MessageType, stamp); err != nil {
		return MessageRecord{}, errors.Annotate(err, "inserting message")
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET last_message_at = ? WHERE id = ?`,
		stamp, msg.ConversationID); err != nil {
		return MessageRecord{}, errors.Trace(err)
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE conversation_participants SET unread_count = unread_count + 1
WHERE conversation_id = ? AND user_id != ? AND left_at IS NULL`,
		msg.ConversationID, msg.SenderID); err != nil {
		return MessageRecord{}, errors.Trace(err)
	}
	if err := tx.Commit(); err != nil {
		return MessageRecord{}, errors.Annotate(err, "committing message")
	}

	return MessageRecord{
		ID:             id,
		ConversationID: msg.ConversationID,
		Sender:         sender,
		Content:        msg.Content,
		MessageType:    msg.MessageType,
		CreatedAt:      created,
	}, nil
}

// MarkRead implements ConversationStore.
func (s *SQLStore) MarkRead(ctx context.Context, userID, conversationID string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE conversation_participants SET unread_count = 0, last_read_at = ?
WHERE conversation_id = ? AND user_id = ? AND left_at IS NULL`,
		s.now(), conversationID, userID)
	if err != nil {
		return errors.Trace(err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return errors.Trace(err)
	} else if n == 0 {
		return errors.NotFoundf("participant %q in conversation %q", userID, conversationID)
	}
	return nil
}

// UnreadCount implements ConversationStore.
func (s *SQLStore) UnreadCount(ctx context.Context, userID, conversationID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
SELECT unread_count FROM conversation_participants WHERE conversation_id = ? AND user_id = ?`,
		conversationID, userID).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, errors.NotFoundf("participant %q in conversation %q", userID, conversationID)
	}
	return n, errors.Trace(err)
}

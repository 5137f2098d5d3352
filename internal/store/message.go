package store

import (
	"database/sql"
	"errors"
	"math"
	"strings"

	"github.com/matheus3301/port/internal/content"
)

const messageColumns = `chat_id, message_id, content_type, data, reply_id, sender, sender_id,
	timestamp, message_status, expires_on, media_id`

func scanMessage(row interface{ Scan(...any) error }) (*Message, error) {
	var m Message
	var expires sql.NullInt64
	var media sql.NullString
	err := row.Scan(&m.ChatID, &m.MessageID, &m.ContentType, &m.Data, &m.ReplyID, &m.Sender, &m.SenderID,
		&m.Timestamp, &m.Status, &expires, &media)
	if err != nil {
		return nil, err
	}
	m.ExpiresOn, m.MediaID = expires.Int64, media.String
	return &m, nil
}

// tableFor returns the message table holding chatID's messages.
func tableFor(q querier, chatID string) (string, error) {
	var t ConnectionType
	err := q.QueryRow(`SELECT connection_type FROM connections WHERE chat_id = ?`, chatID).Scan(&t)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	if t == Group {
		return "group_messages", nil
	}
	return "messages", nil
}

func insertMessage(q querier, table, conflict string, m *Message) (bool, error) {
	if m.MediaID == "" {
		m.MediaID = content.MediaID(content.Type(m.ContentType), m.Data)
	}
	res, err := q.Exec(`
		INSERT INTO `+table+` (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) `+conflict,
		m.ChatID, m.MessageID, m.ContentType, m.Data, m.ReplyID, m.Sender, m.SenderID,
		m.Timestamp, m.Status, nullInt(m.ExpiresOn), nullString(m.MediaID))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// JournalMessage stores an outgoing message with status journaled and makes
// it the chat's latest message. A reply must reference a message already in
// the same chat.
func (db *DB) JournalMessage(m *Message) error {
	const op = "journal message"
	if err := db.check(op); err != nil {
		return err
	}
	m.Sender, m.Status = true, StatusJournaled
	return wrap(op, db.inTx(func(tx *sql.Tx) error {
		table, err := tableFor(tx, m.ChatID)
		if err != nil {
			return err
		}
		if m.ReplyID != "" {
			var n int
			if err := tx.QueryRow(`SELECT COUNT(*) FROM `+table+` WHERE chat_id = ? AND message_id = ?`,
				m.ChatID, m.ReplyID).Scan(&n); err != nil {
				return err
			}
			if n == 0 {
				return ErrReplyNotFound
			}
		}
		if _, err := insertMessage(tx, table, "", m); err != nil {
			return err
		}
		if content.Silent(content.Type(m.ContentType)) {
			return nil
		}
		_, err = tx.Exec(`UPDATE connections SET latest_message_id = ?, timestamp = ? WHERE chat_id = ?`,
			m.MessageID, m.Timestamp, m.ChatID)
		return err
	}))
}

// InsertInbound stores a received message. Inserting the same (chat,
// message) pair again is a no-op; the return value reports whether a row
// was written. Visible messages bump the unread counter.
func (db *DB) InsertInbound(m *Message) (bool, error) {
	const op = "insert inbound"
	if err := db.check(op); err != nil {
		return false, err
	}
	m.Sender = false
	var inserted bool
	err := db.inTx(func(tx *sql.Tx) error {
		table, err := tableFor(tx, m.ChatID)
		if err != nil {
			return err
		}
		inserted, err = insertMessage(tx, table, "ON CONFLICT (chat_id, message_id) DO NOTHING", m)
		if err != nil || !inserted {
			return err
		}
		if content.Silent(content.Type(m.ContentType)) {
			return nil
		}
		_, err = tx.Exec(`
			UPDATE connections SET latest_message_id = ?, timestamp = MAX(timestamp, ?),
				unread_count = unread_count + 1
			WHERE chat_id = ?`, m.MessageID, m.Timestamp, m.ChatID)
		return err
	})
	if err != nil {
		return false, wrap(op, err)
	}
	return inserted, nil
}

// GetMessage returns one message, or nil.
func (db *DB) GetMessage(chatID, messageID string) (*Message, error) {
	const op = "get message"
	if err := db.check(op); err != nil {
		return nil, err
	}
	table, err := tableFor(db, chatID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap(op, err)
	}
	m, err := scanMessage(db.QueryRow(`SELECT `+messageColumns+` FROM `+table+`
		WHERE chat_id = ? AND message_id = ?`, chatID, messageID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return m, wrap(op, err)
}

func collectMessages(rows *sql.Rows) ([]Message, error) {
	defer func() { _ = rows.Close() }()
	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

// Cursor is a position in a chat's message order. Messages sharing a
// timestamp are ordered by Seq, their insertion order. A zero Seq means
// after every message at Timestamp.
type Cursor struct {
	Timestamp int64
	Seq       int64
}

// seqScanner reads the rowid ahead of the message columns.
type seqScanner struct {
	row interface{ Scan(...any) error }
	seq *int64
}

func (s seqScanner) Scan(dest ...any) error {
	return s.row.Scan(append([]any{s.seq}, dest...)...)
}

// MessagesSince returns up to limit messages of a chat positioned after
// the cursor, in timestamp then insertion order, and the cursor of the
// last one returned.
func (db *DB) MessagesSince(chatID string, after Cursor, limit int) ([]Message, Cursor, error) {
	const op = "messages since"
	if err := db.check(op); err != nil {
		return nil, after, err
	}
	if limit <= 0 {
		limit = 100
	}
	seq := after.Seq
	if seq == 0 {
		seq = math.MaxInt64
	}
	table, err := tableFor(db, chatID)
	if err != nil {
		return nil, after, wrap(op, err)
	}
	rows, err := db.Query(`SELECT rowid, `+messageColumns+` FROM `+table+`
		WHERE chat_id = ? AND (timestamp > ? OR (timestamp = ? AND rowid > ?))
		ORDER BY timestamp ASC, rowid ASC
		LIMIT ?`, chatID, after.Timestamp, after.Timestamp, seq, limit)
	if err != nil {
		return nil, after, wrap(op, err)
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	next := after
	for rows.Next() {
		var rowid int64
		m, err := scanMessage(seqScanner{row: rows, seq: &rowid})
		if err != nil {
			return nil, after, wrap(op, err)
		}
		msgs = append(msgs, *m)
		next = Cursor{Timestamp: m.Timestamp, Seq: rowid}
	}
	if err := rows.Err(); err != nil {
		return nil, after, wrap(op, err)
	}
	return msgs, next, nil
}

// PendingSends returns outgoing messages still journaled across both
// tables, oldest first.
func (db *DB) PendingSends(limit int) ([]Message, error) {
	const op = "pending sends"
	if err := db.check(op); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`
		SELECT * FROM (
			SELECT `+messageColumns+` FROM messages WHERE message_status = ? AND sender = 1
			UNION ALL
			SELECT `+messageColumns+` FROM group_messages WHERE message_status = ? AND sender = 1
		) ORDER BY timestamp ASC LIMIT ?`, StatusJournaled, StatusJournaled, limit)
	if err != nil {
		return nil, wrap(op, err)
	}
	msgs, err := collectMessages(rows)
	return msgs, wrap(op, err)
}

// HasPending reports whether the chat holds an outgoing message of the
// given content type that is still journaled.
func (db *DB) HasPending(chatID string, contentType content.Type) (bool, error) {
	const op = "has pending"
	if err := db.check(op); err != nil {
		return false, err
	}
	table, err := tableFor(db, chatID)
	if err != nil {
		return false, wrap(op, err)
	}
	var ok bool
	err = db.QueryRow(`SELECT EXISTS (SELECT 1 FROM `+table+`
		WHERE chat_id = ? AND content_type = ? AND message_status = ? AND sender = 1)`,
		chatID, string(contentType), StatusJournaled).Scan(&ok)
	return ok, wrap(op, err)
}

// MarkSent moves a message from journaled to sent. It reports false when
// the message was not journaled, so a message is never sent twice.
func (db *DB) MarkSent(chatID, messageID string) (bool, error) {
	const op = "mark sent"
	if err := db.check(op); err != nil {
		return false, err
	}
	table, err := tableFor(db, chatID)
	if err != nil {
		return false, wrap(op, err)
	}
	res, err := db.Exec(`UPDATE `+table+` SET message_status = ?
		WHERE chat_id = ? AND message_id = ? AND message_status = ?`,
		StatusSent, chatID, messageID, StatusJournaled)
	if err != nil {
		return false, wrap(op, err)
	}
	n, err := res.RowsAffected()
	return n > 0, wrap(op, err)
}

// AdvanceStatus raises the status of our own messages. Status never moves
// backwards; the count of changed rows is returned.
func (db *DB) AdvanceStatus(chatID string, messageIDs []string, status MessageStatus) (int64, error) {
	const op = "advance status"
	if err := db.check(op); err != nil {
		return 0, err
	}
	if len(messageIDs) == 0 {
		return 0, nil
	}
	table, err := tableFor(db, chatID)
	if err != nil {
		return 0, wrap(op, err)
	}
	args := []any{status, chatID, status}
	for _, id := range messageIDs {
		args = append(args, id)
	}
	res, err := db.Exec(`UPDATE `+table+` SET message_status = ?
		WHERE chat_id = ? AND sender = 1 AND message_status < ?
		AND message_id IN (`+placeholders(len(messageIDs))+`)`, args...)
	if err != nil {
		return 0, wrap(op, err)
	}
	n, err := res.RowsAffected()
	return n, wrap(op, err)
}

// MarkChatRead marks every inbound message of the chat read, resets its
// unread counter and returns the ids that changed.
func (db *DB) MarkChatRead(chatID string) ([]string, error) {
	const op = "mark chat read"
	if err := db.check(op); err != nil {
		return nil, err
	}
	var ids []string
	err := db.inTx(func(tx *sql.Tx) error {
		table, err := tableFor(tx, chatID)
		if err != nil {
			return err
		}
		rows, err := tx.Query(`SELECT message_id FROM `+table+`
			WHERE chat_id = ? AND sender = 0 AND message_status < ?
			ORDER BY timestamp ASC`, chatID, StatusRead)
		if err != nil {
			return err
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if _, err := tx.Exec(`UPDATE `+table+` SET message_status = ?
			WHERE chat_id = ? AND sender = 0 AND message_status < ?`, StatusRead, chatID, StatusRead); err != nil {
			return err
		}
		_, err = tx.Exec(`UPDATE connections SET unread_count = 0 WHERE chat_id = ?`, chatID)
		return err
	})
	if err != nil {
		return nil, wrap(op, err)
	}
	return ids, nil
}

// DeleteMessage removes a message and its reactions.
func (db *DB) DeleteMessage(chatID, messageID string) (bool, error) {
	const op = "delete message"
	if err := db.check(op); err != nil {
		return false, err
	}
	var deleted bool
	err := db.inTx(func(tx *sql.Tx) error {
		table, err := tableFor(tx, chatID)
		if err != nil {
			return err
		}
		res, err := tx.Exec(`DELETE FROM `+table+` WHERE chat_id = ? AND message_id = ?`, chatID, messageID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		deleted = n > 0
		_, err = tx.Exec(`DELETE FROM reactions WHERE chat_id = ? AND message_id = ?`, chatID, messageID)
		return err
	})
	if err != nil {
		return false, wrap(op, err)
	}
	return deleted, nil
}

func (db *DB) sweep(op, table string, nowMs int64) (int64, error) {
	if err := db.check(op); err != nil {
		return 0, err
	}
	var n int64
	err := db.inTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`
			DELETE FROM reactions WHERE EXISTS (
				SELECT 1 FROM `+table+` m
				WHERE m.chat_id = reactions.chat_id AND m.message_id = reactions.message_id
				AND m.expires_on IS NOT NULL AND m.expires_on <= ?)`, nowMs); err != nil {
			return err
		}
		res, err := tx.Exec(`DELETE FROM `+table+` WHERE expires_on IS NOT NULL AND expires_on <= ?`, nowMs)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, wrap(op, err)
	}
	return n, nil
}

// SweepExpired deletes direct messages whose expiry has elapsed.
func (db *DB) SweepExpired(nowMs int64) (int64, error) {
	return db.sweep("sweep expired", "messages", nowMs)
}

// SweepExpiredGroup deletes group messages whose expiry has elapsed.
func (db *DB) SweepExpiredGroup(nowMs int64) (int64, error) {
	return db.sweep("sweep expired group", "group_messages", nowMs)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

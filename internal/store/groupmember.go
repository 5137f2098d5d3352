package store

import (
	"database/sql"
	"errors"
)

const memberColumns = `chat_id, member_id, name, is_admin, deleted, joined_at`

func scanMember(row interface{ Scan(...any) error }) (*GroupMember, error) {
	var m GroupMember
	if err := row.Scan(&m.ChatID, &m.MemberID, &m.Name, &m.IsAdmin, &m.Deleted, &m.JoinedAt); err != nil {
		return nil, err
	}
	return &m, nil
}

// AddGroupMember records a member the first time they are seen in a group.
// A member already on the roster keeps their row; the return value reports
// whether a row was written.
func (db *DB) AddGroupMember(m *GroupMember) (bool, error) {
	const op = "add group member"
	if err := db.check(op); err != nil {
		return false, err
	}
	res, err := db.Exec(`
		INSERT INTO group_members (`+memberColumns+`) VALUES (?, ?, ?, ?, 0, ?)
		ON CONFLICT (chat_id, member_id) DO NOTHING`,
		m.ChatID, m.MemberID, m.Name, m.IsAdmin, m.JoinedAt)
	if err != nil {
		return false, wrap(op, err)
	}
	n, err := res.RowsAffected()
	return n > 0, wrap(op, err)
}

// SetGroupMemberName records the name a member announced.
func (db *DB) SetGroupMemberName(chatID, memberID, name string) error {
	const op = "set group member name"
	if err := db.check(op); err != nil {
		return err
	}
	_, err := db.Exec(`UPDATE group_members SET name = ? WHERE chat_id = ? AND member_id = ?`, name, chatID, memberID)
	return wrap(op, err)
}

// RemoveGroupMember marks a member as gone. The row is kept so their past
// messages still resolve to a name.
func (db *DB) RemoveGroupMember(chatID, memberID string) error {
	const op = "remove group member"
	if err := db.check(op); err != nil {
		return err
	}
	res, err := db.Exec(`UPDATE group_members SET deleted = 1 WHERE chat_id = ? AND member_id = ?`, chatID, memberID)
	if err != nil {
		return wrap(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrap(op, err)
	}
	if n == 0 {
		return wrap(op, ErrNotFound)
	}
	return nil
}

// GetGroupMember returns one member, or nil.
func (db *DB) GetGroupMember(chatID, memberID string) (*GroupMember, error) {
	const op = "get group member"
	if err := db.check(op); err != nil {
		return nil, err
	}
	m, err := scanMember(db.QueryRow(`SELECT `+memberColumns+` FROM group_members
		WHERE chat_id = ? AND member_id = ?`, chatID, memberID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return m, wrap(op, err)
}

// ListGroupMembers returns the members of a group still on the roster, in
// the order they joined.
func (db *DB) ListGroupMembers(chatID string) ([]GroupMember, error) {
	const op = "list group members"
	if err := db.check(op); err != nil {
		return nil, err
	}
	rows, err := db.Query(`SELECT `+memberColumns+` FROM group_members
		WHERE chat_id = ? AND deleted = 0 ORDER BY joined_at ASC, member_id ASC`, chatID)
	if err != nil {
		return nil, wrap(op, err)
	}
	defer func() { _ = rows.Close() }()

	var list []GroupMember
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, wrap(op, err)
		}
		list = append(list, *m)
	}
	return list, wrap(op, rows.Err())
}

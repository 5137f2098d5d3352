package store

// UpsertReaction sets a sender's emoji on a message, replacing any earlier
// one. An empty emoji removes the reaction.
func (db *DB) UpsertReaction(r *Reaction) error {
	const op = "upsert reaction"
	if err := db.check(op); err != nil {
		return err
	}
	if r.Emoji == "" {
		_, err := db.Exec(`DELETE FROM reactions WHERE chat_id = ? AND message_id = ? AND sender_id = ?`,
			r.ChatID, r.MessageID, r.SenderID)
		return wrap(op, err)
	}
	_, err := db.Exec(`
		INSERT INTO reactions (chat_id, message_id, sender_id, emoji, timestamp)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(chat_id, message_id, sender_id) DO UPDATE SET
			emoji = excluded.emoji,
			timestamp = excluded.timestamp
		WHERE excluded.timestamp >= reactions.timestamp`,
		r.ChatID, r.MessageID, r.SenderID, r.Emoji, r.Timestamp)
	return wrap(op, err)
}

// ListReactions returns the reactions on a message.
func (db *DB) ListReactions(chatID, messageID string) ([]Reaction, error) {
	const op = "list reactions"
	if err := db.check(op); err != nil {
		return nil, err
	}
	rows, err := db.Query(`
		SELECT chat_id, message_id, sender_id, emoji, timestamp FROM reactions
		WHERE chat_id = ? AND message_id = ? ORDER BY timestamp ASC`, chatID, messageID)
	if err != nil {
		return nil, wrap(op, err)
	}
	defer func() { _ = rows.Close() }()

	var list []Reaction
	for rows.Next() {
		var r Reaction
		if err := rows.Scan(&r.ChatID, &r.MessageID, &r.SenderID, &r.Emoji, &r.Timestamp); err != nil {
			return nil, wrap(op, err)
		}
		list = append(list, r)
	}
	return list, wrap(op, rows.Err())
}

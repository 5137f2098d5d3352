package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/matheus3301/port/internal/content"
	"github.com/matheus3301/port/internal/store/migrations"
)

// MigrateResult describes what happened during migration.
type MigrateResult struct {
	Version uint
	Dirty   bool
	Changed bool
	// Repaired is set when a step left dirty by a crash was re-run.
	Repaired bool
}

// hook is the Go half of a migration step. It runs after the step's SQL
// file, in its own transaction, and must be idempotent.
type hook func(tx *sql.Tx) error

// hooks is keyed by the version of the SQL file it follows.
var hooks = map[uint]hook{
	2: addHandshakeColumns,
	3: buildJournaledIndexes,
	4: addMediaIDColumns,
	6: addRetryStateAndPresets,
}

// golang-migrate marks a version clean as soon as its SQL ran, before the
// hook. A migration_hooks row, written in the hook's transaction, is what
// proves the hook committed.
const hookTable = `CREATE TABLE IF NOT EXISTS migration_hooks (
	version    INTEGER PRIMARY KEY,
	applied_at INTEGER NOT NULL
)`

// Migrate applies every pending step in ascending order. A step left dirty
// by a crash is re-run. A hook whose SQL committed but which never
// recorded itself in migration_hooks runs before any later step. The store
// accepts queries only after Migrate returns nil.
func (db *DB) Migrate() (*MigrateResult, error) {
	db.ready.Store(false)

	if _, err := db.Exec(hookTable); err != nil {
		return nil, wrap("migrate", fmt.Errorf("hook table: %w", err))
	}
	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return nil, wrap("migrate", fmt.Errorf("migration source: %w", err))
	}
	driver, err := sqlite3.WithInstance(db.DB, &sqlite3.Config{})
	if err != nil {
		return nil, wrap("migrate", fmt.Errorf("migration driver: %w", err))
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return nil, wrap("migrate", fmt.Errorf("migration instance: %w", err))
	}

	result := &MigrateResult{}
	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return nil, wrap("migrate", fmt.Errorf("read version: %w", err))
	}
	if dirty {
		// Steps are idempotent, so roll the marker back one step and re-run.
		prev := int(version) - 1
		if prev < 1 {
			prev = database.NilVersion
		}
		if err := m.Force(prev); err != nil {
			return nil, wrap("migrate", fmt.Errorf("reset dirty version %d: %w", version, err))
		}
		result.Repaired = true
		version = uint(max(prev, 0))
	}
	if err := db.runHooks(version, result); err != nil {
		return nil, err
	}

	for {
		err := m.Steps(1)
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, migrate.ErrNoChange) {
			break
		}
		if err != nil {
			return nil, wrap("migrate", fmt.Errorf("migration up: %w", err))
		}
		result.Changed = true

		v, _, err := m.Version()
		if err != nil {
			return nil, wrap("migrate", fmt.Errorf("read version: %w", err))
		}
		if err := db.runHooks(v, result); err != nil {
			return nil, err
		}
	}

	version, dirty, err = m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return nil, wrap("migrate", fmt.Errorf("read version: %w", err))
	}
	result.Version, result.Dirty = version, dirty
	if !dirty {
		db.ready.Store(true)
	}
	return result, nil
}

// runHooks runs, in version order, every hook up to version that has no
// migration_hooks row yet.
func (db *DB) runHooks(version uint, result *MigrateResult) error {
	versions := make([]uint, 0, len(hooks))
	for v := range hooks {
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })

	for _, v := range versions {
		if v > version {
			break
		}
		var done int
		if err := db.QueryRow(`SELECT COUNT(*) FROM migration_hooks WHERE version = ?`, v).Scan(&done); err != nil {
			return wrap("migrate", fmt.Errorf("read hook %d: %w", v, err))
		}
		if done > 0 {
			continue
		}
		h := hooks[v]
		err := db.inTx(func(tx *sql.Tx) error {
			if err := h(tx); err != nil {
				return err
			}
			_, err := tx.Exec(`INSERT INTO migration_hooks (version, applied_at) VALUES (?, ?)`, v, time.Now().UnixMilli())
			return err
		})
		if err != nil {
			return wrap("migrate", fmt.Errorf("migration %d hook: %w", v, err))
		}
		result.Changed = true
	}
	return nil
}

func columnExists(tx *sql.Tx, table, column string) (bool, error) {
	var n int
	err := tx.QueryRow(`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, column).Scan(&n)
	return n > 0, err
}

func addColumn(tx *sql.Tx, table, column, decl string) error {
	ok, err := columnExists(tx, table, column)
	if err != nil {
		return fmt.Errorf("inspect %s.%s: %w", table, column, err)
	}
	if ok {
		return nil
	}
	if _, err := tx.Exec(fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, table, column, decl)); err != nil {
		return fmt.Errorf("add %s.%s: %w", table, column, err)
	}
	return nil
}

func addHandshakeColumns(tx *sql.Tx) error {
	if err := addColumn(tx, "connections", "info_sent", "INTEGER NOT NULL DEFAULT 0"); err != nil {
		return err
	}
	if err := addColumn(tx, "connections", "info_received", "INTEGER NOT NULL DEFAULT 0"); err != nil {
		return err
	}
	// Connections authenticated before the columns existed finished both halves.
	_, err := tx.Exec(`UPDATE connections SET info_sent = 1, info_received = 1 WHERE authenticated = 1`)
	return err
}

// addRetryStateAndPresets lets failed inbound items back off and seeds the
// default permission preset.
func addRetryStateAndPresets(tx *sql.Tx) error {
	if err := addColumn(tx, "unprocessed", "next_attempt_at", "INTEGER NOT NULL DEFAULT 0"); err != nil {
		return err
	}
	return seedDefaultPreset(tx)
}

var journaledIndexes = map[string]string{
	"idx_messages_journaled":       "messages",
	"idx_group_messages_journaled": "group_messages",
}

var statusPredicate = regexp.MustCompile(`message_status\s*=\s*(\d+)`)

// buildJournaledIndexes creates the partial indexes used to find pending
// sends. An existing index built for a different sentinel is an error: it
// would silently stop matching journaled rows.
func buildJournaledIndexes(tx *sql.Tx) error {
	for name, table := range journaledIndexes {
		var existing string
		err := tx.QueryRow(`SELECT sql FROM sqlite_master WHERE type = 'index' AND name = ?`, name).Scan(&existing)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			stmt := fmt.Sprintf(`CREATE INDEX %s ON %s(timestamp) WHERE message_status = %d AND sender = 1`,
				name, table, StatusJournaled)
			if _, err := tx.Exec(stmt); err != nil {
				return fmt.Errorf("create %s: %w", name, err)
			}
		case err != nil:
			return fmt.Errorf("inspect %s: %w", name, err)
		default:
			match := statusPredicate.FindStringSubmatch(existing)
			if match == nil {
				return fmt.Errorf("%w: %s has no status predicate", ErrSentinelDrift, name)
			}
			if v, _ := strconv.Atoi(match[1]); MessageStatus(v) != StatusJournaled {
				return fmt.Errorf("%w: %s built for status %d, journaled is %d", ErrSentinelDrift, name, v, StatusJournaled)
			}
		}
	}
	return nil
}

// addMediaIDColumns adds media_id to both message tables and backfills it
// from the CBOR payload of media-bearing rows.
func addMediaIDColumns(tx *sql.Tx) error {
	for _, table := range []string{"messages", "group_messages"} {
		if err := addColumn(tx, table, "media_id", "TEXT"); err != nil {
			return err
		}
		if err := backfillMediaIDs(tx, table); err != nil {
			return err
		}
		stmt := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_media ON %s(media_id) WHERE media_id IS NOT NULL`, table, table)
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("index %s.media_id: %w", table, err)
		}
	}
	return nil
}

func backfillMediaIDs(tx *sql.Tx, table string) error {
	rows, err := tx.Query(fmt.Sprintf(`
		SELECT chat_id, message_id, content_type, data FROM %s
		WHERE media_id IS NULL AND content_type IN (?, ?, ?, ?)`, table),
		content.TypeImage, content.TypeFile, content.TypeProfilePicture, content.TypeInitialInfo)
	if err != nil {
		return fmt.Errorf("scan %s for media: %w", table, err)
	}
	type update struct{ chatID, messageID, mediaID string }
	var updates []update
	for rows.Next() {
		var chatID, messageID, contentType string
		var data []byte
		if err := rows.Scan(&chatID, &messageID, &contentType, &data); err != nil {
			_ = rows.Close()
			return err
		}
		if id := content.MediaID(content.Type(contentType), data); id != "" {
			updates = append(updates, update{chatID, messageID, id})
		}
	}
	if err := rows.Close(); err != nil {
		return err
	}
	if err := rows.Err(); err != nil {
		return err
	}
	for _, u := range updates {
		if _, err := tx.Exec(fmt.Sprintf(`UPDATE %s SET media_id = ? WHERE chat_id = ? AND message_id = ?`, table),
			u.mediaID, u.chatID, u.messageID); err != nil {
			return fmt.Errorf("backfill %s media_id: %w", table, err)
		}
	}
	return nil
}

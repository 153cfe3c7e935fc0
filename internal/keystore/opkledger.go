package keystore

import (
	"database/sql"

	_ "github.com/mattn/go-sqlite3"

	"github.com/kaelmesh/whisperlink/internal/errkind"
)

// OPKLedger is an embedded SQLite cache of which one-time prekey ids
// are currently unconsumed. It exists alongside the in-memory pool so
// ConsumeOneTime stays atomic across a process crash that lands
// between consuming a key in memory and persisting the vault file:
// on restart, the ledger (not the vault, which is the source of truth
// for the private key bytes) tells a caller which ids it can still
// safely hand out without re-deriving from the vault file's current
// contents.
type OPKLedger struct {
	db *sql.DB
}

// OpenOPKLedger opens (creating if necessary) the SQLite ledger file
// at path.
func OpenOPKLedger(path string) (*OPKLedger, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errkind.Wrap(errkind.Storage, "open one-time-prekey ledger", err)
	}
	const schema = `
CREATE TABLE IF NOT EXISTS one_time_prekeys (
	id INTEGER PRIMARY KEY,
	consumed INTEGER NOT NULL DEFAULT 0
);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errkind.Wrap(errkind.Storage, "migrate one-time-prekey ledger", err)
	}
	return &OPKLedger{db: db}, nil
}

// Close releases the underlying SQLite connection.
func (l *OPKLedger) Close() error {
	return l.db.Close()
}

// Record marks id as freshly generated and unconsumed.
func (l *OPKLedger) Record(id uint32) error {
	_, err := l.db.Exec(`INSERT OR REPLACE INTO one_time_prekeys (id, consumed) VALUES (?, 0)`, id)
	if err != nil {
		return errkind.Wrap(errkind.Storage, "record one-time prekey", err)
	}
	return nil
}

// Ensure seeds id as unconsumed if the ledger has never seen it
// before, leaving an existing row (and its consumed flag) untouched.
// Unlike Record, this never resurrects an id the ledger already knows
// was consumed.
func (l *OPKLedger) Ensure(id uint32) error {
	_, err := l.db.Exec(`INSERT OR IGNORE INTO one_time_prekeys (id, consumed) VALUES (?, 0)`, id)
	if err != nil {
		return errkind.Wrap(errkind.Storage, "ensure one-time prekey known to ledger", err)
	}
	return nil
}

// IsConsumed reports whether id is marked consumed in the ledger. An
// id the ledger has never recorded is reported as not consumed.
func (l *OPKLedger) IsConsumed(id uint32) (bool, error) {
	row := l.db.QueryRow(`SELECT consumed FROM one_time_prekeys WHERE id = ?`, id)
	var consumed int
	if err := row.Scan(&consumed); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, errkind.Wrap(errkind.Storage, "read one-time prekey consumed flag", err)
	}
	return consumed == 1, nil
}

// TryConsume atomically marks id as consumed, reporting whether it was
// available to consume (false if already consumed or unknown).
func (l *OPKLedger) TryConsume(id uint32) (bool, error) {
	res, err := l.db.Exec(`UPDATE one_time_prekeys SET consumed = 1 WHERE id = ? AND consumed = 0`, id)
	if err != nil {
		return false, errkind.Wrap(errkind.Storage, "consume one-time prekey", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errkind.Wrap(errkind.Storage, "read consume result", err)
	}
	return n == 1, nil
}

// AvailableCount reports how many one-time prekeys the ledger still
// considers unconsumed.
func (l *OPKLedger) AvailableCount() (int, error) {
	row := l.db.QueryRow(`SELECT COUNT(*) FROM one_time_prekeys WHERE consumed = 0`)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, errkind.Wrap(errkind.Storage, "count available one-time prekeys", err)
	}
	return n, nil
}

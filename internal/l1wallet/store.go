package l1wallet

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Store persists the wallet's address-index cursor between process
// restarts, so a restart never reuses an already-revealed receive address.
// It also holds a UTXO table with a reservation flag; the batcher selects
// inputs from the indexer's view rather than from this table, and only
// deletes from it the UTXOs a broadcast batch spent.
type Store struct {
	db *sql.DB
}

// OpenStore opens (creating if necessary) the SQLite database at path and
// ensures its schema exists.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("l1wallet: opening store %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite does its own internal locking per connection

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS address_cursor (
	id INTEGER PRIMARY KEY CHECK (id = 0),
	next_index INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS utxos (
	txid TEXT NOT NULL,
	vout INTEGER NOT NULL,
	value_sats INTEGER NOT NULL,
	pkscript BLOB NOT NULL,
	reserved INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (txid, vout)
);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("l1wallet: migrating schema: %w", err)
	}
	return nil
}

// PeekNextIndex returns the next unused receive-address index without
// reserving it, for rebuilding the signing-key cache over all
// previously-issued addresses.
func (s *Store) PeekNextIndex(ctx context.Context) (uint32, error) {
	var idx uint32
	err := s.db.QueryRowContext(ctx, `SELECT next_index FROM address_cursor WHERE id = 0`).Scan(&idx)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("l1wallet: peeking address cursor: %w", err)
	}
	return idx, nil
}

// NextAddressIndex atomically reserves and returns the next unused
// receive-address index.
func (s *Store) NextAddressIndex(ctx context.Context) (uint32, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("l1wallet: beginning tx: %w", err)
	}
	defer tx.Rollback()

	var idx uint32
	err = tx.QueryRowContext(ctx, `SELECT next_index FROM address_cursor WHERE id = 0`).Scan(&idx)
	if err == sql.ErrNoRows {
		idx = 0
		if _, err := tx.ExecContext(ctx, `INSERT INTO address_cursor (id, next_index) VALUES (0, 1)`); err != nil {
			return 0, fmt.Errorf("l1wallet: initializing address cursor: %w", err)
		}
	} else if err != nil {
		return 0, fmt.Errorf("l1wallet: reading address cursor: %w", err)
	} else {
		if _, err := tx.ExecContext(ctx, `UPDATE address_cursor SET next_index = ? WHERE id = 0`, idx+1); err != nil {
			return 0, fmt.Errorf("l1wallet: advancing address cursor: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("l1wallet: committing address cursor: %w", err)
	}
	return idx, nil
}

// UpsertUTXO records or updates a UTXO seen from the indexer.
func (s *Store) UpsertUTXO(ctx context.Context, u UTXO) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO utxos (txid, vout, value_sats, pkscript, reserved)
VALUES (?, ?, ?, ?, 0)
ON CONFLICT (txid, vout) DO UPDATE SET value_sats = excluded.value_sats, pkscript = excluded.pkscript
`, u.TxID.String(), u.Vout, int64(u.Value), u.PkScript)
	if err != nil {
		return fmt.Errorf("l1wallet: upserting utxo: %w", err)
	}
	return nil
}

// ReserveUnspent marks up to n unreserved UTXOs as reserved and returns
// them, for exclusive use by the caller while a transaction spending them
// is in flight.
func (s *Store) ReserveUnspent(ctx context.Context, n int) ([]UTXO, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("l1wallet: beginning tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
SELECT txid, vout, value_sats, pkscript FROM utxos
WHERE reserved = 0
ORDER BY value_sats DESC
LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("l1wallet: querying unspent utxos: %w", err)
	}

	var out []UTXO
	var ids [][2]any
	for rows.Next() {
		var txidHex string
		var u UTXO
		if err := rows.Scan(&txidHex, &u.Vout, &u.Value, &u.PkScript); err != nil {
			rows.Close()
			return nil, fmt.Errorf("l1wallet: scanning utxo row: %w", err)
		}
		hash, err := chainhashFromHex(txidHex)
		if err != nil {
			rows.Close()
			return nil, err
		}
		u.TxID = hash
		out = append(out, u)
		ids = append(ids, [2]any{txidHex, u.Vout})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("l1wallet: iterating utxo rows: %w", err)
	}

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `UPDATE utxos SET reserved = 1 WHERE txid = ? AND vout = ?`, id[0], id[1]); err != nil {
			return nil, fmt.Errorf("l1wallet: reserving utxo: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("l1wallet: committing reservation: %w", err)
	}
	return out, nil
}

// ReleaseUTXO un-reserves a UTXO, e.g. after a broadcast attempt failed
// and the inputs are free to be selected again.
func (s *Store) ReleaseUTXO(ctx context.Context, u UTXO) error {
	_, err := s.db.ExecContext(ctx, `UPDATE utxos SET reserved = 0 WHERE txid = ? AND vout = ?`, u.TxID.String(), u.Vout)
	if err != nil {
		return fmt.Errorf("l1wallet: releasing utxo: %w", err)
	}
	return nil
}

// SpendUTXO permanently removes a UTXO; the batcher calls it as soon as a
// transaction spending it has been broadcast, without waiting for
// confirmation.
func (s *Store) SpendUTXO(ctx context.Context, u UTXO) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM utxos WHERE txid = ? AND vout = ?`, u.TxID.String(), u.Vout)
	if err != nil {
		return fmt.Errorf("l1wallet: deleting spent utxo: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

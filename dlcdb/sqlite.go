package dlcdb

import (
	"bytes"
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/dlcsuite/dlcd/dlc"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// Register the pure-Go sqlite driver.
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// ErrContractNotFound is returned when the requested contract doesn't
// exist.
var ErrContractNotFound = errors.New("contract not found")

// ErrChannelNotFound is returned when the requested channel doesn't exist.
var ErrChannelNotFound = errors.New("channel not found")

// SqliteStore is the system-of-record for contracts and channels, backed
// by a single sqlite database. Contracts are stored split: searchable
// metadata columns plus the deterministic contract blob.
type SqliteStore struct {
	db *sql.DB
}

// NewSqliteStore opens (or creates) the database at the given path and
// applies all pending migrations. Writes are synchronous so they are
// durable before Put returns.
func NewSqliteStore(dbPath string) (*SqliteStore, error) {
	db, err := sql.Open("sqlite", dbPath+
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"+
		"&_pragma=synchronous(FULL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("unable to open db: %w", err)
	}

	// WAL mode doesn't play well with concurrent writers on a single
	// file, serialize at the pool level.
	db.SetMaxOpenConns(1)

	if err := applyMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	log.Infof("Opened contract database %s", dbPath)

	return &SqliteStore{db: db}, nil
}

// applyMigrations brings the schema to the latest version.
func applyMigrations(db *sql.DB) error {
	source, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("unable to read migrations: %w", err)
	}

	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("unable to create migration driver: %w",
			err)
	}

	migrator, err := migrate.NewWithInstance(
		"iofs", source, "sqlite", driver,
	)
	if err != nil {
		return fmt.Errorf("unable to create migrator: %w", err)
	}

	err = migrator.Up()
	switch {
	case err == nil:
		log.Infof("Applied contract database migrations")

	case errors.Is(err, migrate.ErrNoChange):
		log.Debugf("Contract database schema up to date")

	default:
		return fmt.Errorf("unable to apply migrations: %w", err)
	}

	return nil
}

// Close closes the underlying database.
func (s *SqliteStore) Close() error {
	return s.db.Close()
}

// storageErr wraps a database error as a transient storage failure.
func storageErr(err error) error {
	return dlc.NewError(dlc.KindStorageError, err)
}

// PutContract inserts or replaces the contract under its storage id.
func (s *SqliteStore) PutContract(ctx context.Context,
	contract *dlc.Contract) error {

	var blob bytes.Buffer
	if err := contract.Serialize(&blob); err != nil {
		return storageErr(err)
	}

	id := contract.StorageID()
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO contracts (
			id, state, is_offer_party, counterparty,
			offer_collateral, accept_collateral, fee_rate,
			cet_locktime, refund_locktime, pnl, blob_flags, blob
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		id[:], int(contract.State), contract.IsOfferParty,
		contract.CounterParty.SerializeCompressed(),
		int64(contract.Input.OfferCollateral),
		int64(contract.Input.AcceptCollateral),
		int64(contract.Input.FeeRate),
		int64(contract.Input.CetLockTime),
		int64(contract.Input.RefundLockTime),
		contract.PnL, blob.Bytes(),
	)
	if err != nil {
		return storageErr(err)
	}

	return nil
}

// UpdateContractID re-keys a contract from its temporary id to its final
// id, then stores the updated contract.
func (s *SqliteStore) UpdateContractID(ctx context.Context,
	oldID dlc.ContractID, contract *dlc.Contract) error {

	if oldID != contract.StorageID() {
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM contracts WHERE id = ?`, oldID[:],
		)
		if err != nil {
			return storageErr(err)
		}
	}

	return s.PutContract(ctx, contract)
}

// GetContract loads a contract by id.
func (s *SqliteStore) GetContract(ctx context.Context,
	id dlc.ContractID) (*dlc.Contract, error) {

	row := s.db.QueryRowContext(ctx,
		`SELECT blob FROM contracts WHERE id = ?`, id[:],
	)

	var blob []byte
	if err := row.Scan(&blob); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, dlc.NewError(
				dlc.KindNotFound, ErrContractNotFound,
			)
		}

		return nil, storageErr(err)
	}

	contract, err := dlc.DeserializeContract(bytes.NewReader(blob))
	if err != nil {
		return nil, storageErr(err)
	}

	return contract, nil
}

// DeleteContract removes a contract. Only explicitly rejected offers are
// ever deleted.
func (s *SqliteStore) DeleteContract(ctx context.Context,
	id dlc.ContractID) error {

	_, err := s.db.ExecContext(ctx,
		`DELETE FROM contracts WHERE id = ?`, id[:],
	)
	if err != nil {
		return storageErr(err)
	}

	return nil
}

// scanContracts decodes the blobs of a multi-row query.
func scanContracts(rows *sql.Rows) ([]*dlc.Contract, error) {
	defer rows.Close()

	var contracts []*dlc.Contract
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, storageErr(err)
		}

		contract, err := dlc.DeserializeContract(
			bytes.NewReader(blob),
		)
		if err != nil {
			return nil, storageErr(err)
		}
		contracts = append(contracts, contract)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err)
	}

	return contracts, nil
}

// ListByState returns all contracts in the given state, using the state
// index.
func (s *SqliteStore) ListByState(ctx context.Context,
	state dlc.State) ([]*dlc.Contract, error) {

	rows, err := s.db.QueryContext(ctx,
		`SELECT blob FROM contracts WHERE state = ? ORDER BY id`,
		int(state),
	)
	if err != nil {
		return nil, storageErr(err)
	}

	return scanContracts(rows)
}

// ListByCounterparty returns all contracts with the given peer.
func (s *SqliteStore) ListByCounterparty(ctx context.Context,
	counterparty *btcec.PublicKey) ([]*dlc.Contract, error) {

	rows, err := s.db.QueryContext(ctx,
		`SELECT blob FROM contracts WHERE counterparty = ? `+
			`ORDER BY id`,
		counterparty.SerializeCompressed(),
	)
	if err != nil {
		return nil, storageErr(err)
	}

	return scanContracts(rows)
}

// PutChannel inserts or replaces a channel.
func (s *SqliteStore) PutChannel(ctx context.Context,
	channel *dlc.Channel) error {

	var blob bytes.Buffer
	if err := channel.Serialize(&blob); err != nil {
		return storageErr(err)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO channels (
			id, state, counterparty, update_idx, blob_flags,
			blob
		) VALUES (?, ?, ?, ?, 0, ?)`,
		channel.ID[:], int(channel.State),
		channel.CounterParty.SerializeCompressed(),
		int64(channel.UpdateIdx), blob.Bytes(),
	)
	if err != nil {
		return storageErr(err)
	}

	return nil
}

// GetChannel loads a channel by id.
func (s *SqliteStore) GetChannel(ctx context.Context,
	id dlc.ChannelID) (*dlc.Channel, error) {

	row := s.db.QueryRowContext(ctx,
		`SELECT blob FROM channels WHERE id = ?`, id[:],
	)

	var blob []byte
	if err := row.Scan(&blob); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, dlc.NewError(
				dlc.KindNotFound, ErrChannelNotFound,
			)
		}

		return nil, storageErr(err)
	}

	channel, err := dlc.DeserializeChannel(bytes.NewReader(blob))
	if err != nil {
		return nil, storageErr(err)
	}

	return channel, nil
}

// DeleteChannel removes a channel by id.
func (s *SqliteStore) DeleteChannel(ctx context.Context,
	id dlc.ChannelID) error {

	_, err := s.db.ExecContext(ctx,
		`DELETE FROM channels WHERE id = ?`, id[:],
	)
	if err != nil {
		return storageErr(err)
	}

	return nil
}

// ListChannels returns all channels.
func (s *SqliteStore) ListChannels(
	ctx context.Context) ([]*dlc.Channel, error) {

	rows, err := s.db.QueryContext(ctx,
		`SELECT blob FROM channels ORDER BY id`,
	)
	if err != nil {
		return nil, storageErr(err)
	}
	defer rows.Close()

	var channels []*dlc.Channel
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, storageErr(err)
		}

		channel, err := dlc.DeserializeChannel(
			bytes.NewReader(blob),
		)
		if err != nil {
			return nil, storageErr(err)
		}
		channels = append(channels, channel)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err)
	}

	return channels, nil
}

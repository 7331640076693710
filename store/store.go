// Package store is the durable state behind the sync engine: subscription
// records, folder requirements, upload credentials, known profiles, and the
// persisted job queue. One SQLite file, migrated on open.
package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

var ErrNotFound = errors.New("not found")

type Store struct {
	db *sql.DB
}

// Open opens or creates the store at path and migrates it to the latest
// schema. Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	// one connection keeps :memory: stores coherent and sidesteps
	// SQLITE_BUSY on concurrent writers
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, err
	}
	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return &Store{
		db: db,
	}, nil
}

func migrateUp(db *sql.DB) error {
	sourceDriver, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return err
	}
	dbDriver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		sourceDriver.Close()
		return err
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", dbDriver)
	if err != nil {
		sourceDriver.Close()
		return err
	}
	// closing m would close db, which the caller owns
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func (self *Store) Close() error {
	return self.db.Close()
}

// SubscriptionRow is the stored shape of a subscription. The engine's
// richer type converts to and from this at the package boundary.
type SubscriptionRow struct {
	SubscriptionId    string
	FolderPath        string
	StreamerNode      string
	StreamerProfile   string
	SubscriberNode    string
	SubscriberProfile string
	Description       string
	PaymentKind       string
	PaymentAmount     string
	Status            string
	HttpPreferred     bool
	DateCreated       time.Time
	LastModified      time.Time
	LastSyncTime      sql.NullTime
}

func (self *Store) UpsertSubscription(row *SubscriptionRow) error {
	_, err := self.db.Exec(
		`INSERT INTO subscriptions (
			subscription_id, folder_path,
			streamer_node, streamer_profile, subscriber_node, subscriber_profile,
			description, payment_kind, payment_amount, status, http_preferred,
			date_created, last_modified, last_sync_time
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (subscription_id) DO UPDATE SET
			description = excluded.description,
			payment_kind = excluded.payment_kind,
			payment_amount = excluded.payment_amount,
			status = excluded.status,
			http_preferred = excluded.http_preferred,
			last_modified = excluded.last_modified,
			last_sync_time = excluded.last_sync_time`,
		row.SubscriptionId,
		row.FolderPath,
		row.StreamerNode,
		row.StreamerProfile,
		row.SubscriberNode,
		row.SubscriberProfile,
		row.Description,
		row.PaymentKind,
		row.PaymentAmount,
		row.Status,
		row.HttpPreferred,
		row.DateCreated,
		row.LastModified,
		row.LastSyncTime,
	)
	return err
}

func (self *Store) GetSubscription(subscriptionId string) (*SubscriptionRow, error) {
	row := self.db.QueryRow(
		`SELECT subscription_id, folder_path,
			streamer_node, streamer_profile, subscriber_node, subscriber_profile,
			description, payment_kind, payment_amount, status, http_preferred,
			date_created, last_modified, last_sync_time
		FROM subscriptions WHERE subscription_id = ?`,
		subscriptionId,
	)
	return scanSubscription(row)
}

func scanSubscription(row interface{ Scan(...any) error }) (*SubscriptionRow, error) {
	out := &SubscriptionRow{}
	err := row.Scan(
		&out.SubscriptionId,
		&out.FolderPath,
		&out.StreamerNode,
		&out.StreamerProfile,
		&out.SubscriberNode,
		&out.SubscriberProfile,
		&out.Description,
		&out.PaymentKind,
		&out.PaymentAmount,
		&out.Status,
		&out.HttpPreferred,
		&out.DateCreated,
		&out.LastModified,
		&out.LastSyncTime,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: subscription", ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (self *Store) RemoveSubscription(subscriptionId string) error {
	result, err := self.db.Exec(
		`DELETE FROM subscriptions WHERE subscription_id = ?`,
		subscriptionId,
	)
	if err != nil {
		return err
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: subscription", ErrNotFound)
	}
	return nil
}

func (self *Store) AllSubscriptions() ([]*SubscriptionRow, error) {
	return self.querySubscriptions(
		`SELECT subscription_id, folder_path,
			streamer_node, streamer_profile, subscriber_node, subscriber_profile,
			description, payment_kind, payment_amount, status, http_preferred,
			date_created, last_modified, last_sync_time
		FROM subscriptions ORDER BY subscription_id`,
	)
}

func (self *Store) SubscriptionsForFolder(folderPath string) ([]*SubscriptionRow, error) {
	return self.querySubscriptions(
		`SELECT subscription_id, folder_path,
			streamer_node, streamer_profile, subscriber_node, subscriber_profile,
			description, payment_kind, payment_amount, status, http_preferred,
			date_created, last_modified, last_sync_time
		FROM subscriptions WHERE folder_path = ? ORDER BY subscription_id`,
		folderPath,
	)
}

func (self *Store) querySubscriptions(query string, args ...any) ([]*SubscriptionRow, error) {
	rows, err := self.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []*SubscriptionRow{}
	for rows.Next() {
		row, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

type FolderRequirementRow struct {
	Profile                   string
	Path                      string
	MinimumTokenDelegation    uint64
	MinimumTimeDelegatedHours uint64
	PaymentKind               string
	PaymentAmount             string
	IsFree                    bool
	HasWebAlternative         bool
	FolderDescription         string
}

func (self *Store) SetFolderRequirement(row *FolderRequirementRow) error {
	_, err := self.db.Exec(
		`INSERT INTO folder_requirements (
			profile, path,
			minimum_token_delegation, minimum_time_delegated_hours,
			payment_kind, payment_amount, is_free, has_web_alternative, folder_description
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (profile, path) DO UPDATE SET
			minimum_token_delegation = excluded.minimum_token_delegation,
			minimum_time_delegated_hours = excluded.minimum_time_delegated_hours,
			payment_kind = excluded.payment_kind,
			payment_amount = excluded.payment_amount,
			is_free = excluded.is_free,
			has_web_alternative = excluded.has_web_alternative,
			folder_description = excluded.folder_description`,
		row.Profile,
		row.Path,
		row.MinimumTokenDelegation,
		row.MinimumTimeDelegatedHours,
		row.PaymentKind,
		row.PaymentAmount,
		row.IsFree,
		row.HasWebAlternative,
		row.FolderDescription,
	)
	return err
}

func (self *Store) GetFolderRequirement(profile string, path string) (*FolderRequirementRow, error) {
	out := &FolderRequirementRow{}
	err := self.db.QueryRow(
		`SELECT profile, path,
			minimum_token_delegation, minimum_time_delegated_hours,
			payment_kind, payment_amount, is_free, has_web_alternative, folder_description
		FROM folder_requirements WHERE profile = ? AND path = ?`,
		profile,
		path,
	).Scan(
		&out.Profile,
		&out.Path,
		&out.MinimumTokenDelegation,
		&out.MinimumTimeDelegatedHours,
		&out.PaymentKind,
		&out.PaymentAmount,
		&out.IsFree,
		&out.HasWebAlternative,
		&out.FolderDescription,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: folder requirement", ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (self *Store) RemoveFolderRequirement(profile string, path string) error {
	_, err := self.db.Exec(
		`DELETE FROM folder_requirements WHERE profile = ? AND path = ?`,
		profile,
		path,
	)
	return err
}

type UploadCredentialsRow struct {
	Profile         string
	FolderPath      string
	AccessKeyId     string
	SecretAccessKey string
	Endpoint        string
	Bucket          string
}

func (self *Store) SetUploadCredentials(row *UploadCredentialsRow) error {
	_, err := self.db.Exec(
		`INSERT INTO upload_credentials (
			profile, folder_path, access_key_id, secret_access_key, endpoint, bucket
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (profile, folder_path) DO UPDATE SET
			access_key_id = excluded.access_key_id,
			secret_access_key = excluded.secret_access_key,
			endpoint = excluded.endpoint,
			bucket = excluded.bucket`,
		row.Profile,
		row.FolderPath,
		row.AccessKeyId,
		row.SecretAccessKey,
		row.Endpoint,
		row.Bucket,
	)
	return err
}

func (self *Store) GetUploadCredentials(profile string, folderPath string) (*UploadCredentialsRow, error) {
	out := &UploadCredentialsRow{}
	err := self.db.QueryRow(
		`SELECT profile, folder_path, access_key_id, secret_access_key, endpoint, bucket
		FROM upload_credentials WHERE profile = ? AND folder_path = ?`,
		profile,
		folderPath,
	).Scan(
		&out.Profile,
		&out.FolderPath,
		&out.AccessKeyId,
		&out.SecretAccessKey,
		&out.Endpoint,
		&out.Bucket,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: upload credentials", ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (self *Store) RemoveUploadCredentials(profile string, folderPath string) error {
	_, err := self.db.Exec(
		`DELETE FROM upload_credentials WHERE profile = ? AND folder_path = ?`,
		profile,
		folderPath,
	)
	return err
}

func (self *Store) AddProfile(node string, profile string) error {
	_, err := self.db.Exec(
		`INSERT INTO profiles (node, profile) VALUES (?, ?)
		ON CONFLICT (node, profile) DO NOTHING`,
		node,
		profile,
	)
	return err
}

func (self *Store) ProfilesForNode(node string) ([]string, error) {
	rows, err := self.db.Query(
		`SELECT profile FROM profiles WHERE node = ? ORDER BY profile`,
		node,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var profile string
		if err := rows.Scan(&profile); err != nil {
			return nil, err
		}
		out = append(out, profile)
	}
	return out, rows.Err()
}

// QueuePush stores payload under key if no payload is already stored
// there. Returns whether the payload was stored. A key already holding
// a payload makes the push a no-op, which is what keeps at most one job
// in flight per key.
func (self *Store) QueuePush(key string, payload []byte) (bool, error) {
	result, err := self.db.Exec(
		`INSERT INTO job_queue (key, payload, created_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO NOTHING`,
		key,
		payload,
		time.Now().UTC(),
	)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return 0 < n, nil
}

func (self *Store) QueuePeek(key string) ([]byte, error) {
	var payload []byte
	err := self.db.QueryRow(
		`SELECT payload FROM job_queue WHERE key = ?`,
		key,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: job", ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return payload, nil
}

func (self *Store) QueueDequeue(key string) ([]byte, error) {
	payload, err := self.QueuePeek(key)
	if err != nil {
		return nil, err
	}
	if _, err := self.db.Exec(`DELETE FROM job_queue WHERE key = ?`, key); err != nil {
		return nil, err
	}
	return payload, nil
}

// QueueKeys lists keys in push order (oldest first).
func (self *Store) QueueKeys() ([]string, error) {
	rows, err := self.db.Query(
		`SELECT key FROM job_queue ORDER BY created_at, key`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		out = append(out, key)
	}
	return out, rows.Err()
}

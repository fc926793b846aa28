package storage

import (
	"context"
	"database/sql"
	"encoding/base64"
	"time"

	"github.com/cenkalti/backoff/v4"
	// registers the "postgres" driver
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

func init() {
	if err := RegisterStorage(DatabaseSQL, func() ServiceStorage { return new(SQLDB) }); err != nil {
		panic(err)
	}
}

const (
	SQLConnectionString OptionKey = "sql-connection-string-option"
	SQLDriverName       OptionKey = "sql-driver-name-option"

	defaultSQLDriver = "postgres"

	// postgres SQLSTATEs after which a serializable transaction can be run again
	serializationFailure pq.ErrorCode = "40001"
	deadlockDetected     pq.ErrorCode = "40P01"
)

type SQLDB struct {
	db               *sql.DB
	connectionString string
}

func (s *SQLDB) Init(opts ...Option) error {
	connString, sqlDriverName, err := processSQLOptions(opts...)
	if err != nil {
		return err
	}
	s.connectionString = connString

	db, err := sql.Open(sqlDriverName, connString)
	if err != nil {
		return err
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS key_values (
    key varchar PRIMARY KEY,
    value varchar
);`,
		`CREATE TABLE IF NOT EXISTS namespaces (
    namespace varchar PRIMARY KEY
);`,
	}
	for _, statement := range statements {
		if _, err = db.Exec(statement); err != nil {
			_ = db.Close()
			return errors.Wrap(err, "creating tables")
		}
	}

	s.db = db
	return nil
}

func processSQLOptions(opts ...Option) (connString string, sqlDriverName string, err error) {
	connString, _, err = optionString(opts, SQLConnectionString)
	if err != nil {
		return "", "", err
	}
	if connString == "" {
		return "", "", errors.New("sql connection string must not be empty")
	}
	sqlDriverName, found, err := optionString(opts, SQLDriverName)
	if err != nil {
		return "", "", err
	}
	if !found || sqlDriverName == "" {
		sqlDriverName = defaultSQLDriver
	}
	return connString, sqlDriverName, nil
}

func (s *SQLDB) Type() Type {
	return DatabaseSQL
}

func (s *SQLDB) URI() string {
	return s.connectionString
}

func (s *SQLDB) IsOpen() bool {
	if err := s.db.Ping(); err != nil {
		logrus.WithError(err).Error("pinging db")
		return false
	}
	return true
}

func (s *SQLDB) Close() error {
	return s.db.Close()
}

func (s *SQLDB) Write(ctx context.Context, namespace, key string, value []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(tx)

	if err = write(ctx, tx, namespace, key, value); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return errors.Wrap(err, "committing transaction")
	}
	return nil
}

type ExecContext interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func write(ctx context.Context, db ExecContext, namespace, key string, value []byte) error {
	_, err := db.ExecContext(ctx, "INSERT INTO namespaces (namespace) VALUES ($1) ON CONFLICT DO NOTHING", namespace)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx,
		"INSERT INTO key_values (key, value) VALUES ($1, $2) ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value",
		Join(namespace, key), base64.RawStdEncoding.EncodeToString(value))
	return err
}

func (s *SQLDB) Read(ctx context.Context, namespace, key string) ([]byte, error) {
	return read(ctx, s.db, namespace, key)
}

type QueryRow interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func read(ctx context.Context, db QueryRow, namespace, key string) ([]byte, error) {
	r := db.QueryRowContext(ctx, "SELECT value FROM key_values WHERE key = $1", Join(namespace, key))
	var value string
	if err := r.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return base64.RawStdEncoding.DecodeString(value)
}

func (s *SQLDB) Exists(ctx context.Context, namespace, key string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1
			FROM key_values
			WHERE key = $1
			LIMIT 1
		)
	`
	var exists bool
	if err := s.db.QueryRowContext(ctx, query, Join(namespace, key)).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func (s *SQLDB) ReadAll(ctx context.Context, namespace string) (map[string][]byte, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT key, value FROM key_values WHERE key LIKE $1", Join(namespace, "%"))
	if err != nil {
		return nil, err
	}
	defer closeRows(rows)

	allValues := make(map[string][]byte)
	prefixLen := len(Join(namespace, ""))
	for rows.Next() {
		var key, value string
		if err = rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		decoded, err := base64.RawStdEncoding.DecodeString(value)
		if err != nil {
			return nil, err
		}
		allValues[key[prefixLen:]] = decoded
	}
	return allValues, rows.Err()
}

func (s *SQLDB) ReadAllKeys(ctx context.Context, namespace string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT key FROM key_values WHERE key LIKE $1", Join(namespace, "%"))
	if err != nil {
		return nil, err
	}
	defer closeRows(rows)

	var keys []string
	prefixLen := len(Join(namespace, ""))
	for rows.Next() {
		var key string
		if err = rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key[prefixLen:])
	}
	return keys, rows.Err()
}

func (s *SQLDB) Delete(ctx context.Context, namespace, key string) error {
	row := s.db.QueryRowContext(ctx, "SELECT namespace FROM namespaces WHERE namespace = $1", namespace)
	var gotNamespace string
	if err := row.Scan(&gotNamespace); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errors.Errorf("namespace<%s> does not exist", namespace)
		}
		return err
	}
	_, err := s.db.ExecContext(ctx, "DELETE FROM key_values WHERE key = $1", Join(namespace, key))
	return err
}

func (s *SQLDB) DeleteNamespace(ctx context.Context, namespace string) error {
	row := s.db.QueryRowContext(ctx, "DELETE FROM namespaces WHERE namespace = $1 RETURNING namespace", namespace)
	var namespaceRemoved string
	if err := row.Scan(&namespaceRemoved); err != nil {
		return errors.Wrapf(err, "could not delete namespace<%s>", namespace)
	}
	_, err := s.db.ExecContext(ctx, "DELETE FROM key_values WHERE key LIKE $1", Join(namespace, "%"))
	return err
}

type sqlTx struct {
	tx *sql.Tx
}

func (s *sqlTx) Read(ctx context.Context, namespace, key string) ([]byte, error) {
	return read(ctx, s.tx, namespace, key)
}

func (s *sqlTx) Write(ctx context.Context, namespace, key string, value []byte) error {
	return write(ctx, s.tx, namespace, key, value)
}

// Execute runs the business logic in a serializable transaction. Transactions that lose a
// serialization conflict are rolled back and run again, so the business logic may be called
// more than once.
func (s *SQLDB) Execute(ctx context.Context, businessLogicFunc BusinessLogicFunc, _ []WatchKey) (any, error) {
	var result any
	attempt := func() error {
		r, err := s.executeOnce(ctx, businessLogicFunc)
		if err != nil {
			if isRetryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		result = r
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 5 * time.Millisecond
	policy.MaxInterval = 250 * time.Millisecond
	err := backoff.RetryNotify(attempt, backoff.WithContext(backoff.WithMaxRetries(policy, maxTxRetries), ctx),
		func(err error, wait time.Duration) {
			logrus.WithError(err).WithField("retryIn", wait).Debug("retrying serializable transaction")
		})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *SQLDB) executeOnce(ctx context.Context, businessLogicFunc BusinessLogicFunc) (any, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer rollback(tx)

	result, err := businessLogicFunc(ctx, &sqlTx{tx: tx})
	if err != nil {
		return nil, errors.Wrap(err, "executing business logic func")
	}
	if err = tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "committing transaction")
	}
	return result, nil
}

func isRetryable(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == serializationFailure || pqErr.Code == deadlockDetected
}

func rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		logrus.WithError(err).Error("unable to rollback")
	}
}

func closeRows(rows *sql.Rows) {
	if err := rows.Close(); err != nil {
		logrus.WithError(err).Error("closing rows")
	}
}

var (
	_ Tx             = (*sqlTx)(nil)
	_ ServiceStorage = (*SQLDB)(nil)
)

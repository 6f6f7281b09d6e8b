package mysql

import (
	"context"
	"crypto/x509"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"go.f110.dev/xerrors"
	"go.uber.org/zap"

	"go.f110.dev/certd/pkg/database"
	"go.f110.dev/certd/pkg/logger"
)

const errDuplicateEntry = 1062

var schema = []string{
	"CREATE TABLE IF NOT EXISTS `request` (" +
		"`common_name` VARCHAR(255) NOT NULL," +
		"`request` BLOB NOT NULL," +
		"`remote_addr` VARCHAR(64) NOT NULL," +
		"`created_at` DATETIME NOT NULL," +
		"PRIMARY KEY (`common_name`)" +
		") ENGINE=InnoDB DEFAULT CHARSET=utf8mb4",
	"CREATE TABLE IF NOT EXISTS `signed_certificate` (" +
		"`common_name` VARCHAR(255) NOT NULL," +
		"`serial_number` VARCHAR(64) NOT NULL," +
		"`certificate` BLOB NOT NULL," +
		"`metadata` TEXT NOT NULL," +
		"`issued_at` DATETIME NOT NULL," +
		"PRIMARY KEY (`common_name`)" +
		") ENGINE=InnoDB DEFAULT CHARSET=utf8mb4",
	"CREATE TABLE IF NOT EXISTS `revoked_certificate` (" +
		"`serial_number` VARCHAR(64) NOT NULL," +
		"`common_name` VARCHAR(255) NOT NULL," +
		"`certificate` BLOB NOT NULL," +
		"`revoked_at` DATETIME NOT NULL," +
		"PRIMARY KEY (`serial_number`)" +
		") ENGINE=InnoDB DEFAULT CHARSET=utf8mb4",
}

// Store keeps certificates in MySQL.
// The metadata of the certificate is stored in the same row as the certificate.
type Store struct {
	db *sql.DB
}

var _ database.CertificateStore = &Store{}

// Open connects to the database. The time columns are always parsed in UTC.
func Open(dsn string) (*sql.DB, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, xerrors.WithStack(err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC

	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, xerrors.WithStack(err)
	}

	return db, nil
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the tables if not exists.
func (s *Store) Migrate(ctx context.Context) error {
	for _, q := range schema {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return xerrors.WithStack(err)
		}
	}

	return nil
}

func (s *Store) GetRequest(ctx context.Context, cn string) (*database.CertificateRequest, error) {
	row := s.db.QueryRowContext(ctx, "SELECT `request`, `remote_addr`, `created_at` FROM `request` WHERE `common_name` = ?", cn)

	var raw []byte
	req := &database.CertificateRequest{CommonName: cn}
	if err := row.Scan(&raw, &req.RemoteAddr, &req.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, xerrors.WithStack(database.ErrNotFound)
		}
		return nil, xerrors.WithStack(err)
	}
	csr, err := x509.ParseCertificateRequest(raw)
	if err != nil {
		return nil, xerrors.WithStack(err)
	}
	req.Request = csr

	return req, nil
}

func (s *Store) ListRequests(ctx context.Context) ([]*database.CertificateRequest, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT `common_name`, `request`, `remote_addr`, `created_at` FROM `request` ORDER BY `common_name`")
	if err != nil {
		return nil, xerrors.WithStack(err)
	}
	defer rows.Close()

	result := make([]*database.CertificateRequest, 0)
	for rows.Next() {
		var raw []byte
		req := &database.CertificateRequest{}
		if err := rows.Scan(&req.CommonName, &raw, &req.RemoteAddr, &req.CreatedAt); err != nil {
			return nil, xerrors.WithStack(err)
		}
		csr, err := x509.ParseCertificateRequest(raw)
		if err != nil {
			logger.Log.Warn("Skip broken request", zap.String("common_name", req.CommonName), zap.Error(err))
			continue
		}
		req.Request = csr
		result = append(result, req)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.WithStack(err)
	}

	return result, nil
}

func (s *Store) SetRequest(ctx context.Context, req *database.CertificateRequest) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO `request` (`common_name`, `request`, `remote_addr`, `created_at`) VALUES (?, ?, ?, ?)",
		req.CommonName, req.Request.Raw, req.RemoteAddr, req.CreatedAt.UTC(),
	)
	if isDuplicateEntry(err) {
		return xerrors.WithStack(database.ErrAlreadyExists)
	}
	if err != nil {
		return xerrors.WithStack(err)
	}

	return nil
}

func (s *Store) DeleteRequest(ctx context.Context, cn string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM `request` WHERE `common_name` = ?", cn)
	if err != nil {
		return xerrors.WithStack(err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return xerrors.WithStack(err)
	} else if n == 0 {
		return xerrors.WithStack(database.ErrNotFound)
	}

	return nil
}

func (s *Store) GetSignedCertificate(ctx context.Context, cn string) (*database.SignedCertificate, error) {
	row := s.db.QueryRowContext(ctx, "SELECT `certificate`, `issued_at` FROM `signed_certificate` WHERE `common_name` = ?", cn)

	var raw []byte
	signed := &database.SignedCertificate{}
	if err := row.Scan(&raw, &signed.IssuedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, xerrors.WithStack(database.ErrNotFound)
		}
		return nil, xerrors.WithStack(err)
	}
	c, err := x509.ParseCertificate(raw)
	if err != nil {
		return nil, xerrors.WithStack(err)
	}
	signed.Certificate = c

	return signed, nil
}

func (s *Store) ListSignedCertificates(ctx context.Context) ([]*database.SignedCertificate, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT `common_name`, `certificate`, `issued_at` FROM `signed_certificate` ORDER BY `common_name`")
	if err != nil {
		return nil, xerrors.WithStack(err)
	}
	defer rows.Close()

	result := make([]*database.SignedCertificate, 0)
	for rows.Next() {
		var cn string
		var raw []byte
		signed := &database.SignedCertificate{}
		if err := rows.Scan(&cn, &raw, &signed.IssuedAt); err != nil {
			return nil, xerrors.WithStack(err)
		}
		c, err := x509.ParseCertificate(raw)
		if err != nil {
			logger.Log.Warn("Skip broken certificate", zap.String("common_name", cn), zap.Error(err))
			continue
		}
		signed.Certificate = c
		result = append(result, signed)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.WithStack(err)
	}

	return result, nil
}

func (s *Store) SetSignedCertificate(ctx context.Context, signed *database.SignedCertificate) error {
	return s.transaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO `signed_certificate` (`common_name`, `serial_number`, `certificate`, `metadata`, `issued_at`) VALUES (?, ?, ?, ?, ?)",
			signed.CommonName(), serialString(signed), signed.Certificate.Raw, "{}", signed.IssuedAt.UTC(),
		)
		if isDuplicateEntry(err) {
			return xerrors.WithStack(database.ErrAlreadyExists)
		}
		if err != nil {
			return xerrors.WithStack(err)
		}

		if _, err := tx.ExecContext(ctx, "DELETE FROM `request` WHERE `common_name` = ?", signed.CommonName()); err != nil {
			return xerrors.WithStack(err)
		}
		return nil
	})
}

func (s *Store) RevokeCertificate(ctx context.Context, cn string, revokedAt time.Time) (*database.RevokedCertificate, error) {
	var revoked *database.RevokedCertificate
	err := s.transaction(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, "SELECT `certificate`, `issued_at` FROM `signed_certificate` WHERE `common_name` = ? FOR UPDATE", cn)
		var raw []byte
		signed := &database.SignedCertificate{}
		if err := row.Scan(&raw, &signed.IssuedAt); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return xerrors.WithStack(database.ErrNotFound)
			}
			return xerrors.WithStack(err)
		}
		c, err := x509.ParseCertificate(raw)
		if err != nil {
			return xerrors.WithStack(err)
		}
		signed.Certificate = c

		revoked = database.NewRevokedCertificate(signed, revokedAt)
		_, err = tx.ExecContext(ctx,
			"INSERT INTO `revoked_certificate` (`serial_number`, `common_name`, `certificate`, `revoked_at`) VALUES (?, ?, ?, ?)",
			serialString(signed), cn, raw, revokedAt.UTC(),
		)
		if err != nil {
			return xerrors.WithStack(err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM `signed_certificate` WHERE `common_name` = ?", cn); err != nil {
			return xerrors.WithStack(err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return revoked, nil
}

func (s *Store) ListRevokedCertificates(ctx context.Context) ([]*database.RevokedCertificate, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT `certificate`, `revoked_at` FROM `revoked_certificate` ORDER BY `revoked_at`")
	if err != nil {
		return nil, xerrors.WithStack(err)
	}
	defer rows.Close()

	result := make([]*database.RevokedCertificate, 0)
	for rows.Next() {
		var raw []byte
		var revokedAt time.Time
		if err := rows.Scan(&raw, &revokedAt); err != nil {
			return nil, xerrors.WithStack(err)
		}
		c, err := x509.ParseCertificate(raw)
		if err != nil {
			logger.Log.Warn("Skip broken certificate", zap.Error(err))
			continue
		}
		result = append(result, database.NewRevokedCertificate(&database.SignedCertificate{Certificate: c}, revokedAt))
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.WithStack(err)
	}

	return result, nil
}

func (s *Store) GetLease(ctx context.Context, cn string) (*database.Lease, error) {
	m, err := s.getMetadata(ctx, s.db, cn, false)
	if err != nil {
		return nil, err
	}
	if m.Lease == nil {
		return nil, xerrors.WithStack(database.ErrNotFound)
	}

	return m.Lease, nil
}

func (s *Store) SetLease(ctx context.Context, cn string, lease *database.Lease) error {
	return s.updateMetadata(ctx, cn, func(m *database.Metadata) error {
		m.Lease = lease
		return nil
	})
}

func (s *Store) GetTags(ctx context.Context, cn string) ([]*database.Tag, error) {
	m, err := s.getMetadata(ctx, s.db, cn, false)
	if err != nil {
		return nil, err
	}

	return m.SortedTags(), nil
}

func (s *Store) SetTag(ctx context.Context, cn, key, value string) error {
	return s.updateMetadata(ctx, cn, func(m *database.Metadata) error {
		if m.Tags == nil {
			m.Tags = make(map[string]string)
		}
		m.Tags[key] = value
		return nil
	})
}

func (s *Store) DeleteTag(ctx context.Context, cn, key string) error {
	return s.updateMetadata(ctx, cn, func(m *database.Metadata) error {
		if _, ok := m.Tags[key]; !ok {
			return xerrors.WithStack(database.ErrNotFound)
		}
		delete(m.Tags, key)
		return nil
	})
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) getMetadata(ctx context.Context, q queryer, cn string, forUpdate bool) (*database.Metadata, error) {
	query := "SELECT `metadata` FROM `signed_certificate` WHERE `common_name` = ?"
	if forUpdate {
		query += " FOR UPDATE"
	}

	var b []byte
	if err := q.QueryRowContext(ctx, query, cn).Scan(&b); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, xerrors.WithStack(database.ErrNotFound)
		}
		return nil, xerrors.WithStack(err)
	}

	m := &database.Metadata{}
	if len(b) > 0 {
		if err := json.Unmarshal(b, m); err != nil {
			return nil, xerrors.WithStack(err)
		}
	}
	return m, nil
}

func (s *Store) updateMetadata(ctx context.Context, cn string, fn func(m *database.Metadata) error) error {
	return s.transaction(ctx, func(tx *sql.Tx) error {
		m, err := s.getMetadata(ctx, tx, cn, true)
		if err != nil {
			return err
		}
		if err := fn(m); err != nil {
			return err
		}
		b, err := json.Marshal(m)
		if err != nil {
			return xerrors.WithStack(err)
		}

		if _, err := tx.ExecContext(ctx, "UPDATE `signed_certificate` SET `metadata` = ? WHERE `common_name` = ?", string(b), cn); err != nil {
			return xerrors.WithStack(err)
		}
		return nil
	})
}

func (s *Store) transaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.WithStack(err)
	}

	if err := fn(tx); err != nil {
		if rErr := tx.Rollback(); rErr != nil {
			logger.Log.Warn("Failed to rollback", zap.Error(rErr))
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return xerrors.WithStack(err)
	}
	return nil
}

func serialString(signed *database.SignedCertificate) string {
	return fmt.Sprintf("%x", signed.SerialNumber())
}

func isDuplicateEntry(err error) bool {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == errDuplicateEntry
	}

	return false
}

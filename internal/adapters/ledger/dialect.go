package ledger

import (
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"
)

//go:embed migrations/sqlite/*.sql migrations/mysql/*.sql
var migrationFS embed.FS

// Dialect names.
const (
	DialectSQLite = "sqlite"
	DialectMySQL  = "mysql"
)

// dialect captures the few places where SQLite and MySQL differ.
type dialect struct {
	name       string
	driver     string
	migrations string
	// lockSuffix is appended to the guard-row read inside write transactions.
	lockSuffix string
	// isUniqueViolation recognises a duplicate-key error from the driver.
	isUniqueViolation func(error) bool
}

var sqliteDialect = dialect{
	name:       DialectSQLite,
	driver:     "sqlite",
	migrations: "migrations/sqlite",
	lockSuffix: "",
	isUniqueViolation: func(err error) bool {
		// modernc reports constraint failures in the error text.
		return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
	},
}

// mysqlDuplicateEntry is ER_DUP_ENTRY.
const mysqlDuplicateEntry = 1062

var mysqlDialect = dialect{
	name:       DialectMySQL,
	driver:     "mysql",
	migrations: "migrations/mysql",
	lockSuffix: " FOR UPDATE",
	isUniqueViolation: func(err error) bool {
		var myErr *mysql.MySQLError
		return errors.As(err, &myErr) && myErr.Number == mysqlDuplicateEntry
	},
}

func dialectFor(name string) (dialect, error) {
	switch strings.ToLower(name) {
	case DialectSQLite, "sqlite3":
		return sqliteDialect, nil
	case DialectMySQL:
		return mysqlDialect, nil
	default:
		return dialect{}, fmt.Errorf("unsupported ledger dialect %q", name)
	}
}

// SQLiteDSN builds the connection string for a ledger file. Write transactions
// start with BEGIN IMMEDIATE so admission takes the database write lock before
// it reads the active set.
func SQLiteDSN(path string) (string, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return "", fmt.Errorf("creating ledger directory: %w", err)
	}
	return path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate", nil
}

// MySQLDSN normalises a MySQL DSN for the ledger.
func MySQLDSN(dsn string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("parsing mysql dsn: %w", err)
	}
	if cfg.Params == nil {
		cfg.Params = map[string]string{}
	}
	// Reads made after taking the guard lock must see the latest committed rows.
	if _, ok := cfg.Params["transaction_isolation"]; !ok {
		cfg.Params["transaction_isolation"] = "'READ-COMMITTED'"
	}
	cfg.ParseTime = false
	return cfg.FormatDSN(), nil
}

func (d dialect) migrationStatements() ([]string, error) {
	entries, err := migrationFS.ReadDir(d.migrations)
	if err != nil {
		return nil, fmt.Errorf("reading %s migrations: %w", d.name, err)
	}
	var stmts []string
	for _, entry := range entries {
		body, err := migrationFS.ReadFile(d.migrations + "/" + entry.Name())
		if err != nil {
			return nil, fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}
		for _, stmt := range strings.Split(string(body), ";\n") {
			if strings.TrimSpace(stripComments(stmt)) != "" {
				stmts = append(stmts, stmt)
			}
		}
	}
	return stmts, nil
}

func stripComments(stmt string) string {
	var b strings.Builder
	for _, line := range strings.Split(stmt, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}

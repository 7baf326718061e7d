// Package db opens the MySQL handle shared by all stores.
package db

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// normalizeDSN accepts either a go-sql-driver DSN or a mysql:// URI and
// returns a DSN. parseTime is forced on so DATETIME columns scan into
// time.Time.
func normalizeDSN(connectionString string) (string, error) {
	if !strings.HasPrefix(connectionString, "mysql://") {
		return ensureParseTime(connectionString), nil
	}

	u, err := url.Parse(connectionString)
	if err != nil {
		return "", fmt.Errorf("failed to parse URI: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("host is required")
	}

	var userInfo string
	if u.User != nil {
		userInfo = u.User.Username()
		if password, ok := u.User.Password(); ok && password != "" {
			userInfo += ":" + password
		}
	}

	database := strings.TrimPrefix(u.Path, "/")
	if database == "" {
		return "", fmt.Errorf("database name is required")
	}

	dsn := fmt.Sprintf("%s@tcp(%s)/%s", userInfo, u.Host, database)

	params := u.Query()
	if !params.Has("parseTime") {
		params.Set("parseTime", "true")
	}
	if !params.Has("charset") {
		params.Set("charset", "utf8mb4")
	}
	return dsn + "?" + params.Encode(), nil
}

func ensureParseTime(dsn string) string {
	if strings.Contains(dsn, "parseTime") {
		return dsn
	}
	if strings.Contains(dsn, "?") {
		return dsn + "&parseTime=true"
	}
	return dsn + "?parseTime=true"
}

// Connect opens and pings the database named by the DB_DSN environment
// variable.
func Connect() (*sql.DB, error) {
	connectionString := os.Getenv("DB_DSN")
	if connectionString == "" {
		return nil, fmt.Errorf("DB_DSN environment variable is required")
	}

	dsn, err := normalizeDSN(connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to process connection string: %w", err)
	}

	handle, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	if err := handle.Ping(); err != nil {
		handle.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	handle.SetMaxOpenConns(25)
	handle.SetMaxIdleConns(10)
	handle.SetConnMaxLifetime(30 * time.Minute)

	return handle, nil
}

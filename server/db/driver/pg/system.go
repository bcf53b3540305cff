// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package pg

import (
	"database/sql"
	"fmt"
	"strings"

	"decred.org/dcrcustody/server/db/driver/pg/internal"
	_ "github.com/lib/pq" // Start the PostgreSQL sql driver
)

const publicSchema = "public"

// connect opens a connection to a PostgreSQL database. The caller is
// responsible for calling Close() on the returned db when finished using it.
// The input host may be an IP address for TCP connection, or an absolute path
// to a UNIX domain socket. An empty string should be provided for UNIX sockets.
func connect(host, port, user, pass, dbName string) (*sql.DB, error) {
	psqlInfo := connString(host, port, user, pass, dbName)

	db, err := sql.Open("postgres", psqlInfo)
	if err != nil {
		return nil, err
	}

	// Establish a connection and verify it is alive.
	err = db.Ping()
	return db, err
}

// connString builds the lib/pq connection string. UNIX domain sockets
// (specified by a "/" prefix) do not have a port.
func connString(host, port, user, pass, dbName string) string {
	psqlInfo := fmt.Sprintf("host=%s user=%s dbname=%s sslmode=disable",
		host, user, dbName)
	if pass != "" {
		psqlInfo += fmt.Sprintf(" password=%s", pass)
	}
	if !strings.HasPrefix(host, "/") && port != "" {
		psqlInfo += fmt.Sprintf(" port=%s", port)
	}
	return psqlInfo
}

// namespacedTableExists checks if the specified table exists.
func namespacedTableExists(db *sql.DB, schema, tableName string) (bool, error) {
	rows, err := db.Query(`SELECT 1
		FROM   pg_tables
		WHERE  schemaname = $1
		AND    tablename = $2;`,
		schema, tableName)
	if err != nil {
		return false, err
	}

	defer func() {
		if e := rows.Close(); e != nil {
			log.Errorf("Close of Query failed: %v", e)
		}
	}()
	return rows.Next(), nil
}

// createTable creates a table with the given name using the provided SQL
// statement, if it does not already exist.
func createTable(db *sql.DB, fmtStmt, schema, tableName string) (bool, error) {
	exists, err := namespacedTableExists(db, schema, tableName)
	if err != nil {
		return false, err
	}

	nameSpacedTable := schema + "." + tableName
	var created bool
	if !exists {
		stmt := fmt.Sprintf(fmtStmt, nameSpacedTable)
		log.Infof(`Creating the "%s" table.`, nameSpacedTable)
		_, err = db.Exec(stmt)
		if err != nil {
			return false, err
		}
		created = true
	} else {
		log.Tracef(`Table "%s" exists.`, nameSpacedTable)
	}

	return created, err
}

// retrievePGVersion retrieves the version of the connected PostgreSQL server.
func retrievePGVersion(db *sql.DB) (ver string, err error) {
	err = db.QueryRow(internal.RetrievePGVersion).Scan(&ver)
	return
}

// retrieveServerSettings retrieves the server settings relevant to row
// locking as "name = setting unit" lines.
func retrieveServerSettings(db *sql.DB) ([]string, error) {
	rows, err := db.Query(internal.RetrieveSysSettingsServer)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var settings []string
	for rows.Next() {
		var name, setting, unit string
		if err = rows.Scan(&name, &setting, &unit); err != nil {
			return nil, err
		}
		settings = append(settings, strings.TrimSpace(fmt.Sprintf("%s = %s %s", name, setting, unit)))
	}
	return settings, rows.Err()
}

func retrieveSysSettingSyncCommit(db *sql.DB) (syncCommit string, err error) {
	err = db.QueryRow(internal.RetrieveSyncCommitSetting).Scan(&syncCommit)
	return
}

func checkCurrentTimeZone(db *sql.DB) (currentTZ string, err error) {
	if err = db.QueryRow(`SHOW TIME ZONE`).Scan(&currentTZ); err != nil {
		err = fmt.Errorf("unable to query current time zone: %v", err)
	}
	return
}

// checkSettings logs the server settings and refuses to run with
// asynchronous commit, which could lose a committed balance change on a
// server crash.
func (l *Ledger) checkSettings(hidePGConfig bool) error {
	if !hidePGConfig {
		settings, err := retrieveServerSettings(l.db)
		if err != nil {
			return err
		}
		log.Infof("postgres server settings:\n\t%s", strings.Join(settings, "\n\t"))
	}

	syncCommit, err := retrieveSysSettingSyncCommit(l.db)
	if err != nil {
		return err
	}
	if syncCommit != "on" {
		return fmt.Errorf("synchronous_commit is %q, but the ledger requires it to be on", syncCommit)
	}
	return nil
}

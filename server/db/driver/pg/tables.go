// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package pg

import (
	"database/sql"
	"fmt"

	"decred.org/dcrcustody/server/db/driver/pg/internal"
)

const (
	accountsTableName    = "accounts"
	depositsTableName    = "deposits"
	withdrawalsTableName = "withdrawals"
	addressesTableName   = "addresses"
	coinsTableName       = "coins"
	noncesTableName      = "nonces"
)

type tableStmt struct {
	name string
	stmt string
}

var createPublicTableStatements = []tableStmt{
	{accountsTableName, internal.CreateAccountsTable},
	{depositsTableName, internal.CreateDepositsTable},
	{withdrawalsTableName, internal.CreateWithdrawalsTable},
	{addressesTableName, internal.CreateAddressesTable},
	{coinsTableName, internal.CreateCoinsTable},
	{noncesTableName, internal.CreateNoncesTable},
}

var tableMap = func() map[string]string {
	m := make(map[string]string, len(createPublicTableStatements))
	for _, pair := range createPublicTableStatements {
		m[pair.name] = pair.stmt
	}
	return m
}()

// CreateTable creates one of the known tables by name. The table will be
// created in the specified schema (schema.tableName). If schema is empty,
// "public" is used.
func CreateTable(db *sql.DB, schema, tableName string) (bool, error) {
	createCommand, tableNameFound := tableMap[tableName]
	if !tableNameFound {
		return false, fmt.Errorf("table name %s unknown", tableName)
	}

	if schema == "" {
		schema = publicSchema
	}
	return createTable(db, createCommand, schema, tableName)
}

// PrepareTables ensures that all tables required by the ledger are ready.
func PrepareTables(db *sql.DB) error {
	for _, ts := range createPublicTableStatements {
		created, err := CreateTable(db, publicSchema, ts.name)
		if err != nil {
			return fmt.Errorf("failed to create %s table: %w", ts.name, err)
		}
		if created && ts.name == accountsTableName {
			log.Warn("Created a new accounts table. All balances are zero.")
		}
	}
	return nil
}

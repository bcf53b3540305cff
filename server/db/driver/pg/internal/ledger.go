package internal

const (
	// CreateAccountsTable creates the accounts table. A client has one
	// balance per coin.
	CreateAccountsTable = `CREATE TABLE IF NOT EXISTS %s (
		client_id INT8 NOT NULL,
		coin_symbol TEXT NOT NULL,
		balance NUMERIC(24,8) NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (client_id, coin_symbol)
		);`

	// CreateDepositsTable creates the deposits table. NULL tx hashes do not
	// collide in the unique constraint.
	CreateDepositsTable = `CREATE TABLE IF NOT EXISTS %s (
		id INT8 GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY,
		coin_symbol TEXT NOT NULL,
		client_id INT8 NOT NULL,
		addr_path TEXT NOT NULL,
		amount NUMERIC(24,8) NOT NULL,
		fee_amount NUMERIC(24,8),
		fee_symbol TEXT,
		status TEXT NOT NULL,
		tx_hash TEXT,
		info JSONB NOT NULL DEFAULT '{}',
		withdrawal_id INT8,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (coin_symbol, tx_hash)
		);`

	// CreateWithdrawalsTable creates the withdrawals table.
	CreateWithdrawalsTable = `CREATE TABLE IF NOT EXISTS %s (
		id INT8 GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY,
		client_id INT8 NOT NULL,
		key TEXT NOT NULL,
		coin_symbol TEXT NOT NULL,
		recipient TEXT NOT NULL,
		memo TEXT NOT NULL DEFAULT '',
		amount NUMERIC(24,8) NOT NULL,
		fee_amount NUMERIC(24,8),
		fee_symbol TEXT,
		status TEXT NOT NULL,
		tx_hash TEXT,
		info JSONB NOT NULL DEFAULT '{}',
		deposit_id INT8,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (client_id, key)
		);`

	// CreateAddressesTable creates the table of derived deposit addresses.
	CreateAddressesTable = `CREATE TABLE IF NOT EXISTS %s (
		chain TEXT NOT NULL,
		client_id INT8 NOT NULL,
		path TEXT NOT NULL,
		addr TEXT NOT NULL,
		PRIMARY KEY (chain, client_id, path),
		UNIQUE (chain, addr)
		);`

	// CreateCoinsTable creates the per-coin checkpoint table.
	CreateCoinsTable = `CREATE TABLE IF NOT EXISTS %s (
		symbol TEXT PRIMARY KEY,
		info JSONB NOT NULL DEFAULT '{}'
		);`

	// CreateNoncesTable creates the nonce counter table, keyed by the
	// sending address.
	CreateNoncesTable = `CREATE TABLE IF NOT EXISTS %s (
		owner TEXT PRIMARY KEY,
		next INT8 NOT NULL
		);`

	EnsureAccount = `INSERT INTO %s (client_id, coin_symbol)
		VALUES ($1, $2)
		ON CONFLICT (client_id, coin_symbol) DO NOTHING;`

	SelectAccount = `SELECT client_id, coin_symbol, balance, created_at, updated_at
		FROM %s WHERE client_id = $1 AND coin_symbol = $2;`

	LockAccount = `SELECT client_id, coin_symbol, balance, created_at, updated_at
		FROM %s WHERE client_id = $1 AND coin_symbol = $2 FOR UPDATE;`

	AdjustBalance = `UPDATE %s SET balance = balance + $3, updated_at = NOW()
		WHERE client_id = $1 AND coin_symbol = $2
		RETURNING balance;`

	// DepositColumns is the column list scanned by scanDeposit.
	DepositColumns = `id, coin_symbol, client_id, addr_path, amount, fee_amount, fee_symbol,
		status, tx_hash, info, withdrawal_id, created_at`

	InsertDepositIfAbsent = `INSERT INTO %s (coin_symbol, client_id, addr_path, amount, fee_amount,
		fee_symbol, status, tx_hash, info, withdrawal_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (coin_symbol, tx_hash) DO NOTHING
		RETURNING id, created_at;`

	SelectDeposit = `SELECT ` + DepositColumns + ` FROM %s WHERE id = $1;`

	LockDeposit = `SELECT ` + DepositColumns + ` FROM %s WHERE id = $1 FOR UPDATE;`

	UpdateDeposit = `UPDATE %s SET fee_amount = $2, fee_symbol = $3, status = $4, info = $5,
		withdrawal_id = $6
		WHERE id = $1;`

	// WithdrawalColumns is the column list scanned by scanWithdrawal.
	WithdrawalColumns = `id, client_id, key, coin_symbol, recipient, memo, amount, fee_amount,
		fee_symbol, status, tx_hash, info, deposit_id, created_at`

	InsertWithdrawal = `INSERT INTO %s (client_id, key, coin_symbol, recipient, memo, amount,
		fee_amount, fee_symbol, status, tx_hash, info, deposit_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (client_id, key) DO NOTHING
		RETURNING id, created_at;`

	SelectWithdrawal = `SELECT ` + WithdrawalColumns + ` FROM %s WHERE id = $1;`

	LockWithdrawal = `SELECT ` + WithdrawalColumns + ` FROM %s WHERE id = $1 FOR UPDATE;`

	SelectWithdrawalByKey = `SELECT ` + WithdrawalColumns + ` FROM %s
		WHERE client_id = $1 AND key = $2;`

	UpdateWithdrawal = `UPDATE %s SET fee_amount = $2, fee_symbol = $3, status = $4, tx_hash = $5,
		info = $6, deposit_id = $7
		WHERE id = $1;`

	InsertAddress = `INSERT INTO %s (chain, client_id, path, addr)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (chain, client_id, path) DO NOTHING;`

	SelectAddressByAddr = `SELECT chain, client_id, path, addr FROM %s
		WHERE chain = $1 AND addr = $2;`

	SelectAddresses = `SELECT chain, client_id, path, addr FROM %s
		WHERE chain = $1 ORDER BY client_id, path;`

	EnsureCoin = `INSERT INTO %s (symbol) VALUES ($1)
		ON CONFLICT (symbol) DO NOTHING;`

	SelectCoinInfo = `SELECT info FROM %s WHERE symbol = $1;`

	LockCoinInfo = `SELECT info FROM %s WHERE symbol = $1 FOR UPDATE;`

	SetCoinInfo = `UPDATE %s SET info = $2 WHERE symbol = $1;`

	// LockNonceOwner takes a transaction-scoped advisory lock on the owner so
	// that a counter row that does not exist yet is also serialized.
	LockNonceOwner = `SELECT pg_advisory_xact_lock(hashtext($1));`

	LockNonce = `SELECT next FROM %s WHERE owner = $1 FOR UPDATE;`

	UpsertNonce = `INSERT INTO %s (owner, next) VALUES ($1, $2)
		ON CONFLICT (owner) DO UPDATE SET next = EXCLUDED.next;`
)

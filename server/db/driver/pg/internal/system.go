package internal

// The following queries retrieve various system settings and other system
// information from the database server.
const (
	// RetrieveSysSettingsServer retrieves system settings related to the
	// postgres server configuration.
	RetrieveSysSettingsServer = `SELECT name, setting, COALESCE(unit, '')
		FROM pg_settings
		WHERE name='max_connections'
			OR name='timezone'
			OR name='port'
			OR name='data_directory'
			OR name='default_transaction_isolation'
			OR name='lock_timeout'
			OR name='idle_in_transaction_session_timeout'
		ORDER BY name;`

	// RetrieveSyncCommitSetting retrieves just the synchronous_commit setting.
	RetrieveSyncCommitSetting = `SELECT setting FROM pg_settings WHERE name='synchronous_commit';`

	// RetrievePGVersion retrieves the version string from the database process.
	RetrievePGVersion = `SELECT version();`
)

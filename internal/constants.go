package internal

const (
	DotEnvPath        = "./.env"
	ConfigPath        = "runsync.yaml"
	MigrationsDir     = "migrations"
	DBTimestampLayout = "2006-01-02 15:04:05.000"
)

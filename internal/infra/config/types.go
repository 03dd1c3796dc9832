package config

import "strings"

// Environment identifies the runtime environment where offqueue operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// StoreDriver selects the pending action store backend.
type StoreDriver string

const (
	// StoreSQLite keeps the queue in a local sqlite file.
	StoreSQLite StoreDriver = "sqlite"
	// StorePostgres keeps the queue in PostgreSQL.
	StorePostgres StoreDriver = "postgres"
	// StoreMemory keeps the queue in process memory only.
	StoreMemory StoreDriver = "memory"
)

// ConnectivityMode selects how online/offline state is observed.
type ConnectivityMode string

const (
	// ConnectivityManual leaves connectivity to the control API.
	ConnectivityManual ConnectivityMode = "manual"
	// ConnectivityProbe polls a health URL.
	ConnectivityProbe ConnectivityMode = "probe"
)

func normalizeIdentifier(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

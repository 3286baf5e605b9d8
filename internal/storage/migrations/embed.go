package migrations

import "embed"

// PostgresFS embeds the PostgreSQL migrations for flags and the notification log.
//
//go:embed postgres/*.sql
var PostgresFS embed.FS

// ClickhouseFS embeds the ClickHouse migrations for run history.
//
//go:embed clickhouse/*.sql
var ClickhouseFS embed.FS

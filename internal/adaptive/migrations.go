package adaptive

import "embed"

// Migrations holds the schema for payments, preapprovals and refunds.
//
//go:embed migrations/*.sql
var Migrations embed.FS

// MigrationsDir is the directory inside Migrations holding the files.
const MigrationsDir = "migrations"

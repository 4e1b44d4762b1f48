package migrations

import "embed"

// FS 内嵌的迁移脚本
//
//go:embed scripts/*.sql
var FS embed.FS

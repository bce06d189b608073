// Package migrations 内嵌市场所需的全部建表脚本，
// 供运维工具在不依赖应用自建表的情况下初始化数据库。
package migrations

import "embed"

// Files 暴露所有 SQL 迁移文件。
//
//go:embed *.sql
var Files embed.FS

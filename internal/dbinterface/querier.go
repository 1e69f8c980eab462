// Copyright (c) 2025, the Huntarr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package dbinterface

import (
	"context"
	"database/sql"
	"strings"
)

// SQLite has SQLITE_MAX_VARIABLE_NUMBER limit (default 999).
// Stay conservative so chunked IN queries never hit it.
const MaxParams = 900

// Querier is the subset of *sql.DB used by the stores.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// TxQuerier is satisfied by both *sql.DB and *sql.Tx.
type TxQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// BuildQueryWithPlaceholders expands a single %s in template into rows groups
// of paramsPerRow placeholders, e.g. "(?, ?), (?, ?)".
func BuildQueryWithPlaceholders(template string, paramsPerRow, rows int) string {
	if rows <= 0 || paramsPerRow <= 0 {
		return strings.Replace(template, "%s", "", 1)
	}

	group := "(" + strings.TrimSuffix(strings.Repeat("?, ", paramsPerRow), ", ") + ")"

	var sb strings.Builder
	sb.Grow(rows * (len(group) + 2))
	for i := 0; i < rows; i++ {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(group)
	}

	return strings.Replace(template, "%s", sb.String(), 1)
}

// BuildInClause returns "?, ?, ?" with n placeholders for an IN (...) list.
func BuildInClause(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// Chunk splits values into slices of at most size elements.
func Chunk[T any](values []T, size int) [][]T {
	if size <= 0 {
		size = MaxParams
	}
	var chunks [][]T
	for i := 0; i < len(values); i += size {
		end := i + size
		if end > len(values) {
			end = len(values)
		}
		chunks = append(chunks, values[i:end])
	}
	return chunks
}

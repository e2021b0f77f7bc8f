// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqltree stores tree items in a SQLite table.
//
// Items live in one WITHOUT ROWID table whose primary key is the item
// key, so SQLite's B-tree provides the ordering. Object ids and offsets
// are stored as signed 64-bit integers; values at or above 1<<63 are
// rejected. Every mutation runs in an IMMEDIATE transaction. Cursors
// hold no connection between calls and re-seek with a row-value
// comparison on Next.
package sqltree

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/clusterfs/lib/sqlitepool"
	"github.com/bureau-foundation/clusterfs/lib/tree"
)

const schema = `
CREATE TABLE IF NOT EXISTS items (
	object_id   INTEGER NOT NULL,
	kind        INTEGER NOT NULL,
	byte_offset INTEGER NOT NULL,
	state       INTEGER NOT NULL,
	logical     INTEGER NOT NULL,
	total       INTEGER NOT NULL,
	data        BLOB,
	PRIMARY KEY (object_id, kind, byte_offset)
) WITHOUT ROWID;
`

const (
	selectColumns = `SELECT object_id, kind, byte_offset, state, logical, total, data FROM items`

	queryExact = selectColumns + ` WHERE object_id = ? AND kind = ? AND byte_offset = ?`
	queryAtOrAfter = selectColumns +
		` WHERE (object_id, kind, byte_offset) >= (?, ?, ?) ORDER BY object_id, kind, byte_offset LIMIT 1`
	queryAfter = selectColumns +
		` WHERE (object_id, kind, byte_offset) > (?, ?, ?) ORDER BY object_id, kind, byte_offset LIMIT 1`

	statementUpsert = `INSERT INTO items (object_id, kind, byte_offset, state, logical, total, data)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (object_id, kind, byte_offset) DO UPDATE SET
			state = excluded.state, logical = excluded.logical,
			total = excluded.total, data = excluded.data`
	statementCut = `DELETE FROM items
		WHERE (object_id, kind, byte_offset) >= (?, ?, ?)
		AND (object_id, kind, byte_offset) < (?, ?, ?)`
)

// Config configures a Tree.
type Config struct {
	// Path is the database file.
	Path string

	// PoolSize is passed to sqlitepool.
	PoolSize int

	// Synchronous is passed to sqlitepool.
	Synchronous string

	// MaxItemSize bounds item payloads. Zero selects
	// tree.DefaultMaxItemSize.
	MaxItemSize int

	Logger *slog.Logger
}

// Tree implements tree.Tree on SQLite.
type Tree struct {
	pool        *sqlitepool.Pool
	maxItemSize int
	closed      atomic.Bool
}

var _ tree.Tree = (*Tree)(nil)

// Open opens or creates the database at cfg.Path.
func Open(cfg Config) (*Tree, error) {
	maxItemSize := cfg.MaxItemSize
	if maxItemSize <= 0 {
		maxItemSize = tree.DefaultMaxItemSize
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:        cfg.Path,
		PoolSize:    cfg.PoolSize,
		Synchronous: cfg.Synchronous,
		Logger:      cfg.Logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqltree: %w", err)
	}
	return &Tree{pool: pool, maxItemSize: maxItemSize}, nil
}

func keyArgs(key tree.Key) ([]any, error) {
	if key.ObjectID > math.MaxInt64 || key.Offset > math.MaxInt64 {
		return nil, fmt.Errorf("sqltree: key %s exceeds the signed 64-bit range", key)
	}
	return []any{int64(key.ObjectID), int64(key.Kind), int64(key.Offset)}, nil
}

// boundArgs clamps a range bound so that keys past the signed range
// still order correctly as an exclusive upper limit.
func boundArgs(key tree.Key) []any {
	objectID, offset := key.ObjectID, key.Offset
	if objectID > math.MaxInt64 {
		return []any{int64(math.MaxInt64), int64(math.MaxUint8), int64(math.MaxInt64)}
	}
	if offset > math.MaxInt64 {
		offset = math.MaxInt64
	}
	return []any{int64(objectID), int64(key.Kind), int64(offset)}
}

func scanItem(stmt *sqlite.Stmt) tree.Item {
	item := tree.Item{
		Key: tree.Key{
			ObjectID: uint64(stmt.ColumnInt64(0)),
			Kind:     tree.Kind(stmt.ColumnInt64(1)),
			Offset:   uint64(stmt.ColumnInt64(2)),
		},
		State:   tree.State(stmt.ColumnInt64(3)),
		Logical: uint32(stmt.ColumnInt64(4)),
		Total:   uint32(stmt.ColumnInt64(5)),
	}
	if length := stmt.ColumnLen(6); length > 0 {
		item.Data = make([]byte, length)
		stmt.ColumnBytes(6, item.Data)
	}
	return item
}

func (t *Tree) queryOne(ctx context.Context, query string, args []any) (tree.Item, error) {
	var (
		item  tree.Item
		found bool
	)
	err := t.pool.Read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				item = scanItem(stmt)
				found = true
				return nil
			},
		})
	})
	if err != nil {
		return tree.Item{}, fmt.Errorf("sqltree: query: %w", err)
	}
	if !found {
		return tree.Item{}, tree.ErrNotFound
	}
	return item, nil
}

// Lookup implements tree.Tree.
func (t *Tree) Lookup(ctx context.Context, key tree.Key, bias tree.Bias) (tree.Cursor, error) {
	if t.closed.Load() {
		return nil, tree.ErrClosed
	}
	args, err := keyArgs(key)
	if err != nil {
		return nil, err
	}
	query := queryExact
	if bias == tree.Next {
		query = queryAtOrAfter
	}
	item, err := t.queryOne(ctx, query, args)
	if err != nil {
		return nil, err
	}
	return &cursor{tree: t, current: item}, nil
}

func upsert(conn *sqlite.Conn, item tree.Item) error {
	args, err := keyArgs(item.Key)
	if err != nil {
		return err
	}
	data := item.Data
	if data == nil {
		data = []byte{}
	}
	args = append(args, int64(item.State), int64(item.Logical), int64(item.Total), data)
	return sqlitex.Execute(conn, statementUpsert, &sqlitex.ExecOptions{Args: args})
}

func cut(conn *sqlite.Conn, from, to tree.Key) (int, error) {
	args := append(boundArgs(from), boundArgs(to)...)
	if err := sqlitex.Execute(conn, statementCut, &sqlitex.ExecOptions{Args: args}); err != nil {
		return 0, err
	}
	return conn.Changes(), nil
}

// Insert implements tree.Tree.
func (t *Tree) Insert(ctx context.Context, item tree.Item) error {
	if t.closed.Load() {
		return tree.ErrClosed
	}
	if err := tree.ValidateItem(item, t.maxItemSize); err != nil {
		return err
	}
	if err := t.pool.Write(ctx, func(conn *sqlite.Conn) error { return upsert(conn, item) }); err != nil {
		return fmt.Errorf("sqltree: insert %s: %w", item.Key, err)
	}
	return nil
}

// Cut implements tree.Tree.
func (t *Tree) Cut(ctx context.Context, from, to tree.Key) (int, error) {
	if t.closed.Load() {
		return 0, tree.ErrClosed
	}
	var removed int
	err := t.pool.Write(ctx, func(conn *sqlite.Conn) error {
		var err error
		removed, err = cut(conn, from, to)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("sqltree: cut [%s, %s): %w", from, to, err)
	}
	return removed, nil
}

// Replace implements tree.Tree.
func (t *Tree) Replace(ctx context.Context, from, to tree.Key, items []tree.Item) error {
	if t.closed.Load() {
		return tree.ErrClosed
	}
	for _, item := range items {
		if err := tree.ValidateItem(item, t.maxItemSize); err != nil {
			return err
		}
	}
	err := t.pool.Write(ctx, func(conn *sqlite.Conn) error {
		if _, err := cut(conn, from, to); err != nil {
			return err
		}
		for _, item := range items {
			if err := upsert(conn, item); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("sqltree: replace [%s, %s): %w", from, to, err)
	}
	return nil
}

// MaxItemSize implements tree.Tree.
func (t *Tree) MaxItemSize() int { return t.maxItemSize }

// Close implements tree.Tree.
func (t *Tree) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	return t.pool.Close()
}

type cursor struct {
	tree    *Tree
	current tree.Item
}

func (c *cursor) Item() tree.Item { return c.current }

func (c *cursor) Next(ctx context.Context) (bool, error) {
	if c.tree.closed.Load() {
		return false, tree.ErrClosed
	}
	args, err := keyArgs(c.current.Key)
	if err != nil {
		return false, err
	}
	item, err := c.tree.queryOne(ctx, queryAfter, args)
	if errors.Is(err, tree.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	c.current = item
	return true, nil
}

func (c *cursor) Close() error { return nil }

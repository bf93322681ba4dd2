// Package db opens the apply history database.
package db

import (
	"errors"

	"github.com/jmoiron/sqlx"
)

// Pool provides separate read and write database connections.
//
// For SQLite in WAL mode the writer is a single connection and the reader
// allows several concurrent connections. For PostgreSQL both return the
// same *sqlx.DB.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// NewPool creates a Pool from separate writer and reader connections.
func NewPool(writer, reader *sqlx.DB) *Pool {
	return &Pool{writer: writer, reader: reader}
}

// Writer returns the connection used for INSERT, UPDATE, DELETE and transactions.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader returns the connection used for SELECT queries.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// Close closes the writer, and the reader when it is a separate pool.
func (p *Pool) Close() error {
	err := p.writer.Close()
	if p.reader == p.writer {
		return err
	}
	return errors.Join(err, p.reader.Close())
}

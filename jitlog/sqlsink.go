/*
Copyright (C) 2026  Carl-Philip Hänsch

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU General Public License as published by
	the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU General Public License for more details.

	You should have received a copy of the GNU General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/
package jitlog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
)

// SQLSink stores records in the table rjit_events of a MySQL or
// PostgreSQL database.
type SQLSink struct {
	db      *sql.DB
	driver  string
	session string
}

// ParseDSN picks the driver from the scheme: mysql://user:pw@tcp(host)/db
// or postgres://user:pw@host/db.
func ParseDSN(dsn string) (driver, conn string, err error) {
	switch {
	case strings.HasPrefix(dsn, "mysql://"):
		conn = strings.TrimPrefix(dsn, "mysql://")
		if !strings.Contains(conn, "parseTime=") {
			if strings.Contains(conn, "?") {
				conn += "&parseTime=true"
			} else {
				conn += "?parseTime=true"
			}
		}
		return "mysql", conn, nil
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return "postgres", dsn, nil
	}
	return "", "", fmt.Errorf("jitlog: unknown database scheme in %q", dsn)
}

const createEvents = `CREATE TABLE IF NOT EXISTS rjit_events (
	session VARCHAR(36) NOT NULL,
	seq BIGINT NOT NULL,
	at TIMESTAMP NOT NULL,
	kind VARCHAR(16) NOT NULL,
	loop_name VARCHAR(255),
	loop_id VARCHAR(36),
	descr VARCHAR(255),
	fail_index INT,
	addr BIGINT,
	size INT,
	hits BIGINT,
	PRIMARY KEY (session, seq)
)`

func OpenSQL(dsn, session string) (*SQLSink, error) {
	driver, conn, err := ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	db, err := sql.Open(driver, conn)
	if err != nil {
		return nil, err
	}
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxOpenConns(2)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("jitlog: %s: %w", driver, err)
	}
	if _, err := db.ExecContext(ctx, createEvents); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("jitlog: create rjit_events: %w", err)
	}
	return &SQLSink{db: db, driver: driver, session: session}, nil
}

// insertStatement uses the placeholder syntax of the driver.
func insertStatement(driver string) string {
	cols := []string{"session", "seq", "at", "kind", "loop_name", "loop_id", "descr", "fail_index", "addr", "size", "hits"}
	ph := make([]string, len(cols))
	for i := range ph {
		if driver == "postgres" {
			ph[i] = fmt.Sprintf("$%d", i+1)
		} else {
			ph[i] = "?"
		}
	}
	return "INSERT INTO rjit_events (" + strings.Join(cols, ", ") + ") VALUES (" + strings.Join(ph, ", ") + ")"
}

func (s *SQLSink) Write(recs []Record) error {
	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, insertStatement(s.driver))
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, r := range recs {
		_, err := stmt.ExecContext(ctx, r.Session, int64(r.Seq), r.Time, r.Kind, r.Loop, r.LoopID, r.Descr, r.Index, int64(r.Addr), r.Size, int64(r.Count))
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("jitlog: insert record %d: %w", r.Seq, err)
		}
	}
	return tx.Commit()
}

func (s *SQLSink) Close() error {
	return s.db.Close()
}

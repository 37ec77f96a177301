package main

import (
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	hostID := fs.String("host", "", "host id (required unless -db)")
	dbPath := fs.String("db", "", "sqlite db path (optional)")
	tick := fs.Uint64("tick", 0, "snapshot tick for vitals (optional; defaults to latest)")
	limit := fs.Int("limit", 20, "result limit")
	entity := fs.String("entity", "", "entity_id filter (events, transitions)")
	_ = fs.Parse(args)

	q := "snapshots"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}

	path := strings.TrimSpace(*dbPath)
	if path == "" {
		if strings.TrimSpace(*hostID) == "" {
			fmt.Fprintln(os.Stderr, "missing -host or -db")
			os.Exit(2)
		}
		path = filepath.Join(*dataDir, "hosts", *hostID, "index", "host.sqlite")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := runQuery(os.Stdout, db, q, dbQuery{Tick: *tick, Limit: *limit, Entity: strings.TrimSpace(*entity)}); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if strings.HasPrefix(err.Error(), "unknown query") {
			fmt.Fprintln(os.Stderr, "usage: admin db [-data ./data] [-host HOST|-db PATH] [-tick T] [-entity E] snapshots|vitals|transitions|events")
			os.Exit(2)
		}
		os.Exit(1)
	}
}

type dbQuery struct {
	Tick   uint64
	Limit  int
	Entity string
}

func runQuery(out io.Writer, db *sql.DB, q string, p dbQuery) error {
	if p.Limit <= 0 {
		p.Limit = 20
	}
	switch q {
	case "snapshots":
		rows, err := db.Query(`SELECT tick,path,host_id,entities,tripped FROM snapshots ORDER BY tick DESC LIMIT ?`, p.Limit)
		if err != nil {
			return fmt.Errorf("query: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				Tick     int64  `json:"tick"`
				Path     string `json:"path"`
				HostID   string `json:"host_id"`
				Entities int    `json:"entities"`
				Tripped  int    `json:"tripped"`
			}
			if err := rows.Scan(&r.Tick, &r.Path, &r.HostID, &r.Entities, &r.Tripped); err != nil {
				return fmt.Errorf("scan: %w", err)
			}
			printJSON(out, r)
		}
		return rows.Err()

	case "vitals":
		if p.Tick == 0 {
			lt, err := latestSnapshotTick(db)
			if err != nil {
				return fmt.Errorf("latest tick: %w", err)
			}
			if lt == 0 {
				return fmt.Errorf("no snapshots found")
			}
			p.Tick = lt
		}
		rows, err := db.Query(`SELECT entity_id,kind,value,bound,tripped,seq FROM snapshot_vitals WHERE tick=? ORDER BY entity_id,kind`, p.Tick)
		if err != nil {
			return fmt.Errorf("query: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				Tick    uint64  `json:"tick"`
				Entity  string  `json:"entity_id"`
				Kind    string  `json:"kind"`
				Value   float64 `json:"value"`
				Bound   float64 `json:"bound"`
				Tripped bool    `json:"tripped"`
				Seq     int64   `json:"seq"`
			}
			var tripped int
			if err := rows.Scan(&r.Entity, &r.Kind, &r.Value, &r.Bound, &tripped, &r.Seq); err != nil {
				return fmt.Errorf("scan: %w", err)
			}
			r.Tick, r.Tripped = p.Tick, tripped != 0
			printJSON(out, r)
		}
		return rows.Err()

	case "transitions":
		query := `SELECT tick,entity_id,kind,seq,tripped,actor_id FROM transitions ORDER BY tick DESC LIMIT ?`
		args := []any{p.Limit}
		if p.Entity != "" {
			query = `SELECT tick,entity_id,kind,seq,tripped,actor_id FROM transitions WHERE entity_id=? ORDER BY tick DESC LIMIT ?`
			args = []any{p.Entity, p.Limit}
		}
		rows, err := db.Query(query, args...)
		if err != nil {
			return fmt.Errorf("query: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				Tick    int64  `json:"tick"`
				Entity  string `json:"entity_id"`
				Kind    string `json:"kind"`
				Seq     int64  `json:"seq"`
				Tripped bool   `json:"tripped"`
				Actor   string `json:"actor_id,omitempty"`
			}
			var tripped int
			if err := rows.Scan(&r.Tick, &r.Entity, &r.Kind, &r.Seq, &tripped, &r.Actor); err != nil {
				return fmt.Errorf("scan: %w", err)
			}
			r.Tripped = tripped != 0
			printJSON(out, r)
		}
		return rows.Err()

	case "events":
		query := `SELECT raw_json FROM events ORDER BY id DESC LIMIT ?`
		args := []any{p.Limit}
		if p.Entity != "" {
			query = `SELECT raw_json FROM events WHERE entity_id=? ORDER BY id DESC LIMIT ?`
			args = []any{p.Entity, p.Limit}
		}
		rows, err := db.Query(query, args...)
		if err != nil {
			return fmt.Errorf("query: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var raw string
			if err := rows.Scan(&raw); err != nil {
				return fmt.Errorf("scan: %w", err)
			}
			printJSON(out, json.RawMessage(raw))
		}
		return rows.Err()
	}
	return fmt.Errorf("unknown query: %s", q)
}

func latestSnapshotTick(db *sql.DB) (uint64, error) {
	if db == nil {
		return 0, fmt.Errorf("nil db")
	}
	var t int64
	if err := db.QueryRow(`SELECT COALESCE(MAX(tick),0) FROM snapshots`).Scan(&t); err != nil {
		return 0, err
	}
	if t < 0 {
		return 0, nil
	}
	return uint64(t), nil
}

func printJSON(out io.Writer, v any) {
	enc := json.NewEncoder(out)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

package graph

import (
	"database/sql"
	"fmt"
	"sort"

	_ "modernc.org/sqlite"
)

// SQLiteWriter persists a linked graph into a SQLite database using
// batched transactions and prepared statements.
type SQLiteWriter struct {
	db        *sql.DB
	tx        *sql.Tx
	stmtClass *sql.Stmt
	stmtEdge  *sql.Stmt
	batchSize int
	count     int
}

// NewSQLiteWriter creates a writer and initializes the schema.
func NewSQLiteWriter(dbPath string) (*SQLiteWriter, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}

	// Bulk-insert tuning.
	if _, err := db.Exec("PRAGMA synchronous = OFF"); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec("PRAGMA journal_mode = MEMORY"); err != nil {
		_ = db.Close()
		return nil, err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS containers (
		path TEXT PRIMARY KEY,
		position INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS classes (
		name TEXT PRIMARY KEY,
		flags INTEGER NOT NULL,
		super TEXT,
		container TEXT,
		path TEXT,
		mtime INTEGER
	);
	CREATE TABLE IF NOT EXISTS class_edges (
		from_name TEXT NOT NULL,
		kind TEXT NOT NULL,
		to_name TEXT NOT NULL,
		PRIMARY KEY (from_name, kind, to_name)
	) WITHOUT ROWID;
	`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	w := &SQLiteWriter{db: db, batchSize: 10000}
	if err := w.beginTx(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

func (w *SQLiteWriter) beginTx() error {
	var err error
	w.tx, err = w.db.Begin()
	if err != nil {
		return err
	}
	w.stmtClass, err = w.tx.Prepare(`
		INSERT OR REPLACE INTO classes (name, flags, super, container, path, mtime)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	w.stmtEdge, err = w.tx.Prepare(`INSERT OR IGNORE INTO class_edges (from_name, kind, to_name) VALUES (?, ?, ?)`)
	return err
}

func (w *SQLiteWriter) commitTx() error {
	if w.stmtClass != nil {
		_ = w.stmtClass.Close()
	}
	if w.stmtEdge != nil {
		_ = w.stmtEdge.Close()
	}
	return w.tx.Commit()
}

func (w *SQLiteWriter) bump() error {
	w.count++
	if w.count < w.batchSize {
		return nil
	}
	w.count = 0
	if err := w.commitTx(); err != nil {
		return err
	}
	return w.beginTx()
}

// WriteGraph writes containers, classes and edges. Nodes are written in
// sorted-name order so the output is reproducible for a fixed input.
func (w *SQLiteWriter) WriteGraph(g *Graph) error {
	for i, p := range g.Order {
		if _, err := w.tx.Exec(`INSERT OR REPLACE INTO containers (path, position) VALUES (?, ?)`, p, i); err != nil {
			return fmt.Errorf("insert container %s: %w", p, err)
		}
	}

	names := make([]string, 0, len(g.Nodes))
	for name := range g.Nodes {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		n := g.Nodes[name]
		var mtime any
		if t, ok := g.ModTimes[n.Path]; ok {
			mtime = t.UnixNano()
		}
		var super any
		if n.SuperName != "" {
			super = n.SuperName
		}
		if _, err := w.stmtClass.Exec(n.Name, n.Flags, super, n.Container, n.Path, mtime); err != nil {
			return fmt.Errorf("insert class %s: %w", n.Name, err)
		}
		if err := w.bump(); err != nil {
			return err
		}
		if err := w.writeEdges(n); err != nil {
			return err
		}
	}
	return nil
}

func (w *SQLiteWriter) writeEdges(n *Node) error {
	write := func(kind, to string) error {
		if _, err := w.stmtEdge.Exec(n.Name, kind, to); err != nil {
			return fmt.Errorf("insert edge %s -%s-> %s: %w", n.Name, kind, to, err)
		}
		return w.bump()
	}
	if n.SuperName != "" {
		if err := write("extends", n.SuperName); err != nil {
			return err
		}
	}
	for _, iface := range n.Interfaces {
		if err := write("implements", iface); err != nil {
			return err
		}
	}
	for _, ann := range n.Annotations {
		if err := write("annotated", ann); err != nil {
			return err
		}
	}
	return nil
}

// Close commits the pending batch and closes the database.
func (w *SQLiteWriter) Close() error {
	if err := w.commitTx(); err != nil {
		_ = w.db.Close()
		return err
	}
	return w.db.Close()
}

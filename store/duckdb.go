package store

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "github.com/marcboeker/go-duckdb"
)

// DuckDBHotStore keeps one stream's hot data in an embedded DuckDB database.
// Each stream engine instance owns exactly one database file; the engine
// serialises access, so no connection-level locking is layered on top.
type DuckDBHotStore struct {
	db   *sql.DB
	path StreamPath
	dir  string
}

const duckdbSchema = `
CREATE TABLE IF NOT EXISTS streams (
	id           INTEGER PRIMARY KEY,
	project      TEXT NOT NULL,
	stream       TEXT NOT NULL,
	content_type TEXT NOT NULL,
	closed       BOOLEAN NOT NULL DEFAULT false,
	created_at   BIGINT NOT NULL,
	expires_at   BIGINT,
	ttl_seconds  BIGINT,
	tail_seq     BIGINT NOT NULL DEFAULT 0,
	tail_byte    BIGINT NOT NULL DEFAULT 0,
	reader_key   TEXT NOT NULL DEFAULT '',
	is_public    BOOLEAN NOT NULL DEFAULT false
);
CREATE TABLE IF NOT EXISTS ops (
	seq            BIGINT PRIMARY KEY,
	byte_offset    BIGINT NOT NULL,
	payload        BLOB NOT NULL,
	write_ts       BIGINT NOT NULL,
	producer_id    TEXT NOT NULL DEFAULT '',
	producer_epoch BIGINT NOT NULL DEFAULT 0,
	producer_seq   BIGINT NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS segments (
	idx          INTEGER PRIMARY KEY,
	start_seq    BIGINT NOT NULL,
	end_seq      BIGINT NOT NULL,
	start_byte   BIGINT NOT NULL,
	end_byte     BIGINT NOT NULL,
	byte_len     BIGINT NOT NULL,
	object_key   TEXT NOT NULL,
	content_type TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS producers (
	producer_id  TEXT PRIMARY KEY,
	epoch        BIGINT NOT NULL,
	seq          BIGINT NOT NULL,
	last_updated BIGINT NOT NULL
);
`

// NewDuckDBHotStore opens (creating if needed) the hot database for a stream
// under dataDir/streams/<escaped-path>/hot.db.
func NewDuckDBHotStore(dataDir string, path StreamPath) (*DuckDBHotStore, error) {
	dir := filepath.Join(dataDir, "streams", url.PathEscape(path.String()))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create stream directory: %w", err)
	}
	db, err := sql.Open("duckdb", filepath.Join(dir, "hot.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open hot database: %w", err)
	}
	// Single owner per stream: one connection avoids writer contention.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(duckdbSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply hot schema: %w", err)
	}
	return &DuckDBHotStore{db: db, path: path, dir: dir}, nil
}

// DuckDBOpener returns a HotStoreOpener rooted at dataDir.
func DuckDBOpener(dataDir string) HotStoreOpener {
	return func(path StreamPath) (HotStore, error) {
		return NewDuckDBHotStore(dataDir, path)
	}
}

// Dir returns the stream's on-disk directory (also used for cold objects in
// filesystem deployments).
func (s *DuckDBHotStore) Dir() string {
	return s.dir
}

func (s *DuckDBHotStore) Meta() (*StreamMeta, error) {
	row := s.db.QueryRow(`SELECT content_type, closed, created_at, expires_at, ttl_seconds,
		tail_seq, tail_byte, reader_key, is_public FROM streams WHERE id = 1`)
	var (
		meta      StreamMeta
		createdAt int64
		expiresAt sql.NullInt64
		ttl       sql.NullInt64
		tailSeq   int64
		tailByte  int64
	)
	err := row.Scan(&meta.ContentType, &meta.Closed, &createdAt, &expiresAt, &ttl,
		&tailSeq, &tailByte, &meta.ReaderKey, &meta.Public)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStreamNotFound
	}
	if err != nil {
		return nil, err
	}
	meta.Path = s.path
	meta.CreatedAt = time.UnixMilli(createdAt)
	if expiresAt.Valid {
		t := time.UnixMilli(expiresAt.Int64)
		meta.ExpiresAt = &t
	}
	if ttl.Valid {
		v := ttl.Int64
		meta.TTLSeconds = &v
	}
	meta.Tail = Offset{Seq: uint64(tailSeq), Byte: uint64(tailByte)}
	return &meta, nil
}

func (s *DuckDBHotStore) CreateMeta(meta *StreamMeta) error {
	if _, err := s.Meta(); err == nil {
		return ErrStreamExists
	} else if !errors.Is(err, ErrStreamNotFound) {
		return err
	}
	_, err := s.db.Exec(`INSERT INTO streams
		(id, project, stream, content_type, closed, created_at, expires_at, ttl_seconds, tail_seq, tail_byte, reader_key, is_public)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		meta.Path.Project, meta.Path.Stream, meta.ContentType, meta.Closed,
		meta.CreatedAt.UnixMilli(), nullMilli(meta.ExpiresAt), nullInt(meta.TTLSeconds),
		int64(meta.Tail.Seq), int64(meta.Tail.Byte), meta.ReaderKey, meta.Public)
	return err
}

func (s *DuckDBHotStore) UpdateMeta(meta *StreamMeta) error {
	res, err := s.db.Exec(`UPDATE streams SET content_type = ?, closed = ?, expires_at = ?,
		ttl_seconds = ?, tail_seq = ?, tail_byte = ?, reader_key = ?, is_public = ? WHERE id = 1`,
		meta.ContentType, meta.Closed, nullMilli(meta.ExpiresAt), nullInt(meta.TTLSeconds),
		int64(meta.Tail.Seq), int64(meta.Tail.Byte), meta.ReaderKey, meta.Public)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStreamNotFound
	}
	return nil
}

func (s *DuckDBHotStore) Append(req AppendRequest) (*StreamMeta, error) {
	meta, err := s.Meta()
	if err != nil {
		return nil, err
	}
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	tail := meta.Tail
	for _, payload := range req.Payloads {
		var pid string
		var pepoch, pseq int64
		if req.Producer != nil {
			pid, pepoch, pseq = req.Producer.ID, req.Producer.Epoch, req.Producer.LastSeq
		}
		_, err = tx.Exec(`INSERT INTO ops
			(seq, byte_offset, payload, write_ts, producer_id, producer_epoch, producer_seq)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			int64(tail.Seq+1), int64(tail.Byte), payload, req.WriteTime.UnixMilli(),
			pid, pepoch, pseq)
		if err != nil {
			return nil, err
		}
		tail = tail.Add(uint64(len(payload)))
	}
	meta.Tail = tail
	if req.Close {
		meta.Closed = true
	}
	if _, err = tx.Exec(`UPDATE streams SET tail_seq = ?, tail_byte = ?, closed = ? WHERE id = 1`,
		int64(tail.Seq), int64(tail.Byte), meta.Closed); err != nil {
		return nil, err
	}
	if req.Producer != nil {
		if _, err = tx.Exec(`INSERT OR REPLACE INTO producers (producer_id, epoch, seq, last_updated)
			VALUES (?, ?, ?, ?)`,
			req.Producer.ID, req.Producer.Epoch, req.Producer.LastSeq,
			req.Producer.LastUpdated.UnixMilli()); err != nil {
			return nil, err
		}
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return meta, nil
}

func (s *DuckDBHotStore) ListOps(fromByte uint64, maxBytes int) ([]Op, error) {
	rows, err := s.db.Query(`SELECT seq, byte_offset, payload, write_ts, producer_id, producer_epoch, producer_seq
		FROM ops WHERE byte_offset >= ? ORDER BY seq`, int64(fromByte))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOps(rows, maxBytes)
}

func (s *DuckDBHotStore) OldestOps(maxCount int, maxBytes int) ([]Op, error) {
	q := `SELECT seq, byte_offset, payload, write_ts, producer_id, producer_epoch, producer_seq
		FROM ops ORDER BY seq`
	var rows *sql.Rows
	var err error
	if maxCount > 0 {
		rows, err = s.db.Query(q+` LIMIT ?`, maxCount)
	} else {
		rows, err = s.db.Query(q)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOps(rows, maxBytes)
}

func scanOps(rows *sql.Rows, maxBytes int) ([]Op, error) {
	var out []Op
	total := 0
	for rows.Next() {
		var (
			op      Op
			seq     int64
			offset  int64
			writeTS int64
		)
		if err := rows.Scan(&seq, &offset, &op.Payload, &writeTS,
			&op.ProducerID, &op.ProducerEpoch, &op.ProducerSeq); err != nil {
			return nil, err
		}
		if maxBytes > 0 && total > 0 && total+len(op.Payload) > maxBytes {
			break
		}
		op.Seq = uint64(seq)
		op.Offset = uint64(offset)
		op.WriteTime = time.UnixMilli(writeTS)
		out = append(out, op)
		total += len(op.Payload)
	}
	return out, rows.Err()
}

func (s *DuckDBHotStore) Stats() (OpsStats, error) {
	row := s.db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(LENGTH(payload)), 0) FROM ops`)
	var count int
	var bytes int64
	if err := row.Scan(&count, &bytes); err != nil {
		return OpsStats{}, err
	}
	return OpsStats{Count: count, Bytes: uint64(bytes)}, nil
}

func (s *DuckDBHotStore) Rotate(seg Segment) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// A previous crash between object write and this transaction leaves the
	// segment row absent; an already-applied rotation makes this a no-op.
	var existing int
	if err = tx.QueryRow(`SELECT COUNT(*) FROM segments WHERE start_seq = ?`,
		int64(seg.StartSeq)).Scan(&existing); err != nil {
		return err
	}
	if existing > 0 {
		return nil
	}
	var idx int
	if err = tx.QueryRow(`SELECT COALESCE(MAX(idx), -1) + 1 FROM segments`).Scan(&idx); err != nil {
		return err
	}
	if _, err = tx.Exec(`INSERT INTO segments
		(idx, start_seq, end_seq, start_byte, end_byte, byte_len, object_key, content_type)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		idx, int64(seg.StartSeq), int64(seg.EndSeq), int64(seg.StartByte), int64(seg.EndByte),
		seg.ByteLen, seg.ObjectKey, seg.ContentType); err != nil {
		return err
	}
	if _, err = tx.Exec(`DELETE FROM ops WHERE seq <= ?`, int64(seg.EndSeq)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *DuckDBHotStore) Segments() ([]Segment, error) {
	rows, err := s.db.Query(`SELECT idx, start_seq, end_seq, start_byte, end_byte, byte_len, object_key, content_type
		FROM segments ORDER BY idx`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Segment
	for rows.Next() {
		var seg Segment
		var startSeq, endSeq, startByte, endByte int64
		if err := rows.Scan(&seg.Index, &startSeq, &endSeq, &startByte, &endByte,
			&seg.ByteLen, &seg.ObjectKey, &seg.ContentType); err != nil {
			return nil, err
		}
		seg.StartSeq, seg.EndSeq = uint64(startSeq), uint64(endSeq)
		seg.StartByte, seg.EndByte = uint64(startByte), uint64(endByte)
		out = append(out, seg)
	}
	return out, rows.Err()
}

func (s *DuckDBHotStore) Producer(id string) (*ProducerState, error) {
	row := s.db.QueryRow(`SELECT epoch, seq, last_updated FROM producers WHERE producer_id = ?`, id)
	var state ProducerState
	var updated int64
	err := row.Scan(&state.Epoch, &state.LastSeq, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	state.ID = id
	state.LastUpdated = time.UnixMilli(updated)
	return &state, nil
}

func (s *DuckDBHotStore) Producers() ([]ProducerState, error) {
	rows, err := s.db.Query(`SELECT producer_id, epoch, seq, last_updated FROM producers ORDER BY producer_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ProducerState
	for rows.Next() {
		var state ProducerState
		var updated int64
		if err := rows.Scan(&state.ID, &state.Epoch, &state.LastSeq, &updated); err != nil {
			return nil, err
		}
		state.LastUpdated = time.UnixMilli(updated)
		out = append(out, state)
	}
	return out, rows.Err()
}

func (s *DuckDBHotStore) Purge() error {
	for _, stmt := range []string{
		`DELETE FROM ops`, `DELETE FROM segments`, `DELETE FROM producers`, `DELETE FROM streams`,
	} {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *DuckDBHotStore) Close() error {
	return s.db.Close()
}

func nullMilli(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func nullInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

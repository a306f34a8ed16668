// Package store persists a node's routing table and key/value storage
// to MySQL across restarts, so a fresh process can rejoin the network
// near where it left off instead of bootstrapping cold every time.
// Grounded almost verbatim on the teacher's dht/persist.go, generalized
// from storing only a per-node opaque "routing" blob to also
// round-tripping value exports per SPEC_FULL.md §6.
package store

import (
	"database/sql"
	"encoding/base64"
	"encoding/binary"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/kadcore/dhtnode/dht"
	"github.com/kadcore/dhtnode/infohash"
)

const (
	schemaNodes = `CREATE TABLE IF NOT EXISTS nodes (
		nodeid VARCHAR(40) PRIMARY KEY,
		family TINYINT NOT NULL,
		addr VARCHAR(64) NOT NULL,
		utime TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`
	schemaValues = `CREATE TABLE IF NOT EXISTS kvalues (
		keyid VARCHAR(40) NOT NULL,
		payload MEDIUMTEXT NOT NULL,
		utime TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (keyid)
	)`

	upsertNode = "REPLACE INTO nodes(nodeid, family, addr, utime) VALUES(?, ?, ?, CURRENT_TIMESTAMP)"
	allNodes   = "SELECT nodeid, family, addr FROM nodes"

	upsertValues = "REPLACE INTO kvalues(keyid, payload, utime) VALUES(?, ?, CURRENT_TIMESTAMP)"
	allValues    = "SELECT keyid, payload FROM kvalues"
)

// Store wraps a *sql.DB, mirroring the teacher's Persist type but
// instance-scoped rather than held behind a package-level singleton
// (dht/persist.go's GPersist), so a process can run more than one node.
type Store struct {
	db *sql.DB
}

// Open connects to dsn and ensures the persistence tables exist.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schemaNodes); err != nil {
		return nil, err
	}
	if _, err := db.Exec(schemaValues); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// SaveNodes persists the given node export entries, replacing any prior
// row for the same node id.
func (s *Store) SaveNodes(nodes []dht.NodeExport) error {
	stmt, err := s.db.Prepare(upsertNode)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, n := range nodes {
		if _, err := stmt.Exec(n.ID.String(), int(n.Family), n.Addr); err != nil {
			return err
		}
	}
	return nil
}

// LoadNodes returns every persisted node export entry.
func (s *Store) LoadNodes() ([]dht.NodeExport, error) {
	rows, err := s.db.Query(allNodes)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []dht.NodeExport
	for rows.Next() {
		var idHex, addr string
		var family int
		if err := rows.Scan(&idHex, &family, &addr); err != nil {
			return nil, err
		}
		id, err := infohash.FromHex(idHex)
		if err != nil {
			continue
		}
		out = append(out, dht.NodeExport{ID: id, Addr: addr, Family: dht.Family(family)})
	}
	return out, rows.Err()
}

// SaveValues persists the current value export for one key, serialized
// as length-prefixed (id, type, payload) tuples and base64-encoded the
// way the teacher's persist.go encodes its routing blob.
func (s *Store) SaveValues(key infohash.InfoHash, values []*dht.Value) error {
	stmt, err := s.db.Prepare(upsertValues)
	if err != nil {
		return err
	}
	defer stmt.Close()
	_, err = stmt.Exec(key.String(), base64.StdEncoding.EncodeToString(encodeValues(values)))
	return err
}

// LoadAllValues returns every persisted key's value export.
func (s *Store) LoadAllValues() (map[infohash.InfoHash][]*dht.Value, error) {
	rows, err := s.db.Query(allValues)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[infohash.InfoHash][]*dht.Value)
	for rows.Next() {
		var keyHex, payload string
		if err := rows.Scan(&keyHex, &payload); err != nil {
			return nil, err
		}
		key, err := infohash.FromHex(keyHex)
		if err != nil {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			continue
		}
		out[key] = decodeValues(raw)
	}
	return out, rows.Err()
}

func encodeValues(values []*dht.Value) []byte {
	var buf []byte
	for _, v := range values {
		var hdr [16]byte
		binary.BigEndian.PutUint64(hdr[0:8], v.ID)
		binary.BigEndian.PutUint32(hdr[8:12], uint32(v.Type))
		binary.BigEndian.PutUint32(hdr[12:16], uint32(len(v.Payload)))
		buf = append(buf, hdr[:]...)
		buf = append(buf, v.Payload...)
	}
	return buf
}

func decodeValues(raw []byte) []*dht.Value {
	var out []*dht.Value
	for len(raw) >= 16 {
		id := binary.BigEndian.Uint64(raw[0:8])
		typ := binary.BigEndian.Uint32(raw[8:12])
		n := binary.BigEndian.Uint32(raw[12:16])
		raw = raw[16:]
		if uint32(len(raw)) < n {
			break
		}
		payload := make([]byte, n)
		copy(payload, raw[:n])
		raw = raw[n:]
		out = append(out, &dht.Value{ID: id, Type: int(typ), Payload: payload})
	}
	return out
}

// PruneStaleNodes deletes rows of the nodes table whose utime is older
// than olderThan. The cli's periodic persistence job does not call it.
func (s *Store) PruneStaleNodes(olderThan time.Duration) error {
	_, err := s.db.Exec("DELETE FROM nodes WHERE utime < (NOW() - INTERVAL ? SECOND)", int(olderThan.Seconds()))
	return err
}

package docstore

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jgraettinger/gorocksdb"
	pb "go.gazette.dev/core/broker/protocol"
)

// RocksDB key layout. Current revisions live under d/, every revision
// under h/ keyed with a fixed-width hex revision so lexicographic order
// is revision order, and consumer checkpoints under c/.
const (
	prefixLive = "d/"
	prefixHist = "h/"
	prefixOffs = "c/"
)

func keyLive(id string) []byte { return []byte(prefixLive + id) }

func keyHist(id string, revision int64) []byte {
	return []byte(fmt.Sprintf("%s%s/%016x", prefixHist, id, revision))
}

func keyOffset(group string, journal pb.Journal) []byte {
	return []byte(fmt.Sprintf("%s%s/%s", prefixOffs, group, journal))
}

// parseOffsetKey splits a c/<group>/<journal> key. Group names never
// contain '/', while journal names always do.
func parseOffsetKey(key []byte) (group string, journal pb.Journal, _ error) {
	var parts = strings.SplitN(strings.TrimPrefix(string(key), prefixOffs), "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed checkpoint key %q", string(key))
	}
	return parts[0], pb.Journal(parts[1]), nil
}

// checkpointRecord is the stored value of a consumer checkpoint.
type checkpointRecord struct {
	Offset int64 `json:"offset"`
}

type rocksDB struct {
	db *gorocksdb.DB
	wo *gorocksdb.WriteOptions
	ro *gorocksdb.ReadOptions
}

func openRocks(dir string) (*rocksDB, error) {
	var opts = gorocksdb.NewDefaultOptions()
	opts.SetCreateIfMissing(true)

	var db, err = gorocksdb.OpenDb(opts, dir)
	if err != nil {
		return nil, err
	}
	var wo = gorocksdb.NewDefaultWriteOptions()
	wo.SetSync(true)
	var ro = gorocksdb.NewDefaultReadOptions()
	ro.SetFillCache(false)

	return &rocksDB{db: db, wo: wo, ro: ro}, nil
}

// commit writes document revisions and checkpoint offsets as a single
// atomic batch.
func (r *rocksDB) commit(docs []*Document, group string, offsets pb.Offsets) error {
	var wb = gorocksdb.NewWriteBatch()
	defer wb.Destroy()

	for _, doc := range docs {
		var b, err = json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("encoding document %s: %w", doc.ID, err)
		}
		wb.Put(keyLive(doc.ID), b)
		wb.Put(keyHist(doc.ID, doc.Revision), b)
	}
	for journal, offset := range offsets {
		var b, err = json.Marshal(checkpointRecord{Offset: offset})
		if err != nil {
			return fmt.Errorf("encoding checkpoint of %s: %w", journal, err)
		}
		wb.Put(keyOffset(group, journal), b)
	}
	return r.db.Write(r.wo, wb)
}

// scan invokes fn with each key and value under the prefix, in key order.
func (r *rocksDB) scan(prefix string, fn func(key, value []byte) error) error {
	var it = r.db.NewIterator(r.ro)
	defer it.Close()

	var p = []byte(prefix)
	for it.Seek(p); it.ValidForPrefix(p); it.Next() {
		var key, value = it.Key(), it.Value()
		var err = fn(key.Data(), value.Data())
		key.Free()
		value.Free()

		if err != nil {
			return err
		}
	}
	return it.Err()
}

func (r *rocksDB) close() {
	r.db.Close()
	r.wo.Destroy()
	r.ro.Destroy()
}

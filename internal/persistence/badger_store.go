package persistence

import (
	"fmt"

	"github.com/dgraph-io/badger/v3"
)

const recordSeqBandwidth = 128

// badgerStore is the BadgerDB implementation of Store. Object blobs live
// under "obj:" keys, log rows under "rec:<type>:<seq>" keys whose sequence
// numbers give chronological iteration order.
type badgerStore struct {
	db   *badger.DB
	seqs map[RecordType]*badger.Sequence
}

// NewBadgerStore opens (or creates) the database at dbPath.
func NewBadgerStore(dbPath string) (Store, error) {
	opts := badger.DefaultOptions(dbPath)
	// Badger's own logging is noise next to the engine's; errors still
	// surface through returned values.
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &badgerStore{db: db, seqs: make(map[RecordType]*badger.Sequence)}, nil
}

func objectKey(t ObjectType) []byte {
	return []byte("obj:" + t)
}

func recordPrefix(t RecordType) []byte {
	return []byte("rec:" + t + ":")
}

func recordKey(t RecordType, seq uint64) []byte {
	return []byte(fmt.Sprintf("rec:%s:%020d", t, seq))
}

func (s *badgerStore) SaveObjects(objects map[ObjectType][]byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		for objType, blob := range objects {
			if err := txn.Set(objectKey(objType), blob); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *badgerStore) LoadObject(objType ObjectType) ([]byte, error) {
	var blob []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(objectKey(objType))
		if err != nil {
			return err
		}
		blob, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return blob, nil
}

func (s *badgerStore) AppendRecord(recType RecordType, row []byte, maxRows int) error {
	seq, err := s.sequence(recType)
	if err != nil {
		return err
	}
	n, err := seq.Next()
	if err != nil {
		return err
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey(recType, n), row)
	}); err != nil {
		return err
	}
	if maxRows > 0 {
		return s.pruneRecords(recType, maxRows)
	}
	return nil
}

func (s *badgerStore) LoadRecords(recType RecordType, limit int) ([][]byte, error) {
	var rows [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := recordPrefix(recType)
		// Reverse iteration needs a seek key past the last possible row.
		seek := append(append([]byte{}, prefix...), 0xff)
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(rows) >= limit {
				break
			}
			row, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			rows = append(rows, row)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	// Newest last.
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	return rows, nil
}

// pruneRecords drops the oldest ~5% of rows once the log exceeds maxRows.
func (s *badgerStore) pruneRecords(recType RecordType, maxRows int) error {
	prefix := recordPrefix(recType)

	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(keys) <= maxRows {
		return nil
	}

	drop := len(keys) - maxRows + maxRows/20
	if drop > len(keys) {
		drop = len(keys)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		for _, key := range keys[:drop] {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *badgerStore) sequence(recType RecordType) (*badger.Sequence, error) {
	if seq, ok := s.seqs[recType]; ok {
		return seq, nil
	}
	seq, err := s.db.GetSequence([]byte("seq:"+recType), recordSeqBandwidth)
	if err != nil {
		return nil, err
	}
	s.seqs[recType] = seq
	return seq, nil
}

func (s *badgerStore) Close() error {
	for _, seq := range s.seqs {
		_ = seq.Release()
	}
	return s.db.Close()
}

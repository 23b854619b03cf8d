// Package storage keeps a history of finished runs in a bbolt file.
package storage

import (
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.etcd.io/bbolt"

	"surge/internal/runner"
	"surge/internal/stats"
)

const (
	FileName = "runs.db"

	bucketRuns = "runs"
	bucketIDs  = "ids"
)

var ErrNotFound = errors.New("run not found")

// RunRecord is what is kept for each run.
type RunRecord struct {
	ID      string            `json:"id"`
	Target  string            `json:"target"`
	Options runner.RunOptions `json:"options"`
	Report  stats.Report      `json:"report"`
}

func NewRecord(target string, opts runner.RunOptions, r stats.Report) RunRecord {
	return RunRecord{
		ID:      uuid.NewString(),
		Target:  target,
		Options: opts,
		Report:  r,
	}
}

func (r RunRecord) Started() time.Time {
	return r.Report.Start
}

type Store struct {
	db *bbolt.DB
}

// Open opens (creating if needed) dir/runs.db.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create %s", dir)
	}
	path := filepath.Join(dir, FileName)

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{bucketRuns, bucketIDs} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "init buckets")
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Save appends rec. Records are keyed by insertion order.
func (s *Store) Save(rec RunRecord) error {
	if rec.ID == "" {
		return errors.New("record has no id")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "encode record")
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		runs := tx.Bucket([]byte(bucketRuns))
		ids := tx.Bucket([]byte(bucketIDs))

		var key []byte
		if existing := ids.Get([]byte(rec.ID)); existing != nil {
			key = append(key, existing...)
		} else {
			seq, err := runs.NextSequence()
			if err != nil {
				return err
			}
			key = make([]byte, 8)
			binary.BigEndian.PutUint64(key, seq)
			if err := ids.Put([]byte(rec.ID), key); err != nil {
				return err
			}
		}
		return runs.Put(key, data)
	})
}

// List returns up to limit records, newest first. limit <= 0 means all.
func (s *Store) List(limit int) ([]RunRecord, error) {
	var out []RunRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(bucketRuns)).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var rec RunRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return errors.Wrapf(err, "decode record %x", k)
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

func (s *Store) Get(id string) (*RunRecord, error) {
	var rec RunRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		key := tx.Bucket([]byte(bucketIDs)).Get([]byte(id))
		if key == nil {
			return errors.Wrap(ErrNotFound, id)
		}
		v := tx.Bucket([]byte(bucketRuns)).Get(key)
		if v == nil {
			return errors.Wrap(ErrNotFound, id)
		}
		return json.Unmarshal(v, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

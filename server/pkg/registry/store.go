package registry

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	bolt "go.etcd.io/bbolt"
)

var (
	servicesBucket  = []byte("services")
	namesBucket     = []byte("names")
	metaBucket      = []byte("meta")
	appliedIndexKey = []byte("applied_index")
)

const snapshotVersion = 1

// Store is the durable registry. Only the Applier writes to it; reads are safe
// from any goroutine and only ever see applied state.
//
// Layout: services holds id -> JSON record, names holds name\x00id for prefix
// scans, meta holds the applied index. Every applied entry is one transaction
// that also advances the applied index, so replaying an entry is a no-op.
type Store struct {
	db     *bolt.DB
	logger hclog.Logger
}

type storeSnapshot struct {
	Version      int             `json:"version"`
	AppliedIndex uint64          `json:"applied_index"`
	Services     []ServiceRecord `json:"services"`
}

func OpenStore(path string, logger hclog.Logger) (*Store, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening registry store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{servicesBucket, namesBucket, metaBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing registry store: %w", err)
	}
	s := &Store{db: db, logger: logger}
	applied, _ := s.AppliedIndex()
	logger.Info("registry store opened", "path", path, "applied_index", applied)
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func nameKey(name, id string) []byte {
	k := make([]byte, 0, len(name)+1+len(id))
	k = append(k, name...)
	k = append(k, 0)
	return append(k, id...)
}

func readApplied(tx *bolt.Tx) uint64 {
	v := tx.Bucket(metaBucket).Get(appliedIndexKey)
	if len(v) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(v)
}

func writeApplied(tx *bolt.Tx, index uint64) error {
	var v [8]byte
	binary.BigEndian.PutUint64(v[:], index)
	return tx.Bucket(metaBucket).Put(appliedIndexKey, v[:])
}

func getRecord(tx *bolt.Tx, id string) (ServiceRecord, bool, error) {
	v := tx.Bucket(servicesBucket).Get([]byte(id))
	if v == nil {
		return ServiceRecord{}, false, nil
	}
	var rec ServiceRecord
	if err := json.Unmarshal(v, &rec); err != nil {
		return ServiceRecord{}, false, fmt.Errorf("decoding service %s: %w", id, err)
	}
	return rec, true, nil
}

func putRecord(tx *bolt.Tx, rec ServiceRecord) error {
	v, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := tx.Bucket(servicesBucket).Put([]byte(rec.ID), v); err != nil {
		return err
	}
	return tx.Bucket(namesBucket).Put(nameKey(rec.Name, rec.ID), nil)
}

func deleteRecord(tx *bolt.Tx, rec ServiceRecord) error {
	if err := tx.Bucket(servicesBucket).Delete([]byte(rec.ID)); err != nil {
		return err
	}
	return tx.Bucket(namesBucket).Delete(nameKey(rec.Name, rec.ID))
}

func (s *Store) Get(id string) (ServiceRecord, bool, error) {
	var rec ServiceRecord
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		rec, ok, err = getRecord(tx, id)
		return err
	})
	return rec, ok, err
}

// List returns every record ordered by name, then id.
func (s *Store) List() ([]ServiceRecord, error) {
	return s.ScanByNamePrefix("")
}

// ScanByNamePrefix returns the records whose name starts with prefix, ordered
// by name, then id.
func (s *Store) ScanByNamePrefix(prefix string) ([]ServiceRecord, error) {
	res := []ServiceRecord{}
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(namesBucket).Cursor()
		p := []byte(prefix)
		for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
			sep := bytes.IndexByte(k, 0)
			if sep < 0 {
				continue
			}
			rec, ok, err := getRecord(tx, string(k[sep+1:]))
			if err != nil {
				return err
			}
			if ok {
				res = append(res, rec)
			}
		}
		return nil
	})
	return res, err
}

func (s *Store) AppliedIndex() (uint64, error) {
	var index uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		index = readApplied(tx)
		return nil
	})
	return index, err
}

// Apply executes cmd as the entry at index. An index at or below the applied
// index is skipped. A nil cmd only advances the applied index (leader no-ops
// and undecodable entries). The returned event is nil when nothing changed.
func (s *Store) Apply(index uint64, cmd *Command) (*Event, error) {
	var ev *Event
	err := s.db.Update(func(tx *bolt.Tx) error {
		ev = nil
		applied := readApplied(tx)
		if index <= applied {
			s.logger.Debug("skipping already applied entry", "index", index, "applied_index", applied)
			return nil
		}
		if cmd != nil {
			var err error
			ev, err = applyCommand(tx, index, cmd)
			if err != nil {
				return err
			}
		}
		return writeApplied(tx, index)
	})
	if err != nil {
		return nil, fmt.Errorf("applying entry %d: %w", index, err)
	}
	return ev, nil
}

func applyCommand(tx *bolt.Tx, index uint64, cmd *Command) (*Event, error) {
	switch cmd.Op {
	case OpRegister:
		rec := cmd.Service.Clone()
		prev, ok, err := getRecord(tx, rec.ID)
		if err != nil {
			return nil, err
		}
		if ok {
			if err := deleteRecord(tx, prev); err != nil {
				return nil, err
			}
		}
		if err := putRecord(tx, rec); err != nil {
			return nil, err
		}
		return &Event{Type: EventRegister, Index: index, ServiceID: rec.ID, Service: &rec}, nil
	case OpDeregister:
		prev, ok, err := getRecord(tx, cmd.ServiceID)
		if err != nil || !ok {
			return nil, err
		}
		if err := deleteRecord(tx, prev); err != nil {
			return nil, err
		}
		return &Event{Type: EventDeregister, Index: index, ServiceID: prev.ID, Service: &prev}, nil
	}
	return nil, fmt.Errorf("unknown op %q", cmd.Op)
}

// Snapshot serializes the applied state together with its index.
func (s *Store) Snapshot() (uint64, []byte, error) {
	snap := storeSnapshot{Version: snapshotVersion, Services: []ServiceRecord{}}
	err := s.db.View(func(tx *bolt.Tx) error {
		snap.AppliedIndex = readApplied(tx)
		return tx.Bucket(servicesBucket).ForEach(func(k, v []byte) error {
			var rec ServiceRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decoding service %s: %w", k, err)
			}
			snap.Services = append(snap.Services, rec)
			return nil
		})
	})
	if err != nil {
		return 0, nil, err
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, nil, err
	}
	return snap.AppliedIndex, data, nil
}

// Restore replaces the whole registry with data, as of index.
func (s *Store) Restore(index uint64, data []byte) error {
	var snap storeSnapshot
	if len(data) > 0 {
		if err := json.Unmarshal(data, &snap); err != nil {
			return fmt.Errorf("decoding registry snapshot: %w", err)
		}
		if snap.Version != snapshotVersion {
			return fmt.Errorf("unsupported registry snapshot version %d", snap.Version)
		}
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{servicesBucket, namesBucket} {
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}
		for _, rec := range snap.Services {
			if err := putRecord(tx, rec); err != nil {
				return err
			}
		}
		return writeApplied(tx, index)
	})
	if err != nil {
		return fmt.Errorf("restoring registry snapshot: %w", err)
	}
	s.logger.Info("registry restored from snapshot", "index", index, "services", len(snap.Services))
	return nil
}

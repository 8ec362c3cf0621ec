// Package vault implements the worker state vault (C3): three bbolt buckets
// keyed by task_id, one each for running tasks, VPS sessions, and paused
// tasks. Records persist across worker restart so the executor's startup
// reconciliation (§4.C4.6) can find whatever it left running.
package vault

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/hakuriver/pkg/types"
)

var (
	bucketRunning = []byte("running_tasks")
	bucketVPS     = []byte("vps_sessions")
	bucketPaused  = []byte("paused_tasks")

	allBuckets = [][]byte{bucketRunning, bucketVPS, bucketPaused}
)

// Collection names the three logical tables spec.md §4.C3 defines.
type Collection string

const (
	RunningTasks Collection = "running_tasks"
	VPSSessions  Collection = "vps_sessions"
	PausedTasks  Collection = "paused_tasks"
)

func bucketFor(c Collection) ([]byte, error) {
	switch c {
	case RunningTasks:
		return bucketRunning, nil
	case VPSSessions:
		return bucketVPS, nil
	case PausedTasks:
		return bucketPaused, nil
	default:
		return nil, fmt.Errorf("vault: unknown collection %q", c)
	}
}

// Vault is the bbolt-backed worker state store.
type Vault struct {
	db *bolt.DB
}

// Open opens (creating if absent) the vault database under dataDir.
func Open(dataDir string) (*Vault, error) {
	path := filepath.Join(dataDir, "hakuriver-worker.db")
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("vault: open %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("vault: create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Vault{db: db}, nil
}

// Close closes the underlying database.
func (v *Vault) Close() error {
	return v.db.Close()
}

func taskKey(taskID int64) []byte {
	return []byte(strconv.FormatInt(taskID, 10))
}

// Put upserts rec under taskID in collection c.
func (v *Vault) Put(c Collection, taskID int64, rec *types.WorkerTaskRecord) error {
	bucket, err := bucketFor(c)
	if err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("vault: marshal record %d: %w", taskID, err)
	}
	return v.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put(taskKey(taskID), data)
	})
}

// Get returns the record for taskID in collection c, or ok=false if absent.
func (v *Vault) Get(c Collection, taskID int64) (*types.WorkerTaskRecord, bool, error) {
	bucket, err := bucketFor(c)
	if err != nil {
		return nil, false, err
	}
	var rec types.WorkerTaskRecord
	found := false
	err = v.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get(taskKey(taskID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, false, fmt.Errorf("vault: get %d: %w", taskID, err)
	}
	if !found {
		return nil, false, nil
	}
	return &rec, true, nil
}

// Delete removes taskID's record from collection c. Deleting an absent key
// is not an error.
func (v *Vault) Delete(c Collection, taskID int64) error {
	bucket, err := bucketFor(c)
	if err != nil {
		return err
	}
	return v.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete(taskKey(taskID))
	})
}

// Move atomically deletes taskID from `from` and inserts rec into `to`,
// used by pause/resume transitions between running_tasks and paused_tasks.
func (v *Vault) Move(from, to Collection, taskID int64, rec *types.WorkerTaskRecord) error {
	fromBucket, err := bucketFor(from)
	if err != nil {
		return err
	}
	toBucket, err := bucketFor(to)
	if err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("vault: marshal record %d: %w", taskID, err)
	}
	return v.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(fromBucket).Delete(taskKey(taskID)); err != nil {
			return err
		}
		return tx.Bucket(toBucket).Put(taskKey(taskID), data)
	})
}

// List returns every record in collection c.
func (v *Vault) List(c Collection) ([]*types.WorkerTaskRecord, error) {
	bucket, err := bucketFor(c)
	if err != nil {
		return nil, err
	}
	var out []*types.WorkerTaskRecord
	err = v.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).ForEach(func(k, val []byte) error {
			var rec types.WorkerTaskRecord
			if err := json.Unmarshal(val, &rec); err != nil {
				return fmt.Errorf("vault: unmarshal key %s: %w", k, err)
			}
			out = append(out, &rec)
			return nil
		})
	})
	return out, err
}

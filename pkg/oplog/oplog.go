package oplog

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/markhive/markhive/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketEnvelopes = []byte("envelopes")

	// ErrNotFound is returned when an envelope id is unknown
	ErrNotFound = errors.New("oplog: envelope not found")
)

// Log is a durable, append-only journal of operation envelopes backed by
// BoltDB. Envelope content is immutable after Append; only status,
// retryCount, lastError and id remapping mutate stored records.
type Log struct {
	db *bolt.DB
}

// Open opens (or creates) the journal in dataDir
func Open(dataDir string) (*Log, error) {
	dbPath := filepath.Join(dataDir, "oplog.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open oplog database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEnvelopes)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Log{db: db}, nil
}

// Close closes the database
func (l *Log) Close() error {
	return l.db.Close()
}

// Append persists an envelope. It returns only after the write is durable.
// Appending an id that already exists is rejected; envelopes are immutable.
func (l *Log) Append(env *types.OperationEnvelope) error {
	if env.ID == "" {
		return fmt.Errorf("oplog: envelope id must not be empty")
	}
	if env.Status == "" {
		env.Status = types.StatusPending
	}
	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEnvelopes)
		if b.Get([]byte(env.ID)) != nil {
			return fmt.Errorf("oplog: envelope %s already appended", env.ID)
		}
		data, err := json.Marshal(env)
		if err != nil {
			return err
		}
		return b.Put([]byte(env.ID), data)
	})
}

// Get returns one envelope by id
func (l *Log) Get(envID string) (*types.OperationEnvelope, error) {
	var env types.OperationEnvelope
	err := l.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketEnvelopes).Get([]byte(envID))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &env)
	})
	if err != nil {
		return nil, err
	}
	return &env, nil
}

// ListPending returns pending envelopes for a namespace ascending by ts,
// ties broken by id.
func (l *Log) ListPending(namespace string) ([]*types.OperationEnvelope, error) {
	var envs []*types.OperationEnvelope
	err := l.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEnvelopes).ForEach(func(k, v []byte) error {
			var env types.OperationEnvelope
			if err := json.Unmarshal(v, &env); err != nil {
				return err
			}
			if env.Namespace == namespace && env.Status == types.StatusPending {
				envs = append(envs, &env)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(envs, func(i, j int) bool {
		if envs[i].TS != envs[j].TS {
			return envs[i].TS < envs[j].TS
		}
		return envs[i].ID < envs[j].ID
	})
	return envs, nil
}

// ListFailed returns failed envelopes for a namespace ascending by ts
func (l *Log) ListFailed(namespace string) ([]*types.OperationEnvelope, error) {
	var envs []*types.OperationEnvelope
	err := l.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEnvelopes).ForEach(func(k, v []byte) error {
			var env types.OperationEnvelope
			if err := json.Unmarshal(v, &env); err != nil {
				return err
			}
			if env.Namespace == namespace && env.Status == types.StatusFailed {
				envs = append(envs, &env)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(envs, func(i, j int) bool {
		if envs[i].TS != envs[j].TS {
			return envs[i].TS < envs[j].TS
		}
		return envs[i].ID < envs[j].ID
	})
	return envs, nil
}

// CountPending returns the number of pending envelopes for a namespace
func (l *Log) CountPending(namespace string) (int, error) {
	count := 0
	err := l.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEnvelopes).ForEach(func(k, v []byte) error {
			var env types.OperationEnvelope
			if err := json.Unmarshal(v, &env); err != nil {
				return err
			}
			if env.Namespace == namespace && env.Status == types.StatusPending {
				count++
			}
			return nil
		})
	})
	return count, err
}

// MarkSynced transitions an envelope to synced. A synced envelope is never
// replayed to the server.
func (l *Log) MarkSynced(envID string) error {
	return l.updateStatus(envID, func(env *types.OperationEnvelope) {
		env.Status = types.StatusSynced
		env.LastError = ""
	})
}

// MarkFailed transitions an envelope to failed, records the error and bumps
// the retry counter.
func (l *Log) MarkFailed(envID, errMsg string) error {
	return l.updateStatus(envID, func(env *types.OperationEnvelope) {
		env.Status = types.StatusFailed
		env.LastError = errMsg
		env.RetryCount++
	})
}

// Requeue transitions a failed envelope back to pending. With resetRetries
// the retry counter is cleared (user-initiated retry).
func (l *Log) Requeue(envID string, resetRetries bool) error {
	return l.updateStatus(envID, func(env *types.OperationEnvelope) {
		env.Status = types.StatusPending
		if resetRetries {
			env.RetryCount = 0
			env.LastError = ""
		}
	})
}

func (l *Log) updateStatus(envID string, mutate func(*types.OperationEnvelope)) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEnvelopes)
		data := b.Get([]byte(envID))
		if data == nil {
			return ErrNotFound
		}
		var env types.OperationEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			return err
		}
		mutate(&env)
		out, err := json.Marshal(&env)
		if err != nil {
			return err
		}
		return b.Put([]byte(envID), out)
	})
}

// RemapID rewrites references to a temporary node id in every non-synced
// envelope of a namespace. This is the one sanctioned payload mutation; it
// happens when the server assigns real ids for client placeholders.
func (l *Log) RemapID(namespace, tempID, realID string) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEnvelopes)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var env types.OperationEnvelope
			if err := json.Unmarshal(v, &env); err != nil {
				return err
			}
			if env.Namespace != namespace || env.Status == types.StatusSynced {
				continue
			}
			if !remapOp(&env.Op, tempID, realID) {
				continue
			}
			out, err := json.Marshal(&env)
			if err != nil {
				return err
			}
			if err := b.Put(k, out); err != nil {
				return err
			}
		}
		return nil
	})
}

func remapOp(op *types.Operation, tempID, realID string) bool {
	changed := false
	for _, f := range []*string{&op.ID, &op.ParentID, &op.NodeID, &op.ToFolderID, &op.FolderID} {
		if *f == tempID {
			*f = realID
			changed = true
		}
	}
	return changed
}

// Reset drops every stored envelope. Used by the database reset recovery
// path.
func (l *Log) Reset() error {
	return l.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketEnvelopes); err != nil {
			return err
		}
		_, err := tx.CreateBucket(bucketEnvelopes)
		return err
	})
}

package cache

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketConversations = []byte("conversations")
	bucketMessages      = []byte("messages")
	bucketContacts      = []byte("contacts")
)

// Bolt stores each dataset of the snapshot in its own bucket. The database
// is opened per operation so other processes (the cache CLI) can read it
// while the server runs.
type Bolt struct {
	path string
}

// NewBolt returns a bolt backend at path, creating parent directories.
func NewBolt(path string) (*Bolt, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return &Bolt{path: path}, nil
}

func (b *Bolt) Name() string { return BackendBolt }

func (b *Bolt) open(timeout time.Duration) (*bolt.DB, error) {
	return bolt.Open(b.path, 0o600, &bolt.Options{Timeout: timeout})
}

func (b *Bolt) Load(context.Context) (*Snapshot, error) {
	if _, err := os.Stat(b.path); os.IsNotExist(err) {
		return nil, nil
	}
	db, err := b.open(time.Second)
	if err != nil {
		return nil, err
	}
	defer func() { _ = db.Close() }()

	snap := &Snapshot{}
	snap.normalize()
	found := false
	err = db.View(func(tx *bolt.Tx) error {
		if bk := tx.Bucket(bucketConversations); bk != nil {
			found = true
			if err := bk.ForEach(func(_, v []byte) error {
				var c Conversation
				if json.Unmarshal(v, &c) != nil {
					// Skip malformed entries instead of failing the whole load
					return nil
				}
				snap.Conversations = append(snap.Conversations, c)
				return nil
			}); err != nil {
				return err
			}
		}
		if bk := tx.Bucket(bucketMessages); bk != nil {
			found = true
			if err := bk.ForEach(func(k, v []byte) error {
				var msgs []Message
				if json.Unmarshal(v, &msgs) != nil {
					return nil
				}
				snap.Messages[string(k)] = msgs
				return nil
			}); err != nil {
				return err
			}
		}
		if bk := tx.Bucket(bucketContacts); bk != nil {
			found = true
			return bk.ForEach(func(k, v []byte) error {
				var c Contact
				if json.Unmarshal(v, &c) != nil {
					return nil
				}
				snap.Contacts[string(k)] = c
				return nil
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	sort.Slice(snap.Conversations, func(i, j int) bool {
		return snap.Conversations[i].ID < snap.Conversations[j].ID
	})
	return snap, nil
}

// recreateBucket drops name if present so the bucket reflects the given
// snapshot exactly.
func recreateBucket(tx *bolt.Tx, name []byte) (*bolt.Bucket, error) {
	if tx.Bucket(name) != nil {
		if err := tx.DeleteBucket(name); err != nil {
			return nil, err
		}
	}
	return tx.CreateBucket(name)
}

func putJSON(bk *bolt.Bucket, key string, v any) error {
	enc, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return bk.Put([]byte(key), enc)
}

func (b *Bolt) Save(_ context.Context, snap Snapshot) error {
	db, err := b.open(2 * time.Second)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	return db.Update(func(tx *bolt.Tx) error {
		convs, err := recreateBucket(tx, bucketConversations)
		if err != nil {
			return err
		}
		for _, c := range snap.Conversations {
			if err := putJSON(convs, strconv.Itoa(c.ID), c); err != nil {
				return err
			}
		}

		msgs, err := recreateBucket(tx, bucketMessages)
		if err != nil {
			return err
		}
		for k, list := range snap.Messages {
			if err := putJSON(msgs, k, list); err != nil {
				return err
			}
		}

		contacts, err := recreateBucket(tx, bucketContacts)
		if err != nil {
			return err
		}
		for k, c := range snap.Contacts {
			if err := putJSON(contacts, k, c); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *Bolt) Clear(context.Context) error {
	if _, err := os.Stat(b.path); os.IsNotExist(err) {
		return nil
	}
	db, err := b.open(2 * time.Second)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	return db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketConversations, bucketMessages, bucketContacts} {
			if tx.Bucket(name) == nil {
				continue
			}
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *Bolt) Close() error { return nil }

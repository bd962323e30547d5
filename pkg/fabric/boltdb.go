package fabric

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/cuemby/topofabric/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var bucketObjects = []byte("objects")

// BoltClient is a fabric client persisting objects in BoltDB. It stands in
// for the controller of a physical fabric and is not transactional with the
// topology store.
type BoltClient struct {
	db *bolt.DB
}

// NewBoltClient opens the fabric database in dataDir
func NewBoltClient(dataDir string) (*BoltClient, error) {
	db, err := bolt.Open(filepath.Join(dataDir, "fabric.db"), 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open fabric database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketObjects)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket %s: %w", bucketObjects, err)
	}
	return &BoltClient{db: db}, nil
}

// Close closes the database
func (c *BoltClient) Close() error {
	return c.db.Close()
}

func (c *BoltClient) Get(ctx context.Context, ref types.Ref) (*types.Object, error) {
	var obj types.Object
	err := c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketObjects).Get([]byte(ref.Key()))
		if data == nil {
			return fmt.Errorf("%w: %s", types.ErrNotFound, ref)
		}
		return json.Unmarshal(data, &obj)
	})
	if err != nil {
		return nil, err
	}
	return &obj, nil
}

func (c *BoltClient) Create(ctx context.Context, obj *types.Object, overwrite bool) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketObjects)
		if b.Get([]byte(obj.Key())) != nil && !overwrite {
			return nil
		}
		return putObject(b, obj)
	})
}

func (c *BoltClient) Update(ctx context.Context, obj *types.Object) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketObjects)
		if b.Get([]byte(obj.Key())) == nil {
			return fmt.Errorf("%w: %s", types.ErrNotFound, obj.Ref)
		}
		return putObject(b, obj)
	})
}

func (c *BoltClient) Delete(ctx context.Context, ref types.Ref, cascade bool) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketObjects)
		if cascade {
			var children [][]byte
			err := b.ForEach(func(k, v []byte) error {
				var obj types.Object
				if err := json.Unmarshal(v, &obj); err != nil {
					return err
				}
				if IsChildOf(&obj, ref) {
					children = append(children, append([]byte(nil), k...))
				}
				return nil
			})
			if err != nil {
				return err
			}
			for _, k := range children {
				if err := b.Delete(k); err != nil {
					return err
				}
			}
		}
		return b.Delete([]byte(ref.Key()))
	})
}

func (c *BoltClient) Find(ctx context.Context, filter Filter) ([]*types.Object, error) {
	var out []*types.Object
	err := c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketObjects).ForEach(func(k, v []byte) error {
			var obj types.Object
			if err := json.Unmarshal(v, &obj); err != nil {
				return err
			}
			if filter.Match(&obj) {
				out = append(out, &obj)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortObjects(out)
	return out, nil
}

func putObject(b *bolt.Bucket, obj *types.Object) error {
	stored := obj.Clone()
	if stored.SyncStatus == "" {
		stored.SyncStatus = types.SyncStatusSynced
	}
	data, err := json.Marshal(stored)
	if err != nil {
		return err
	}
	return b.Put([]byte(stored.Key()), data)
}

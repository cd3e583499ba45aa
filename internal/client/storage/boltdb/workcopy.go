package boltdb

import (
	"context"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/iudanet/dockeeper/internal/client/storage"
)

// SaveWorkingCopy stores wc keyed by its directory
func (s *Storage) SaveWorkingCopy(ctx context.Context, wc *storage.WorkingCopy) error {
	if wc.Dir == "" {
		return fmt.Errorf("working copy without directory")
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketWorkingCopies)
		if bucket == nil {
			return fmt.Errorf("working copies bucket not found")
		}

		data, err := json.Marshal(wc)
		if err != nil {
			return fmt.Errorf("failed to marshal working copy: %w", err)
		}

		if err := bucket.Put([]byte(wc.Dir), data); err != nil {
			return fmt.Errorf("failed to save working copy: %w", err)
		}
		return nil
	})
}

// GetWorkingCopy returns the record of dir
func (s *Storage) GetWorkingCopy(ctx context.Context, dir string) (*storage.WorkingCopy, error) {
	var wc *storage.WorkingCopy

	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketWorkingCopies)
		if bucket == nil {
			return fmt.Errorf("working copies bucket not found")
		}

		data := bucket.Get([]byte(dir))
		if data == nil {
			return storage.ErrWorkingCopyNotFound
		}

		wc = &storage.WorkingCopy{}
		if err := json.Unmarshal(data, wc); err != nil {
			return fmt.Errorf("failed to unmarshal working copy %s: %w", dir, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return wc, nil
}

// DeleteWorkingCopy forgets dir
func (s *Storage) DeleteWorkingCopy(ctx context.Context, dir string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketWorkingCopies)
		if bucket == nil {
			return fmt.Errorf("working copies bucket not found")
		}

		if bucket.Get([]byte(dir)) == nil {
			return storage.ErrWorkingCopyNotFound
		}

		if err := bucket.Delete([]byte(dir)); err != nil {
			return fmt.Errorf("failed to delete working copy: %w", err)
		}
		return nil
	})
}

// ListWorkingCopies returns all records; bbolt keeps keys sorted, so the result is ordered by directory
func (s *Storage) ListWorkingCopies(ctx context.Context) ([]*storage.WorkingCopy, error) {
	result := make([]*storage.WorkingCopy, 0)

	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketWorkingCopies)
		if bucket == nil {
			return fmt.Errorf("working copies bucket not found")
		}

		return bucket.ForEach(func(k, v []byte) error {
			wc := &storage.WorkingCopy{}
			if err := json.Unmarshal(v, wc); err != nil {
				return fmt.Errorf("failed to unmarshal working copy %s: %w", k, err)
			}
			result = append(result, wc)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

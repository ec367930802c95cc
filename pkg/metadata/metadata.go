// Package metadata persists a guest's merge jobs and volume chain
// snapshots to a local bbolt database, so an agent restart can
// reconstruct the jobs table that query_jobs resumes on its next tick.
package metadata

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketJobs        = []byte("merge_jobs")
	bucketVolumeChain = []byte("volume_chains")
)

// MergeJobRecord is the persisted shape of a merger.MergeJob, kept free
// of the merger package's in-memory types so metadata has no import
// cycle back onto it.
type MergeJobRecord struct {
	ID        string `json:"id"`
	DomainID  string `json:"domain_id"`
	DriveName string `json:"drive_name"`
	PoolID    string `json:"pool_id"`
	ImageID   string `json:"image_id"`
	VolumeID  string `json:"volume_id"`
	Base      string `json:"base"`
	Top       string `json:"top"`
	Gone      bool   `json:"gone"`
}

// VolumeChainRecord is a persisted snapshot of a drive's volume chain,
// base first.
type VolumeChainRecord struct {
	DomainID string                   `json:"domain_id"`
	DriveName string                  `json:"drive_name"`
	Entries  []VolumeChainEntryRecord `json:"entries"`
}

// VolumeChainEntryRecord mirrors drive.VolumeChainEntry for storage.
type VolumeChainEntryRecord struct {
	Path        string `json:"path"`
	VolumeID    string `json:"volume_id"`
	LeasePath   string `json:"lease_path,omitempty"`
	LeaseOffset int64  `json:"lease_offset,omitempty"`
}

// Store is a bbolt-backed persistence layer for merge jobs and volume
// chain snapshots.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if absent) the metadata database under dataDir.
func Open(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "diskwatch.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("metadata: open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketJobs, bucketVolumeChain} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("metadata: create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func jobKey(domainID, jobID string) []byte {
	return []byte(domainID + "/" + jobID)
}

// PutJob persists or overwrites a merge job record. Called when a job
// is tracked and on every gone flip; untracking calls DeleteJob.
func (s *Store) PutJob(job MergeJobRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		data, err := json.Marshal(job)
		if err != nil {
			return err
		}
		return b.Put(jobKey(job.DomainID, job.ID), data)
	})
}

// DeleteJob removes a job record, called when a job is untracked.
func (s *Store) DeleteJob(domainID, jobID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).Delete(jobKey(domainID, jobID))
	})
}

// ListJobs returns every persisted job for domainID, used to reload the
// jobs table on agent restart.
func (s *Store) ListJobs(domainID string) ([]MergeJobRecord, error) {
	prefix := []byte(domainID + "/")
	var jobs []MergeJobRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketJobs).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var job MergeJobRecord
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			jobs = append(jobs, job)
		}
		return nil
	})
	return jobs, err
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

func chainKey(domainID, driveName string) []byte {
	return []byte(domainID + "/" + driveName)
}

// PutVolumeChain persists a drive's current volume chain snapshot.
func (s *Store) PutVolumeChain(rec VolumeChainRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketVolumeChain)
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put(chainKey(rec.DomainID, rec.DriveName), data)
	})
}

// GetVolumeChain loads a drive's last persisted volume chain snapshot.
func (s *Store) GetVolumeChain(domainID, driveName string) (VolumeChainRecord, bool, error) {
	var rec VolumeChainRecord
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketVolumeChain).Get(chainKey(domainID, driveName))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &rec)
	})
	return rec, found, err
}

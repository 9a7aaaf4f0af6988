package campaign

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/velmik/coldsend/internal/dispatch"
)

var (
	bucketCampaigns    = []byte("campaigns")
	bucketOutcomes     = []byte("outcomes")
	bucketUnsubscribes = []byte("unsubscribes")
)

// Store persists campaigns, per-recipient send outcomes and the
// unsubscribe suppression list in BoltDB.
type Store struct {
	db *bolt.DB
}

// unsubscribeRecord is the stored suppression entry.
type unsubscribeRecord struct {
	CampaignID string    `json:"campaign_id"`
	At         time.Time `json:"at"`
}

// NewStore opens (creating if needed) the BoltDB file at path.
func NewStore(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketCampaigns, bucketOutcomes, bucketUnsubscribes} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
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

// Save writes the campaign record.
func (s *Store) Save(c *Campaign) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("failed to marshal campaign: %w", err)
		}
		return tx.Bucket(bucketCampaigns).Put([]byte(c.ID), data)
	})
}

// Get retrieves a campaign by id. Returns nil, nil when not found.
func (s *Store) Get(id string) (*Campaign, error) {
	var c *Campaign

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCampaigns).Get([]byte(id))
		if data == nil {
			return nil
		}
		c = &Campaign{}
		return json.Unmarshal(data, c)
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// List returns all campaigns.
func (s *Store) List() ([]*Campaign, error) {
	var campaigns []*Campaign

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCampaigns).ForEach(func(k, v []byte) error {
			var c Campaign
			if err := json.Unmarshal(v, &c); err != nil {
				return nil // skip invalid entries
			}
			campaigns = append(campaigns, &c)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return campaigns, nil
}

// SaveOutcomes persists the per-recipient results of one send run.
func (s *Store) SaveOutcomes(campaignID string, results []dispatch.Outcome) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(results)
		if err != nil {
			return fmt.Errorf("failed to marshal outcomes: %w", err)
		}
		return tx.Bucket(bucketOutcomes).Put([]byte(campaignID), data)
	})
}

// Outcomes returns the stored results for a campaign's last run.
func (s *Store) Outcomes(campaignID string) ([]dispatch.Outcome, error) {
	var results []dispatch.Outcome

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketOutcomes).Get([]byte(campaignID))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &results)
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// Unsubscribe records an address on the suppression list.
func (s *Store) Unsubscribe(email, campaignID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(unsubscribeRecord{
			CampaignID: campaignID,
			At:         time.Now(),
		})
		if err != nil {
			return err
		}
		return tx.Bucket(bucketUnsubscribes).Put([]byte(email), data)
	})
}

// IsUnsubscribed reports whether an address is suppressed.
func (s *Store) IsUnsubscribed(email string) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(bucketUnsubscribes).Get([]byte(email)) != nil
		return nil
	})
	return found, err
}

package storage

import (
	"bytes"
	"fmt"

	"github.com/supabase-community/supabase-go"
)

// Store wraps the Supabase client for the three things the server needs from
// it: object upload (call recordings), object download (playbooks) and table
// inserts (usage ledger).
type Store struct {
	client *supabase.Client
	bucket string
}

// New connects to a Supabase project. bucket is the default object bucket.
func New(url, serviceRoleKey, bucket string) (*Store, error) {
	if url == "" || serviceRoleKey == "" {
		return nil, fmt.Errorf("storage: SUPABASE_URL and SUPABASE_SERVICE_ROLE_KEY required")
	}
	client, err := supabase.NewClient(url, serviceRoleKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("storage: create client: %w", err)
	}
	return &Store{client: client, bucket: bucket}, nil
}

// Upload writes an object into the configured bucket.
func (s *Store) Upload(key string, data []byte) error {
	_, err := s.client.Storage.UploadFile(s.bucket, key, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("storage: upload %s: %w", key, err)
	}
	return nil
}

// Download reads an object from the configured bucket.
func (s *Store) Download(path string) ([]byte, error) {
	data, err := s.client.Storage.DownloadFile(s.bucket, path)
	if err != nil {
		return nil, fmt.Errorf("storage: download %s: %w", path, err)
	}
	return data, nil
}

// Insert adds one row to a table.
func (s *Store) Insert(table string, record any) error {
	_, _, err := s.client.From(table).Insert(record, false, "", "", "").Execute()
	if err != nil {
		return fmt.Errorf("storage: insert into %s: %w", table, err)
	}
	return nil
}

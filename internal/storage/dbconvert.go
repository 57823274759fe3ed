package storage

import (
	"encoding/json"
	"fmt"
	"math"
	"quota/internal/models"
	"time"
)

// marshalBucket converts a bucket to the JSON document stored by the redis backend.
func marshalBucket(bucket *models.ClientBucket) ([]byte, error) {
	if bucket == nil {
		return nil, fmt.Errorf("marshal bucket: nil bucket")
	}
	return json.Marshal(bucket)
}

// unmarshalBucket parses a stored JSON document. A document that does not
// describe a sane bucket is an error, never an absent bucket: treating it as
// absent would hand the client a fresh full bucket.
func unmarshalBucket(data []byte) (*models.ClientBucket, error) {
	var bucket models.ClientBucket
	if err := json.Unmarshal(data, &bucket); err != nil {
		return nil, fmt.Errorf("unmarshal bucket: %w", err)
	}
	if err := checkBucket(&bucket); err != nil {
		return nil, fmt.Errorf("unmarshal bucket: %w", err)
	}
	return &bucket, nil
}

// checkBucket rejects states no writer could have produced.
func checkBucket(bucket *models.ClientBucket) error {
	if math.IsNaN(bucket.Tokens) || math.IsInf(bucket.Tokens, 0) || bucket.Tokens < 0 {
		return fmt.Errorf("invalid token count %v", bucket.Tokens)
	}
	if bucket.TotalGranted < 0 {
		return fmt.Errorf("invalid total granted %d", bucket.TotalGranted)
	}
	return nil
}

// bucketFromRow builds a bucket from SQL columns; refill time is stored as
// unix microseconds so both SQL backends share one representation.
func bucketFromRow(tokens float64, lastRefillMicros, totalGranted int64) (*models.ClientBucket, error) {
	bucket := &models.ClientBucket{
		Tokens:       tokens,
		LastRefillAt: time.UnixMicro(lastRefillMicros).UTC(),
		TotalGranted: totalGranted,
	}
	if err := checkBucket(bucket); err != nil {
		return nil, err
	}
	return bucket, nil
}

package bucketing

import (
	"hash"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"

	"account-security/internal/config"
)

// BucketingManager spreads partition keys evenly across a fixed number of buckets.
type BucketingManager struct {
	accountBuckets int
	eventBuckets   int
	hasherPool     sync.Pool
}

type BucketAssignment struct {
	AccountBucket int    `json:"account_bucket"`
	EventBucket   int    `json:"event_bucket"`
	DateBucket    string `json:"date_bucket"`
}

func NewBucketingManager(cfg config.BucketingConfig) *BucketingManager {
	bm := &BucketingManager{
		accountBuckets: max(cfg.AccountBuckets, 1),
		eventBuckets:   max(cfg.EventBuckets, 1),
	}
	bm.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}
	return bm
}

// AccountBucket returns the bucket (0 to AccountBuckets-1) for an account id.
func (bm *BucketingManager) AccountBucket(accountID string) int {
	return bm.bucket(accountID, bm.accountBuckets)
}

// EventBucket returns the bucket for a security event partition key.
func (bm *BucketingManager) EventBucket(identifier string) int {
	return bm.bucket(identifier, bm.eventBuckets)
}

// DateBucket returns the UTC calendar day of t.
func (bm *BucketingManager) DateBucket(t time.Time) string {
	return t.UTC().Format(time.DateOnly)
}

func (bm *BucketingManager) Assignment(accountID string, at time.Time) BucketAssignment {
	return BucketAssignment{
		AccountBucket: bm.AccountBucket(accountID),
		EventBucket:   bm.EventBucket(accountID),
		DateBucket:    bm.DateBucket(at),
	}
}

func (bm *BucketingManager) AccountBuckets() int {
	return bm.accountBuckets
}

func (bm *BucketingManager) EventBuckets() int {
	return bm.eventBuckets
}

func (bm *BucketingManager) bucket(key string, n int) int {
	return int(bm.hash(key) % uint64(n))
}

func (bm *BucketingManager) hash(key string) uint64 {
	hasher := bm.hasherPool.Get().(hash.Hash64)
	defer bm.hasherPool.Put(hasher)

	hasher.Reset()
	_, _ = hasher.Write([]byte(key))
	return hasher.Sum64()
}

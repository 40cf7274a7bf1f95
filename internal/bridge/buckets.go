package bridge

import (
	"context"
	"fmt"
	"time"

	"github.com/karlseguin/ccache/v2"
	"golang.org/x/sync/singleflight"

	"github.com/drausal/b2-reverse-proxy/internal/b2"
	"github.com/drausal/b2-reverse-proxy/internal/backend"
)

// bucketCache resolves S3 bucket names to backend bucket ids. Entries are
// cached with a bounded TTL; concurrent misses for the same name collapse
// into one b2_list_buckets call.
type bucketCache struct {
	client *b2.Client
	cache  *ccache.Cache
	ttl    time.Duration
	group  singleflight.Group
}

func newBucketCache(client *b2.Client, ttl time.Duration) *bucketCache {
	return &bucketCache{
		client: client,
		cache:  ccache.New(ccache.Configure().MaxSize(4096)),
		ttl:    ttl,
	}
}

// resolve returns the bucket for name or backend.ErrNoSuchBucket.
func (c *bucketCache) resolve(ctx context.Context, name string) (b2.Bucket, error) {
	if item := c.cache.Get(name); item != nil && !item.Expired() {
		return item.Value().(b2.Bucket), nil
	}

	v, err, _ := c.group.Do(name, func() (any, error) {
		buckets, err := c.client.ListBuckets(ctx)
		if err != nil {
			return nil, err
		}
		var found *b2.Bucket
		for i, bkt := range buckets {
			c.cache.Set(bkt.Name, bkt, c.ttl)
			if bkt.Name == name {
				found = &buckets[i]
			}
		}
		if found == nil {
			return nil, fmt.Errorf("resolve bucket %q: %w", name, backend.ErrNoSuchBucket)
		}
		return *found, nil
	})
	if err != nil {
		return b2.Bucket{}, err
	}
	return v.(b2.Bucket), nil
}

// store records a bucket the proxy just created or listed.
func (c *bucketCache) store(bkt b2.Bucket) {
	c.cache.Set(bkt.Name, bkt, c.ttl)
}

// invalidate drops a name after bucket deletion.
func (c *bucketCache) invalidate(name string) {
	c.cache.Delete(name)
}

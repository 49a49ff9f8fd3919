package cache

import (
	"strings"
	"time"

	functiondomain "github.com/openmetron/metron/internal/function/domain"
)

// The TTL bounds how long a suspended or deleted function keeps serving
// through a stale entry. Deploys and deletes invalidate eagerly, state
// flips from the collector rely on expiry alone.
const descriptorTTL = 5 * time.Second

// DescriptorCache stores hot-path function lookups for invoke routing.
type DescriptorCache interface {
	Get(name string) (*functiondomain.FunctionDescriptor, bool)
	Set(fn *functiondomain.FunctionDescriptor)
	Invalidate(name string)
}

type descriptorCache struct {
	descriptors Cache[string, *functiondomain.FunctionDescriptor]
	ttl         time.Duration
}

// NewDescriptorCache returns an in-memory cache tuned for invoke routing.
func NewDescriptorCache() DescriptorCache {
	return &descriptorCache{
		descriptors: NewTTLCache[string, *functiondomain.FunctionDescriptor](),
		ttl:         descriptorTTL,
	}
}

func (c *descriptorCache) Get(name string) (*functiondomain.FunctionDescriptor, bool) {
	return c.descriptors.Get(cacheKey(name))
}

func (c *descriptorCache) Set(fn *functiondomain.FunctionDescriptor) {
	if fn == nil || fn.Name == "" {
		return
	}
	c.descriptors.Set(cacheKey(fn.Name), fn, c.ttl)
}

func (c *descriptorCache) Invalidate(name string) {
	c.descriptors.Delete(cacheKey(name))
}

func cacheKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

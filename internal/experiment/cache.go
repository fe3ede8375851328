package experiment

import (
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// assignmentCache is an advisory (testID, userID) -> variantID cache. A miss
// always falls through to the store. A nil cache is valid and never hits.
type assignmentCache struct {
	entries *lru.Cache[string, string]
}

func newAssignmentCache(size int) (*assignmentCache, error) {
	if size <= 0 {
		return nil, nil
	}
	entries, err := lru.New[string, string](size)
	if err != nil {
		return nil, err
	}
	return &assignmentCache{entries: entries}, nil
}

func cacheKey(testID, userID string) string {
	return testID + "\x00" + userID
}

func (c *assignmentCache) get(testID, userID string) (string, bool) {
	if c == nil {
		return "", false
	}
	variantID, ok := c.entries.Get(cacheKey(testID, userID))
	if ok {
		cacheLookups.WithLabelValues("hit").Inc()
	} else {
		cacheLookups.WithLabelValues("miss").Inc()
	}
	return variantID, ok
}

func (c *assignmentCache) add(testID, userID, variantID string) {
	if c == nil {
		return
	}
	c.entries.Add(cacheKey(testID, userID), variantID)
}

// purgeTest drops every entry belonging to testID.
func (c *assignmentCache) purgeTest(testID string) {
	if c == nil {
		return
	}
	prefix := testID + "\x00"
	for _, key := range c.entries.Keys() {
		if strings.HasPrefix(key, prefix) {
			c.entries.Remove(key)
		}
	}
}

func (c *assignmentCache) len() int {
	if c == nil {
		return 0
	}
	return c.entries.Len()
}

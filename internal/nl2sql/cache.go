package nl2sql

import (
	"context"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
)

// CachingTranslator memoizes translations for identical prompts over the same
// schema.
type CachingTranslator struct {
	next  Translator
	cache *cache.Cache
}

func NewCachingTranslator(next Translator, ttl time.Duration) *CachingTranslator {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &CachingTranslator{
		next:  next,
		cache: cache.New(ttl, 2*ttl),
	}
}

func (c *CachingTranslator) Translate(ctx context.Context, req Request) (Result, error) {
	key := cacheKey(req)
	if cached, found := c.cache.Get(key); found {
		result := cached.(Result)
		result.Cached = true
		return result, nil
	}

	result, err := c.next.Translate(ctx, req)
	if err != nil {
		return Result{}, err
	}
	c.cache.Set(key, result, cache.DefaultExpiration)
	return result, nil
}

func (c *CachingTranslator) Len() int {
	return c.cache.ItemCount()
}

func cacheKey(req Request) string {
	var b strings.Builder
	b.WriteString("prompt:")
	b.WriteString(strings.ToLower(strings.Join(strings.Fields(req.NaturalLanguage), " ")))
	b.WriteString("|dialect:")
	b.WriteString(strings.ToLower(req.Dialect))
	for _, table := range req.Tables {
		b.WriteString("|")
		b.WriteString(table.TableName)
		b.WriteString("(")
		b.WriteString(strings.Join(table.Columns, ","))
		b.WriteString(")")
	}
	return b.String()
}

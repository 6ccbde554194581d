package backend

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/lh20005/geo-xi-tong-sub013/internal/service/publisher"
)

// ArticleSource loads the articles to publish.
type ArticleSource interface {
	GetArticle(ctx context.Context, userID, articleID string) (publisher.Article, error)
}

// CachedArticles keeps fetched articles for ttl. A batch publishes several
// articles for one user and a retried task fetches the same article again.
type CachedArticles struct {
	source ArticleSource
	cache  *cache.Cache
}

func NewCachedArticles(source ArticleSource, ttl time.Duration) *CachedArticles {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &CachedArticles{source: source, cache: cache.New(ttl, 2*ttl)}
}

func (c *CachedArticles) GetArticle(ctx context.Context, userID, articleID string) (publisher.Article, error) {
	key := userID + "/" + articleID
	if v, ok := c.cache.Get(key); ok {
		return v.(publisher.Article), nil
	}

	a, err := c.source.GetArticle(ctx, userID, articleID)
	if err != nil {
		return publisher.Article{}, err
	}
	c.cache.Set(key, a, cache.DefaultExpiration)
	return a, nil
}

// Forget drops a cached article.
func (c *CachedArticles) Forget(userID, articleID string) {
	c.cache.Delete(userID + "/" + articleID)
}

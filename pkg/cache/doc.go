// Package cache stores directory responses in Redis so repeated lookups can be
// revalidated with conditional requests instead of being fetched again.
//
// GitHub answers If-None-Match / If-Modified-Since with 304 Not Modified when the
// resource is unchanged, and 304s are not charged against a credential's quota.
// A resumed batch that revisits handles therefore spends almost no quota on them.
//
// # Usage
//
//	manager := cache.NewManager(redisClient)
//	key, _ := cache.KeyFromURL("https://api.github.com/users/octocat")
//
//	entry, err := manager.Get(ctx, key)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// fetch without conditional headers
//	}
//	if cache.ShouldMakeConditionalRequest(entry) {
//		cache.AddConditionalHeaders(header, entry)
//	}
//
// The rate limit endpoint is never cached; quota is always read live.
package cache

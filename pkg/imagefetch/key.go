package imagefetch

import "net/url"

// CacheKey derives the cache key for u. A nil URL or one with an empty string
// form yields "", which callers must treat as "no usable key".
func CacheKey(u *url.URL, rewrite KeyRewriter) string {
	if u == nil {
		return ""
	}
	canonical := u.String()
	if canonical == "" {
		return ""
	}
	if rewrite != nil {
		return rewrite(u)
	}
	return canonical
}

// canonicalURL returns the identity used for the failed set, or "" if u is unusable.
func canonicalURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	return u.String()
}

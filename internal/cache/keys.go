package cache

import "strings"

// Key grammar:
//
//	<feature>:<discriminator>(:<dim>)*
//	<feature>:idx:<user_id>            index keys
//	quota:<kind>:<user_id>:<window>    quota keys
//
// Keys are hierarchical strings joined by ':'.

// Key joins parts into a hierarchical cache key
func Key(parts ...string) string {
	return strings.Join(parts, ":")
}

// IndexKey builds the index key grouping all of a user's entries for a
// feature. The index is the unit of bulk invalidation.
func IndexKey(feature, userID string) string {
	return Key(feature, "idx", userID)
}

// FeatureOf returns the leading feature segment of a key
func FeatureOf(key string) string {
	if i := strings.Index(key, ":"); i > 0 {
		return key[:i]
	}
	return key
}

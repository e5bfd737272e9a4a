// Package cache holds the capture cache store implementations. Each
// subpackage satisfies capture.Store and is selected by cache.backend.
package cache

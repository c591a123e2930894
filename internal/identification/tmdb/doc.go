// Package tmdb provides a minimal client for The Movie Database search API,
// used to classify user submissions into titles and categories.
package tmdb

// Package identity is the default "do nothing" client: every callback is
// left nil, so the translator's behavior is the unmodified, conservative
// identity translation spec.md §9's Open Question resolution describes.
// It exists for the isolation test family in spec.md §8 property 7 (a
// client that makes no changes must not be observable in the translated
// program's behavior).
package identity

import "github.com/go-granary/granary/client"

// New returns an all-nil Callbacks value.
func New() client.Callbacks {
	return client.Callbacks{}
}

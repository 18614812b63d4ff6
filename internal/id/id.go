// Package id generates short unique identifiers for stanzas and
// fan-out requests.
package id

import (
	gonanoid "github.com/matoous/go-nanoid/v2"
)

const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// Generate returns a 16-character alphanumeric nanoid. Stanza ids only
// need to be unique within one session, so 16 characters is plenty.
func Generate() string {
	id, err := gonanoid.Generate(alphabet, 16)
	if err != nil {
		// gonanoid only fails if crypto/rand does; nothing sensible to
		// do at a stanza-id call site.
		panic(err)
	}
	return id
}

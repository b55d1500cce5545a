// Package idgen provides short, URL-safe unique ID generation backed by nanoid.
package idgen

import (
	"fmt"

	nanoid "github.com/matoous/go-nanoid/v2"
)

// Prefixes for the ids the gateway mints.
const (
	EnvelopePrefix = "ev-"
	SessionPrefix  = "gs-"
	MessagePrefix  = "msg-"
)

// Alphabet defines the character set used for the random portion of the ID.
var Alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Length is the number of random characters generated (excluding the prefix).
var Length = 16

// Envelope returns a new envelope id.
func Envelope() (string, error) {
	return GenerateWithPrefix(EnvelopePrefix)
}

// Session returns a new gateway session id.
func Session() (string, error) {
	return GenerateWithPrefix(SessionPrefix)
}

// Message returns a new chat message id.
func Message() (string, error) {
	return GenerateWithPrefix(MessagePrefix)
}

// GenerateWithPrefix returns a new unique ID with the given prefix.
func GenerateWithPrefix(prefix string) (string, error) {
	id, err := nanoid.Generate(Alphabet, Length)
	if err != nil {
		return "", fmt.Errorf("idgen: %w", err)
	}
	return prefix + id, nil
}

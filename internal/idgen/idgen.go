// Package idgen provides short, URL-safe unique ID generation backed by nanoid.
package idgen

import (
	"fmt"

	nanoid "github.com/matoous/go-nanoid/v2"
)

// TaskPrefix is prepended to task IDs, UserPrefix to user IDs.
const (
	TaskPrefix = "tk-"
	UserPrefix = "us-"
)

// Alphabet defines the character set used for the random portion of the ID.
var Alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Length is the number of random characters generated (excluding the prefix).
var Length = 12

// NewTaskID returns a new unique task ID.
func NewTaskID() (string, error) {
	return generate(TaskPrefix)
}

// NewUserID returns a new unique user ID.
func NewUserID() (string, error) {
	return generate(UserPrefix)
}

// NewAPIKey returns a new API key: longer than an ID, no prefix.
func NewAPIKey() (string, error) {
	key, err := nanoid.Generate(Alphabet, 32)
	if err != nil {
		return "", fmt.Errorf("idgen: %w", err)
	}
	return key, nil
}

func generate(prefix string) (string, error) {
	id, err := nanoid.Generate(Alphabet, Length)
	if err != nil {
		return "", fmt.Errorf("idgen: %w", err)
	}
	return prefix + id, nil
}

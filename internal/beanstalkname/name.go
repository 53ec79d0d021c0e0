// Package beanstalkname validates tube names against the character set
// and length rules of the reference protocol.
package beanstalkname

import (
	"errors"
	"strings"
)

// Chars lists every byte a tube name may contain.
const Chars = `-+/;.$_()0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz`

const maxLen = 200

var (
	ErrEmpty   = errors.New("tube name is empty")
	ErrTooLong = errors.New("tube name is too long")
	ErrBadChar = errors.New("tube name has a disallowed character")
)

// Check validates a tube name, mirroring beanstalkd's own name rules:
// 1-200 bytes, drawn only from Chars.
func Check(name string) error {
	switch {
	case len(name) == 0:
		return ErrEmpty
	case len(name) > maxLen:
		return ErrTooLong
	case !containsOnly(name, Chars):
		return ErrBadChar
	}
	return nil
}

func containsOnly(s, chars string) bool {
	for _, r := range s {
		if !strings.ContainsRune(chars, r) {
			return false
		}
	}
	return true
}

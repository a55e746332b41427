package sanitize

import (
	"errors"
	"fmt"
	"regexp"
	"unicode"
	"unicode/utf8"
)

var (
	// ErrInvalidID indicates a user or session id is malformed.
	ErrInvalidID = errors.New("invalid identifier")

	// ErrInvalidDocumentName indicates a document name is empty or unsafe.
	ErrInvalidDocumentName = errors.New("invalid document name")
)

// MaxDocumentNameLength bounds document names.
const MaxDocumentNameLength = 255

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$`)

// collectionPattern matches names accepted by both vector store backends.
var collectionPattern = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)

// ValidateID checks a user or session id: 1-128 characters of letters,
// digits, '_', '.', '-', starting with a letter or digit.
func ValidateID(kind, id string) error {
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%w: %s %q", ErrInvalidID, kind, id)
	}
	return nil
}

// ValidateDocumentName checks that name is non-empty valid UTF-8 without
// control characters.
func ValidateDocumentName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty", ErrInvalidDocumentName)
	}
	if len(name) > MaxDocumentNameLength {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidDocumentName, MaxDocumentNameLength)
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("%w: invalid UTF-8", ErrInvalidDocumentName)
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: contains control characters", ErrInvalidDocumentName)
		}
	}
	return nil
}

// IsValidCollectionName reports whether name is usable as a collection name.
func IsValidCollectionName(name string) bool {
	return collectionPattern.MatchString(name)
}

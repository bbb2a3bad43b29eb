package validation

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	MaxPeerIDLength      = 64
	MaxDisplayNameLength = 64
	MaxFileNameLength    = 255
)

// ErrInvalid matches every error returned by this package.
var ErrInvalid = errors.New("invalid value")

var peerIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)

// FieldError names the offending field and what is wrong with it.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string { return e.Field + " " + e.Reason }

func (e *FieldError) Is(target error) bool { return target == ErrInvalid }

func invalid(field, format string, args ...interface{}) error {
	return &FieldError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ValidatePeerID accepts ids that are safe in a broker query string.
func ValidatePeerID(peerID string) error {
	switch {
	case peerID == "":
		return invalid("peer id", "is required")
	case len(peerID) > MaxPeerIDLength:
		return invalid("peer id", "is longer than %d characters", MaxPeerIDLength)
	case !peerIDPattern.MatchString(peerID):
		return invalid("peer id", "may only contain letters, digits, '-' and '_'")
	}
	return nil
}

func ValidateDisplayName(name string) error {
	if !utf8.ValidString(name) {
		return invalid("display name", "is not valid UTF-8")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return invalid("display name", "is required")
	}
	if n := utf8.RuneCountInString(name); n > MaxDisplayNameLength {
		return invalid("display name", "has %d characters, limit is %d", n, MaxDisplayNameLength)
	}
	return nil
}

// ValidateFileName rejects names that are blank, oversized or carry path
// separators or control characters.
func ValidateFileName(name string) error {
	if strings.TrimSpace(name) == "" {
		return invalid("file name", "is required")
	}
	if len(name) > MaxFileNameLength {
		return invalid("file name", "is longer than %d bytes", MaxFileNameLength)
	}
	if strings.ContainsAny(name, `/\`) {
		return invalid("file name", "must not contain path separators")
	}
	if strings.IndexFunc(name, unicode.IsControl) >= 0 {
		return invalid("file name", "must not contain control characters")
	}
	return nil
}

// ValidateURL checks raw is absolute with a host. With schemes given, the
// url must use one of them.
func ValidateURL(raw string, schemes ...string) error {
	if raw == "" {
		return invalid("url", "is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return invalid("url", "is malformed: %v", err)
	}
	if u.Host == "" {
		return invalid("url", "has no host")
	}
	if len(schemes) == 0 {
		return nil
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return invalid("url", "scheme %q is not one of %s", u.Scheme, strings.Join(schemes, ", "))
}

// Package validation checks the fields of an ABSENSI registration.
//
// Every function is total over its string input: it returns either the
// normalized value or an *Error naming the failed field and reason. Error
// messages are user-facing and are replied to the sender verbatim.
package validation

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Field and length limits
const (
	MinNISNLength  = 5
	MinNameLength  = 3
	MaxNameLength  = 100
	MinPhoneDigits = 10
	MaxPhoneDigits = 15

	// CountryPrefix is the normalized prefix for Indonesian numbers.
	CountryPrefix = "62"
)

// Field identifies which registration field failed.
type Field string

const (
	FieldNISN  Field = "nisn"
	FieldName  Field = "nama_orang_tua"
	FieldPhone Field = "no_hp"
)

// Reason is the named failure for a field.
type Reason string

const (
	ReasonTooShort   Reason = "too_short"
	ReasonTooLong    Reason = "too_long"
	ReasonNonNumeric Reason = "non_numeric"
	ReasonBadLength  Reason = "bad_length"
	ReasonBadPrefix  Reason = "bad_prefix"
)

// Error is a typed validation failure.
type Error struct {
	Field   Field
	Reason  Reason
	Message string // shown to the end user as-is
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func newError(field Field, reason Reason, msg string) *Error {
	return &Error{Field: field, Reason: reason, Message: msg}
}

// ValidateNISN trims raw and requires at least MinNISNLength digits.
func ValidateNISN(raw string) (string, error) {
	cleaned := strings.TrimSpace(raw)
	if len(cleaned) < MinNISNLength {
		return "", newError(FieldNISN, ReasonTooShort, "NISN minimal 5 digit")
	}
	if !isDigits(cleaned) {
		return "", newError(FieldNISN, ReasonNonNumeric, "NISN harus berupa angka")
	}
	return cleaned, nil
}

// ValidateName trims raw and bounds it to [MinNameLength, MaxNameLength] characters.
func ValidateName(raw string) (string, error) {
	cleaned := strings.TrimSpace(raw)
	n := utf8.RuneCountInString(cleaned)
	if n < MinNameLength {
		return "", newError(FieldName, ReasonTooShort, "Nama minimal 3 karakter")
	}
	if n > MaxNameLength {
		return "", newError(FieldName, ReasonTooLong, "Nama maksimal 100 karakter")
	}
	return cleaned, nil
}

// ValidatePhone strips whitespace, hyphens and plus signs, then requires
// 10-15 digits starting with "62" or "0". A leading "0" is replaced by "62".
func ValidatePhone(raw string) (string, error) {
	cleaned := stripPhone(raw)
	if len(cleaned) < MinPhoneDigits || len(cleaned) > MaxPhoneDigits || !isDigits(cleaned) {
		return "", newError(FieldPhone, ReasonBadLength, "Nomor HP harus 10-15 digit angka")
	}
	switch {
	case strings.HasPrefix(cleaned, CountryPrefix):
		return cleaned, nil
	case strings.HasPrefix(cleaned, "0"):
		return CountryPrefix + cleaned[1:], nil
	default:
		return "", newError(FieldPhone, ReasonBadPrefix, "Nomor HP harus diawali 62 atau 0")
	}
}

// Registration is a registration whose fields all passed validation.
// The zero value is never produced by this package.
type Registration struct {
	nisn       string
	parentName string
	phone      string
}

// NISN returns the validated student identifier.
func (r Registration) NISN() string { return r.nisn }

// ParentName returns the trimmed parent name.
func (r Registration) ParentName() string { return r.parentName }

// Phone returns the normalized phone number (always starts with "62").
func (r Registration) Phone() string { return r.phone }

// Validate runs NISN, name and phone validation in that order and stops at
// the first failure.
func Validate(nisnRaw, nameRaw, phoneRaw string) (Registration, error) {
	nisn, err := ValidateNISN(nisnRaw)
	if err != nil {
		return Registration{}, err
	}
	name, err := ValidateName(nameRaw)
	if err != nil {
		return Registration{}, err
	}
	phone, err := ValidatePhone(phoneRaw)
	if err != nil {
		return Registration{}, err
	}
	return Registration{nisn: nisn, parentName: name, phone: phone}, nil
}

func stripPhone(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r == '-' || r == '+' || unicode.IsSpace(r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

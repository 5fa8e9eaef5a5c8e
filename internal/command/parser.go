// Package command classifies inbound message bodies as ABSENSI commands.
package command

import (
	"strings"

	"github.com/RizDevStudio/bot/internal/models"
)

const (
	// Keyword is the command name recognized at the start of a body.
	Keyword = "ABSENSI"
	// Delimiter separates command fields.
	Delimiter = "#"

	// FieldsSenderPhone is the arity of ABSENSI#NISN#NAME.
	FieldsSenderPhone = 3
	// FieldsExplicitPhone is the arity of ABSENSI#NISN#NAME#PHONE.
	FieldsExplicitPhone = 4
)

// IsCommand reports whether body starts with the ABSENSI keyword followed by
// the delimiter, ignoring case and surrounding whitespace.
func IsCommand(body string) bool {
	prefix := Keyword + Delimiter
	body = strings.TrimSpace(body)
	return len(body) >= len(prefix) && strings.EqualFold(body[:len(prefix)], prefix)
}

// Parse classifies body. It never fails: unknown input is CommandUnrecognized
// and a wrong field count is CommandMalformedArity with the observed count.
func Parse(body string) models.ParsedCommand {
	body = strings.TrimSpace(body)
	if !IsCommand(body) {
		return models.ParsedCommand{Kind: models.CommandUnrecognized}
	}

	parts := strings.Split(body, Delimiter)
	switch len(parts) {
	case FieldsSenderPhone:
		return models.ParsedCommand{
			Kind:    models.CommandRegistration,
			Parts:   len(parts),
			NISNRaw: parts[1],
			NameRaw: parts[2],
		}
	case FieldsExplicitPhone:
		return models.ParsedCommand{
			Kind:     models.CommandRegistration,
			Parts:    len(parts),
			NISNRaw:  parts[1],
			NameRaw:  parts[2],
			PhoneRaw: parts[3],
			HasPhone: true,
		}
	default:
		return models.ParsedCommand{Kind: models.CommandMalformedArity, Parts: len(parts)}
	}
}

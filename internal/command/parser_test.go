package command

import (
	"testing"

	"github.com/RizDevStudio/bot/internal/models"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		expected models.ParsedCommand
	}{
		{
			name: "three fields uses sender phone",
			body: "ABSENSI#123456#Jane Doe",
			expected: models.ParsedCommand{
				Kind: models.CommandRegistration, Parts: 3, NISNRaw: "123456", NameRaw: "Jane Doe",
			},
		},
		{
			name: "four fields carries explicit phone",
			body: "ABSENSI#123456#Jane Doe#6281234567890",
			expected: models.ParsedCommand{
				Kind: models.CommandRegistration, Parts: 4, NISNRaw: "123456", NameRaw: "Jane Doe",
				PhoneRaw: "6281234567890", HasPhone: true,
			},
		},
		{
			name:     "two fields is malformed",
			body:     "ABSENSI#123456",
			expected: models.ParsedCommand{Kind: models.CommandMalformedArity, Parts: 2},
		},
		{
			name:     "five fields is malformed",
			body:     "ABSENSI#1#2#3#4",
			expected: models.ParsedCommand{Kind: models.CommandMalformedArity, Parts: 5},
		},
		{
			name: "lowercase keyword accepted",
			body: "  absensi#123456#Jane Doe  ",
			expected: models.ParsedCommand{
				Kind: models.CommandRegistration, Parts: 3, NISNRaw: "123456", NameRaw: "Jane Doe",
			},
		},
		{
			name:     "greeting is unrecognized",
			body:     "Halo pak",
			expected: models.ParsedCommand{Kind: models.CommandUnrecognized},
		},
		{
			name:     "keyword without delimiter is unrecognized",
			body:     "ABSENSI 123456",
			expected: models.ParsedCommand{Kind: models.CommandUnrecognized},
		},
		{
			name:     "empty body",
			body:     "",
			expected: models.ParsedCommand{Kind: models.CommandUnrecognized},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Parse(tt.body)
			if got != tt.expected {
				t.Errorf("Parse(%q) = %+v, want %+v", tt.body, got, tt.expected)
			}
		})
	}
}

func TestIsCommand(t *testing.T) {
	if !IsCommand("Absensi#1#2") {
		t.Error("expected mixed-case keyword to be recognized")
	}
	if IsCommand("ABSEN#1#2") {
		t.Error("expected truncated keyword to be rejected")
	}
}

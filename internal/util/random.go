// Package util provides small helpers shared across the bot's components.
package util

import (
	"math/rand/v2"
	"strings"
	"time"
)

// GenerateRandomID generates a random ID with the specified prefix and hex length.
// The returned ID will be in the format: "{prefix}{hex_string}".
func GenerateRandomID(prefix string, hexLength int) string {
	return prefix + GenerateRandomHex(hexLength)
}

// GenerateRandomHex generates a random hexadecimal string of the specified length.
// Not suitable for secrets.
func GenerateRandomHex(length int) string {
	if length <= 0 {
		return ""
	}

	const hexChars = "0123456789abcdef"
	var builder strings.Builder
	builder.Grow(length)

	for i := 0; i < length; i++ {
		builder.WriteByte(hexChars[rand.IntN(16)])
	}

	return builder.String()
}

// GenerateJobID generates an outbound job ID with "job_" prefix.
func GenerateJobID() string {
	return GenerateRandomID("job_", 16)
}

// GenerateSweepID generates a recovery sweep ID with "sweep_" prefix.
func GenerateSweepID() string {
	return GenerateRandomID("sweep_", 8)
}

// RandomDuration returns a duration drawn uniformly from [min, max].
// If max <= min, min is returned.
func RandomDuration(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + rand.N(max-min+1)
}

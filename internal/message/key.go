package message

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// KeyVersion is the current cache key version. Bumping it invalidates
// every existing cache entry without touching files on disk.
const KeyVersion = "v1"

// Key derives the deterministic cache key for a text/voice/params
// combination. Any change to the text, the voice, or a synthesis
// parameter produces a different key.
func Key(text, voice string, params Params) string {
	input := fmt.Sprintf("%s|%s|%.3f|%.3f|%.3f|%d",
		normalizeText(text),
		normalizeVoice(voice),
		params.Speed,
		params.Temperature,
		params.RepetitionPenalty,
		params.MaxTokens,
	)

	hash := sha256.Sum256([]byte(input))

	return fmt.Sprintf("%s_%s", KeyVersion, hex.EncodeToString(hash[:]))
}

// normalizeText collapses runs of whitespace so that messages differing
// only in spacing share one cache entry.
func normalizeText(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

func normalizeVoice(voice string) string {
	return strings.ToLower(strings.TrimSpace(voice))
}

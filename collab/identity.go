package collab

import (
	"crypto/sha256"
	"encoding/hex"
	"hash/fnv"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	defaultDisplayName = "Guest"
	maxDisplayNameLen  = 64
)

var palette = []string{
	"#e03131", "#2f9e44", "#1971c2", "#f08c00",
	"#9c36b5", "#0c8599", "#e8590c", "#66a80f",
	"#3b5bdb", "#c2255c", "#099268", "#5f3dc4",
}

// ParticipantID derives the session-scoped participant identifier from the
// transport identity and the join time. The hash is one-way so the transport id
// cannot be recovered from, nor guessed out of, what peers see.
func ParticipantID(transportID string, joinedAt time.Time) string {
	sum := sha256.Sum256([]byte(transportID + "|" + strconv.FormatInt(joinedAt.UnixNano(), 10)))
	return hex.EncodeToString(sum[:8])
}

// ColorFor maps a participant id onto the palette.
func ColorFor(participantID string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(participantID))
	return palette[h.Sum32()%uint32(len(palette))]
}

func normalizeDisplayName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return defaultDisplayName
	}
	if utf8.RuneCountInString(name) > maxDisplayNameLen {
		runes := []rune(name)
		name = string(runes[:maxDisplayNameLen])
	}
	return name
}

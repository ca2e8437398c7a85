// Package cursor encodes and decodes the opaque pull resumption token.
//
// A token wraps the freshness value and record id of the last row a client
// consumed: base64url("<RFC3339Nano freshness>|<record id>"). Timestamps never
// contain the separator, so the token is split on its first occurrence and
// record ids may contain it freely.
package cursor

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Separator delimits the freshness value from the record id.
const Separator = "|"

// ErrInvalidCursor is returned for tokens that cannot be decoded into a position.
var ErrInvalidCursor = errors.New("invalid cursor")

// Position is the (freshness, record id) pair a cursor points after.
type Position struct {
	Freshness time.Time
	RecordID  string
}

// decoders are tried in order. Tokens issued by older clients used padded
// or standard base64.
var decoders = []*base64.Encoding{
	base64.RawURLEncoding,
	base64.URLEncoding,
	base64.StdEncoding,
	base64.RawStdEncoding,
}

// Encode returns the token for the given position.
func Encode(freshness time.Time, recordID string) string {
	raw := freshness.UTC().Format(time.RFC3339Nano) + Separator + recordID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode parses a token produced by Encode.
func Decode(token string) (Position, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Position{}, fmt.Errorf("%w: empty token", ErrInvalidCursor)
	}

	raw, err := decodeBase64(token)
	if err != nil {
		return Position{}, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}

	ts, id, found := strings.Cut(string(raw), Separator)
	if !found || ts == "" || id == "" {
		return Position{}, fmt.Errorf("%w: expected freshness%srecordId", ErrInvalidCursor, Separator)
	}

	freshness, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return Position{}, fmt.Errorf("%w: freshness %q is not a valid instant", ErrInvalidCursor, ts)
	}

	return Position{Freshness: freshness.UTC(), RecordID: id}, nil
}

func decodeBase64(token string) ([]byte, error) {
	var firstErr error
	for _, enc := range decoders {
		raw, err := enc.DecodeString(token)
		if err == nil {
			return raw, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, firstErr
}

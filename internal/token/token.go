// Package token encodes and verifies the displayable check-in
// credential.
//
// A payload is the base64 encoding of
//
//	participantId_activityId_expiresAtEpochMs_tag
//
// where tag is the hex SHA-256 of the subject (everything before the
// last separator), or HMAC-SHA-256 when the codec has a key. The tag
// only detects a mutated payload; it grants nothing by itself.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const sep = "_"

var (
	// ErrNotToken means the payload does not decode to at least four
	// separated fields. Callers treat it as an opaque code instead.
	ErrNotToken = errors.New("token: payload is not a credential token")
	// ErrTagMismatch means the payload was altered after issuance.
	ErrTagMismatch = errors.New("token: integrity tag mismatch")
	// ErrInvalidSubject means an identifier cannot be carried in a token.
	ErrInvalidSubject = errors.New("token: identifiers must be non-empty and must not contain '_'")
)

// Token is a decoded credential.
type Token struct {
	ParticipantID string
	ActivityID    string
	ExpiresAt     time.Time
	Tag           string
}

// Expired reports whether the token is no longer acceptable at now.
func (t Token) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// Subject is the string the tag is computed over.
func (t Token) Subject() string {
	return Subject(t.ParticipantID, t.ActivityID, t.ExpiresAt)
}

// Subject builds participantId_activityId_expiresAtEpochMs.
func Subject(participantID, activityID string, expiresAt time.Time) string {
	return participantID + sep + activityID + sep + strconv.FormatInt(expiresAt.UnixMilli(), 10)
}

// Codec seals and opens payloads.
type Codec struct {
	key []byte
}

// NewCodec returns a codec. An empty key selects a plain SHA-256 tag.
func NewCodec(key []byte) *Codec {
	return &Codec{key: key}
}

func (c *Codec) tag(subject string) string {
	if len(c.key) == 0 {
		sum := sha256.Sum256([]byte(subject))
		return hex.EncodeToString(sum[:])
	}
	mac := hmac.New(sha256.New, c.key)
	mac.Write([]byte(subject))
	return hex.EncodeToString(mac.Sum(nil))
}

// Seal builds the token and its payload. expiresAt is truncated to
// millisecond precision, the resolution carried in the payload.
func (c *Codec) Seal(participantID, activityID string, expiresAt time.Time) (Token, string, error) {
	if !validID(participantID) || !validID(activityID) {
		return Token{}, "", ErrInvalidSubject
	}
	tok := Token{
		ParticipantID: participantID,
		ActivityID:    activityID,
		ExpiresAt:     time.UnixMilli(expiresAt.UnixMilli()).UTC(),
	}
	subject := tok.Subject()
	tok.Tag = c.tag(subject)
	payload := base64.StdEncoding.EncodeToString([]byte(subject + sep + tok.Tag))
	return tok, payload, nil
}

// Open decodes payload and verifies its tag. Expiry is not checked here;
// the caller compares against its own clock.
func (c *Codec) Open(payload string) (Token, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(payload))
	if err != nil {
		return Token{}, ErrNotToken
	}
	parts := strings.Split(string(raw), sep)
	if len(parts) < 4 {
		return Token{}, ErrNotToken
	}
	// Token shaped from here on: a damaged one never falls back to a
	// registry lookup.
	if len(parts) > 4 {
		return Token{}, fmt.Errorf("%w: unexpected separator", ErrTagMismatch)
	}
	ms, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return Token{}, fmt.Errorf("%w: malformed expiry", ErrTagMismatch)
	}
	tok := Token{
		ParticipantID: parts[0],
		ActivityID:    parts[1],
		ExpiresAt:     time.UnixMilli(ms).UTC(),
		Tag:           parts[3],
	}
	if tok.ParticipantID == "" || tok.ActivityID == "" {
		return Token{}, fmt.Errorf("%w: empty identifier", ErrTagMismatch)
	}
	want := c.tag(tok.Subject())
	if !hmac.Equal([]byte(want), []byte(strings.ToLower(tok.Tag))) {
		return Token{}, ErrTagMismatch
	}
	return tok, nil
}

func validID(id string) bool {
	return id != "" && !strings.Contains(id, sep)
}

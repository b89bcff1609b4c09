// Package dnswire extracts the question name from raw DNS query datagrams
// without decoding the rest of the message.
package dnswire

import (
	"context"
	"encoding/hex"
	"strings"

	"github.com/rs/zerolog"
)

const (
	// HeaderLength is the fixed DNS header size skipped before the question.
	HeaderLength = 12
	// QuestionTrailerLength covers QTYPE and QCLASS after the question name.
	QuestionTrailerLength = 4

	pointerMask = 0xC0
)

// Sentinel domains returned when no regular name could be decoded.
const (
	RootDomain      = "."
	MalformedDomain = "[malformed_domain]"
	UnknownDomain   = "[unknown_domain]"
)

// Status describes how the question name was obtained.
type Status uint8

const (
	StatusOK Status = iota
	StatusRoot
	StatusPointer
	StatusMalformed
	StatusFallback
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusRoot:
		return "root"
	case StatusPointer:
		return "pointer"
	case StatusMalformed:
		return "malformed"
	case StatusFallback:
		return "fallback"
	default:
		return "unknown"
	}
}

// Result is the outcome of Parse.
type Result struct {
	Labels []string
	Status Status
	// Fallback holds the literal scan used when no label could be read.
	Fallback string
}

// Domain renders the result as a dotted name or one of the sentinels.
func (r Result) Domain() string {
	switch r.Status {
	case StatusRoot:
		return RootDomain
	case StatusMalformed:
		return MalformedDomain
	case StatusFallback:
		if r.Fallback == "" {
			return UnknownDomain
		}

		return r.Fallback
	case StatusOK, StatusPointer:
		return strings.Join(r.Labels, ".")
	default:
		return UnknownDomain
	}
}

// Malformed reports whether label boundaries could not be determined.
func (r Result) Malformed() bool { return r.Status == StatusMalformed }

// question returns the bytes between the header and QTYPE/QCLASS.
func question(buf []byte) []byte {
	end := len(buf) - QuestionTrailerLength
	if end <= HeaderLength {
		return nil
	}

	return buf[HeaderLength:end]
}

// Parse reads the length-prefixed labels of the first question name.
// Compression pointers are not followed: parsing stops at the first one and
// the labels collected so far are returned. It never panics on short or
// corrupt input.
func Parse(buf []byte) Result {
	q := question(buf)

	var (
		labels     []string
		offset     int
		terminated bool
		pointer    bool
	)

	for offset < len(q) {
		length := int(q[offset])

		if length == 0 {
			offset++
			terminated = true

			break
		}

		if length&pointerMask == pointerMask {
			pointer = true

			break
		}

		offset++

		if offset+length > len(q) {
			return Result{Status: StatusMalformed}
		}

		labels = append(labels, string(q[offset:offset+length]))
		offset += length
	}

	if len(labels) == 0 {
		if terminated && offset == 1 {
			return Result{Status: StatusRoot}
		}

		return Result{Status: StatusFallback, Fallback: literal(q)}
	}

	if pointer {
		return Result{Labels: labels, Status: StatusPointer}
	}

	return Result{Labels: labels, Status: StatusOK}
}

// literal copies bytes up to the first zero byte.
func literal(q []byte) string {
	for i, b := range q {
		if b == 0 {
			return string(q[:i])
		}
	}

	return string(q)
}

// ExtractDomain parses buf and returns the rendered domain, logging
// diagnostics for reduced-fidelity results through the logger in ctx.
func ExtractDomain(ctx context.Context, buf []byte) string {
	return Decode(ctx, buf).Domain()
}

// Decode is Parse with the diagnostics of ExtractDomain.
func Decode(ctx context.Context, buf []byte) Result {
	res := Parse(buf)
	log := zerolog.Ctx(ctx)

	switch res.Status {
	case StatusPointer:
		log.Warn().
			Strs("labels", res.Labels).
			Msg("DNS pointer encountered in domain name, partial name might be returned")
	case StatusMalformed:
		log.Error().Int("size", len(buf)).Msg("malformed DNS query: label length exceeds question section")
	case StatusFallback:
		log.Warn().
			Str("question_hex", hex.EncodeToString(question(buf))).
			Msg("could not parse any labels from domain part")
	case StatusOK, StatusRoot:
	}

	return res
}

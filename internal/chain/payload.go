package chain

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/tjfontaine/reputation-gateway/internal/domain"
)

// PayloadFormat identifies how a feedback payload URI encodes its message.
type PayloadFormat int

const (
	FormatUnrecognized PayloadFormat = iota
	// FormatBase64JSON is data:application/json;base64,<json>.
	FormatBase64JSON
	// FormatPlainTextDataURI is data:,<percent-encoded text>.
	FormatPlainTextDataURI
	// FormatRawJSON is a bare JSON object string.
	FormatRawJSON
)

const (
	base64JSONPrefix = "data:application/json;base64,"
	plainTextPrefix  = "data:,"
)

var (
	errUnrecognizedPayload = errors.New("unrecognized payload format")
	errNoMessageField      = errors.New("no reasoning or message field")
	errInvalidUTF8         = errors.New("payload is not valid utf-8")
)

func (f PayloadFormat) String() string {
	switch f {
	case FormatBase64JSON:
		return "base64_json"
	case FormatPlainTextDataURI:
		return "plain_text_data_uri"
	case FormatRawJSON:
		return "raw_json"
	default:
		return "unrecognized"
	}
}

// ClassifyPayload reports which encoding a payload URI uses.
func ClassifyPayload(uri string) PayloadFormat {
	s := strings.TrimSpace(uri)
	switch {
	case strings.HasPrefix(s, base64JSONPrefix):
		return FormatBase64JSON
	case strings.HasPrefix(s, plainTextPrefix):
		return FormatPlainTextDataURI
	case strings.HasPrefix(s, "{"):
		return FormatRawJSON
	default:
		return FormatUnrecognized
	}
}

// ParsePayload extracts a human-readable message from a payload URI.
// It never fails: anything that does not yield a non-empty message returns ok=false.
func ParsePayload(uri string) (msg string, ok bool) {
	msg, err := parsePayload(uri)
	if err != nil || msg == "" {
		return "", false
	}
	return msg, true
}

func parsePayload(uri string) (string, error) {
	s := strings.TrimSpace(uri)
	format := ClassifyPayload(s)

	switch format {
	case FormatBase64JSON:
		raw, err := decodeBase64(strings.TrimPrefix(s, base64JSONPrefix))
		if err != nil {
			return "", &domain.MessageParseError{Format: format.String(), Err: err}
		}
		if !utf8.Valid(raw) {
			return "", &domain.MessageParseError{Format: format.String(), Err: errInvalidUTF8}
		}
		return messageFromJSON(format, raw)

	case FormatPlainTextDataURI:
		text, err := url.PathUnescape(strings.TrimPrefix(s, plainTextPrefix))
		if err != nil {
			return "", &domain.MessageParseError{Format: format.String(), Err: err}
		}
		return text, nil

	case FormatRawJSON:
		return messageFromJSON(format, []byte(s))

	default:
		return "", &domain.MessageParseError{Format: format.String(), Err: errUnrecognizedPayload}
	}
}

func decodeBase64(s string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err == nil {
		return raw, nil
	}
	// Some writers drop the padding.
	if raw, rawErr := base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "=")); rawErr == nil {
		return raw, nil
	}
	return nil, err
}

func messageFromJSON(format PayloadFormat, raw []byte) (string, error) {
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return "", &domain.MessageParseError{Format: format.String(), Err: err}
	}
	for _, field := range []string{"reasoning", "message"} {
		if v, ok := body[field].(string); ok && v != "" {
			return v, nil
		}
	}
	return "", &domain.MessageParseError{Format: format.String(), Err: errNoMessageField}
}

// EncodeReasoningPayload builds the base64 JSON payload URI writers attach to feedback.
func EncodeReasoningPayload(reasoning string) (string, error) {
	raw, err := json.Marshal(map[string]string{"reasoning": reasoning})
	if err != nil {
		return "", err
	}
	return base64JSONPrefix + base64.StdEncoding.EncodeToString(raw), nil
}

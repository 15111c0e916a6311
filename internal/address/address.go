// Package address derives chat and sender identifiers from phone numbers.
//
// A chat guid has the form "SMS;<marker>;<numbers>" where marker is "-" for a
// single participant and "+" for a group, and numbers are the normalized
// participant numbers joined by a space in their original order.
package address

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/nyaruka/phonenumbers"
)

const (
	// Service is the service prefix of every guid.
	Service = "SMS"

	singleMarker = "-"
	groupMarker  = "+"
)

// Normalizer turns phone numbers into canonical E.164 form.
type Normalizer struct {
	// Region is the ISO 3166 region used for numbers without a country code.
	Region string
}

// New returns a Normalizer for region; an empty region means "US".
func New(region string) Normalizer {
	region = strings.ToUpper(strings.TrimSpace(region))
	if region == "" {
		region = "US"
	}
	return Normalizer{Region: region}
}

// Normalize returns the E.164 form of number, or number with all whitespace
// removed when it is not a valid phone number (short codes, emails).
// Normalize(Normalize(x)) == Normalize(x).
func (n Normalizer) Normalize(number string) string {
	parsed, err := phonenumbers.Parse(number, n.Region)
	if err == nil && phonenumbers.IsValidNumber(parsed) {
		return phonenumbers.Format(parsed, phonenumbers.E164)
	}
	return stripSpace(number)
}

// ChatGUID builds the chat guid for numbers. It returns "" when numbers is empty.
func (n Normalizer) ChatGUID(numbers ...string) string {
	if len(numbers) == 0 {
		return ""
	}
	marker := singleMarker
	if len(numbers) > 1 {
		marker = groupMarker
	}
	normalized := make([]string, len(numbers))
	for i, number := range numbers {
		normalized[i] = n.Normalize(number)
	}
	return Service + ";" + marker + ";" + strings.Join(normalized, " ")
}

// ParseChatGUID splits a chat guid back into its participant numbers.
func ParseChatGUID(guid string) (numbers []string, group bool, err error) {
	parts := strings.SplitN(guid, ";", 3)
	if len(parts) != 3 || parts[0] != Service {
		return nil, false, fmt.Errorf("malformed chat guid %q", guid)
	}
	switch parts[1] {
	case singleMarker:
	case groupMarker:
		group = true
	default:
		return nil, false, fmt.Errorf("unknown chat guid marker %q in %q", parts[1], guid)
	}
	numbers = strings.Fields(parts[2])
	if len(numbers) == 0 {
		return nil, false, fmt.Errorf("chat guid %q has no participants", guid)
	}
	if group != (len(numbers) > 1) {
		return nil, false, fmt.Errorf("chat guid %q marker does not match %d participants", guid, len(numbers))
	}
	return numbers, group, nil
}

func stripSpace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}

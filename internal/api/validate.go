package api

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
)

// maxNumberLen is the maximum length of a dial string, SIP URIs included.
const maxNumberLen = 256

// numberRe accepts dialable digit strings with an optional leading plus.
var numberRe = regexp.MustCompile(`^\+?[0-9*#]{1,32}$`)

// validateNumber checks a dial target: a digit string or a sip:/sips: URI.
// Returns an error message if invalid, empty string if OK.
func validateNumber(field, value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return field + " is required"
	}
	if utf8.RuneCountInString(value) > maxNumberLen {
		return field + " exceeds maximum length"
	}
	lower := strings.ToLower(value)
	if strings.HasPrefix(lower, "sip:") || strings.HasPrefix(lower, "sips:") {
		if strings.ContainsAny(value, " \t\r\n") {
			return field + " must not contain whitespace"
		}
		return ""
	}
	if !numberRe.MatchString(value) {
		return field + " must be digits or a sip: URI"
	}
	return ""
}

// lineParam parses the {line} URL parameter.
func lineParam(r *http.Request) (int, string) {
	n, err := strconv.Atoi(chi.URLParam(r, "line"))
	if err != nil || n < 1 {
		return 0, "line must be a positive integer"
	}
	return n, ""
}

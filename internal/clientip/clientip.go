// Package clientip derives the caller address from proxy headers and truncates
// it before anything downstream sees it.
package clientip

import (
	"net/http"
	"strings"
)

// Unknown is reported when no proxy header names the caller.
const Unknown = "unknown"

// FromRequest returns the first hop of X-Forwarded-For, else X-Real-IP, else
// Unknown. RemoteAddr is not consulted.
func FromRequest(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}

	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}

	return Unknown
}

// Anonymize zeroes the last IPv4 octet and keeps only the first three IPv6
// groups. Anything else is returned unchanged. Applying it twice is harmless.
func Anonymize(ip string) string {
	if ip == "" {
		return ""
	}

	if strings.Contains(ip, ".") {
		parts := strings.Split(ip, ".")
		if len(parts) == 4 {
			return parts[0] + "." + parts[1] + "." + parts[2] + ".0"
		}
	}

	if strings.Contains(ip, ":") {
		parts := strings.Split(ip, ":")
		if len(parts) >= 3 {
			return parts[0] + ":" + parts[1] + ":" + parts[2] + "::"
		}
	}

	return ip
}

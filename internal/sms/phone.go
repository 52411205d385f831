package sms

import "strings"

// DefaultCountryCode is used when a branch has no country code configured.
const DefaultCountryCode = "254"

// NormalizePhone converts a phone number to international format. Spaces and
// hyphens are stripped, a domestic trunk prefix (07.../01...) is rewritten to
// +<countryCode>, and a bare country-code number gains a leading +. The
// function is idempotent, so the same physical number always maps to the same
// customer key no matter which textual variant the POS sent.
func NormalizePhone(phone, countryCode string) string {
	if countryCode == "" {
		countryCode = DefaultCountryCode
	}
	cleaned := strings.NewReplacer(" ", "", "-", "").Replace(phone)
	if strings.HasPrefix(cleaned, "07") || strings.HasPrefix(cleaned, "01") {
		return "+" + countryCode + cleaned[1:]
	}
	if strings.HasPrefix(cleaned, countryCode) {
		return "+" + cleaned
	}
	return cleaned
}

package provider

import "strings"

var serviceCodes = map[string]string{
	"google":    "go",
	"telegram":  "tg",
	"whatsapp":  "wa",
	"facebook":  "fb",
	"instagram": "ig",
	"twitter":   "tw",
	"wechat":    "wx",
	"tiktok":    "tk",
	"discord":   "ds",
	"uber":      "ub",
	"amazon":    "am",
	"microsoft": "mm",
}

// ServiceCode maps a service name to the short code providers expect.
// Unknown names pass through lowercased so callers may send codes directly.
func ServiceCode(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	if code, ok := serviceCodes[n]; ok {
		return code
	}
	return n
}

// CountryCode normalizes an ISO 3166-1 alpha-2 country code.
func CountryCode(c string) string {
	return strings.ToUpper(strings.TrimSpace(c))
}

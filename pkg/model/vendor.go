package model

import (
	"net/url"
	"strings"

	"github.com/nstogner/backrooms/pkg/domain"
)

// vendorDomains maps a domain fragment of a provider base URL to the vendor
// that hosts it. Order matters: the first match wins.
var vendorDomains = []struct {
	fragment string
	vendor   domain.Vendor
}{
	{"anthropic.com", domain.VendorAnthropic},
	{"mistral.ai", domain.VendorMistral},
	{"generativelanguage.googleapis.com", domain.VendorGemini},
	{"openai.com", domain.VendorOpenAI},
}

// DetectVendor guesses the wire format of a provider from its base URL.
//
// This is a heuristic over the URL host: a proxy whose host happens to
// contain a vendor domain but speaks a different protocol is misdetected.
// Callers resolve the vendor once when a provider is created and store it,
// and an explicitly configured vendor always takes precedence.
func DetectVendor(baseURL string) domain.Vendor {
	host := strings.ToLower(baseURL)
	if u, err := url.Parse(baseURL); err == nil && u.Host != "" {
		host = strings.ToLower(u.Hostname())
	}
	for _, vd := range vendorDomains {
		if strings.Contains(host, vd.fragment) {
			return vd.vendor
		}
	}
	return domain.VendorGeneric
}

// ResolveVendor returns the explicit vendor when set, the detected one otherwise.
func ResolveVendor(p *domain.Provider) domain.Vendor {
	if p.Vendor != "" {
		return p.Vendor
	}
	return DetectVendor(p.BaseURL)
}

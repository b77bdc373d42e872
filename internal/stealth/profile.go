package stealth

import (
	"math/rand"
	"net/http"
	"sync"
)

// Profile is a coherent header bundle resembling an ordinary browser request.
type Profile struct {
	UserAgent      string
	AcceptLanguage string
	AcceptEncoding string
	ExtraHeaders   map[string]string
}

// Apply sets the profile's headers on a request.
func (p Profile) Apply(req *http.Request) {
	req.Header.Set("User-Agent", p.UserAgent)
	req.Header.Set("Accept-Language", p.AcceptLanguage)
	req.Header.Set("Accept-Encoding", p.AcceptEncoding)
	for k, v := range p.ExtraHeaders {
		req.Header.Set(k, v)
	}
}

// Profiles hands out header bundles at random or by exact user-agent match.
type Profiles struct {
	mu       sync.Mutex
	rng      *rand.Rand
	profiles []Profile
}

// DefaultProfiles is a small built-in set of coherent desktop browser
// bundles.
func DefaultProfiles() *Profiles {
	return NewProfiles([]Profile{
		{
			UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36",
			AcceptLanguage: "en-US,en;q=0.9",
			AcceptEncoding: "gzip, deflate, br",
			ExtraHeaders: map[string]string{
				"Sec-Ch-Ua-Platform": `"Windows"`,
				"Sec-Fetch-Mode":     "navigate",
				"Sec-Fetch-Site":     "none",
			},
		},
		{
			UserAgent:      "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.3 Safari/605.1.15",
			AcceptLanguage: "en-US,en;q=0.9",
			AcceptEncoding: "gzip, deflate, br",
			ExtraHeaders: map[string]string{
				"Sec-Fetch-Mode": "navigate",
				"Sec-Fetch-Site": "none",
			},
		},
		{
			UserAgent:      "Mozilla/5.0 (X11; Linux x86_64; rv:123.0) Gecko/20100101 Firefox/123.0",
			AcceptLanguage: "en-US,en;q=0.5",
			AcceptEncoding: "gzip, deflate, br",
			ExtraHeaders: map[string]string{
				"DNT": "1",
			},
		},
	})
}

// NewProfiles builds a factory over the given bundles.
func NewProfiles(profiles []Profile) *Profiles {
	return &Profiles{
		rng:      rand.New(rand.NewSource(rand.Int63())),
		profiles: profiles,
	}
}

// Random returns an arbitrary profile, or the zero Profile when none are
// configured.
func (p *Profiles) Random() Profile {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.profiles) == 0 {
		return Profile{}
	}
	return p.profiles[p.rng.Intn(len(p.profiles))]
}

// ByUserAgent returns the profile matching the exact user agent string.
func (p *Profiles) ByUserAgent(ua string) (Profile, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, prof := range p.profiles {
		if prof.UserAgent == ua {
			return prof, true
		}
	}
	return Profile{}, false
}

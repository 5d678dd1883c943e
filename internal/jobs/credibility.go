package jobs

import (
	"net/url"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/datafinder/internal/model"
)

// defaultTrustedDomains are well-known data publishers rated high without
// an explicit trust list.
var defaultTrustedDomains = []string{
	"kaggle.com",
	"data.gov",
	"data.europa.eu",
	"datahub.io",
	"huggingface.co",
	"archive.ics.uci.edu",
	"github.com",
	"worldbank.org",
	"who.int",
	"census.gov",
}

// CredibilityRater assigns a credibility tier from the source's host.
// Government and academic domains and listed publishers rate high;
// everything else rates medium. Low is reserved for future signals.
type CredibilityRater struct {
	trusted map[string]struct{}
}

// NewCredibilityRater builds a rater over the default trusted domains plus
// any extras.
func NewCredibilityRater(extra ...string) *CredibilityRater {
	r := &CredibilityRater{trusted: make(map[string]struct{})}
	for _, d := range defaultTrustedDomains {
		r.trusted[d] = struct{}{}
	}
	for _, d := range extra {
		d = strings.ToLower(strings.TrimSpace(d))
		if d != "" {
			r.trusted[d] = struct{}{}
		}
	}
	return r
}

type trustListFile struct {
	TrustedDomains []string `yaml:"trusted_domains"`
}

// LoadTrustList reads extra trusted domains from a YAML file:
//
//	trusted_domains:
//	  - example.org
func LoadTrustList(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "jobs: read trust list %s", path)
	}
	var f trustListFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrapf(err, "jobs: parse trust list %s", path)
	}
	return f.TrustedDomains, nil
}

// Rate returns the credibility tier for a source URL.
func (r *CredibilityRater) Rate(rawURL string) model.CredibilityTier {
	host := hostOf(rawURL)
	if host == "" {
		return model.TierMedium
	}

	if strings.HasSuffix(host, ".gov") || strings.HasSuffix(host, ".edu") ||
		strings.Contains(host, ".gov.") || strings.Contains(host, ".edu.") {
		return model.TierHigh
	}

	for h := host; h != ""; {
		if _, ok := r.trusted[h]; ok {
			return model.TierHigh
		}
		i := strings.IndexByte(h, '.')
		if i < 0 {
			break
		}
		h = h[i+1:]
	}
	return model.TierMedium
}

func hostOf(rawURL string) string {
	s := strings.ToLower(strings.TrimSpace(rawURL))
	if !strings.Contains(s, "://") {
		s = "https://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(u.Hostname(), "www.")
}

package jobs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/datafinder/internal/model"
)

func TestCredibilityRater(t *testing.T) {
	r := NewCredibilityRater()

	tests := []struct {
		url  string
		want model.CredibilityTier
	}{
		{"https://data.census.gov/table", model.TierHigh},
		{"https://www.bls.gov/data/", model.TierHigh},
		{"https://archive.ics.uci.edu/dataset/53/iris", model.TierHigh},
		{"https://data.gov.uk/dataset/road-accidents", model.TierHigh},
		{"https://www.kaggle.com/datasets/housing", model.TierHigh},
		{"https://huggingface.co/datasets/squad", model.TierHigh},
		{"https://someblog.io/top-10-datasets", model.TierMedium},
		{"https://medium.com/@user/ml-data", model.TierMedium},
		{"not a url at all", model.TierMedium},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, r.Rate(tt.url), "url %s", tt.url)
	}
}

func TestCredibilityRaterExtraDomains(t *testing.T) {
	r := NewCredibilityRater("trusted.example.org")

	assert.Equal(t, model.TierHigh, r.Rate("https://trusted.example.org/data"))
	assert.Equal(t, model.TierHigh, r.Rate("https://api.trusted.example.org/v1"))
	assert.Equal(t, model.TierMedium, r.Rate("https://untrusted.example.org/data"))
}

func TestLoadTrustList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trust.yaml")
	content := "trusted_domains:\n  - stats.example.net\n  - opendata.example.com\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	domains, err := LoadTrustList(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"stats.example.net", "opendata.example.com"}, domains)

	_, err = LoadTrustList(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

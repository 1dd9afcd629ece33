package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBudget(t *testing.T) {
	b, err := ParseBudget("10/1s")
	require.NoError(t, err)
	assert.Equal(t, Budget{Max: 10, Window: time.Second}, b)

	b, err = ParseBudget(" 100 / 5m ")
	require.NoError(t, err)
	assert.Equal(t, 100, b.Max)
	assert.Equal(t, 5*time.Minute, b.Window)

	for _, bad := range []string{"", "10", "0/1s", "x/1s", "10/abc", "10/-1s"} {
		_, err := ParseBudget(bad)
		assert.Error(t, err, bad)
	}
}

func TestBudgets(t *testing.T) {
	c := &Config{
		RateLimits:       map[string]string{" OpenAlex ": "2/1s"},
		RateLimitDefault: "5/1s",
	}
	budgets, def, err := c.Budgets()
	require.NoError(t, err)
	assert.Equal(t, Budget{Max: 5, Window: time.Second}, def)
	assert.Equal(t, Budget{Max: 2, Window: time.Second}, budgets["openalex"])

	c.RateLimits["pubmed"] = "nope"
	_, _, err = c.Budgets()
	assert.Error(t, err)
}

func TestProviders(t *testing.T) {
	c := &Config{EnabledProviders: " OpenAlex, ,pubmed,"}
	assert.Equal(t, []string{"openalex", "pubmed"}, c.Providers())
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DB_HOST", "db")
	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "db", c.DBHost)
	assert.Equal(t, 25, c.HydrateMaxPerLevel)
	assert.Equal(t, 4, c.RetryMaxAttempts)
	assert.Equal(t, 500*time.Millisecond, c.RetryBaseDelay)
	assert.Equal(t, "10/1s", c.RateLimits["openalex"])
	assert.False(t, c.ArtifactsEnabled())
	assert.Contains(t, c.DSN(), "host=db")
}

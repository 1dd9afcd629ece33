package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config enthält alle Einstellungen aus der Umgebung.
type Config struct {
	DBHost     string `envconfig:"DB_HOST" default:"localhost"`
	DBPort     int    `envconfig:"DB_PORT" default:"5432"`
	DBUser     string `envconfig:"DB_USER" default:"postgres"`
	DBPassword string `envconfig:"DB_PASSWORD"`
	DBName     string `envconfig:"DB_NAME" default:"literature"`
	DBSSLMode  string `envconfig:"DB_SSLMODE" default:"disable"`
	// DBDriver ist "postgres" oder "sqlite" (lokale Entwicklung, DBPath).
	DBDriver string `envconfig:"DB_DRIVER" default:"postgres"`
	DBPath   string `envconfig:"DB_PATH" default:"paper-graph.db"`

	HTTPPort     string `envconfig:"HTTP_PORT" default:"4242"`
	APISecretKey string `envconfig:"API_SECRET_KEY"`

	EnabledProviders string `envconfig:"ENABLED_PROVIDERS" default:"openalex,europepmc,pubmed"`

	OpenAlexBaseURL string `envconfig:"OPENALEX_BASE_URL" default:"https://api.openalex.org"`
	OpenAlexMailto  string `envconfig:"OPENALEX_MAILTO"`

	EuropePMCBaseURL string `envconfig:"EUROPEPMC_BASE_URL" default:"https://www.ebi.ac.uk/europepmc/webservices/rest"`

	PubMedBaseURL   string `envconfig:"PUBMED_BASE_URL" default:"https://eutils.ncbi.nlm.nih.gov/entrez/eutils"`
	PubMedOABaseURL string `envconfig:"PUBMED_OA_BASE_URL" default:"https://www.ncbi.nlm.nih.gov/pmc/utils"`
	PubMedAPIKey    string `envconfig:"PUBMED_API_KEY"`
	PubMedEmail     string `envconfig:"PUBMED_EMAIL"`
	PubMedTool      string `envconfig:"PUBMED_TOOL" default:"paper-graph"`
	PubMedPageSize  int    `envconfig:"PUBMED_PAGE_SIZE" default:"50"`

	// Unpaywall dient nur als Artefakt-Fallback, die E-Mail ist daher optional.
	UnpaywallBaseURL string `envconfig:"UNPAYWALL_BASE_URL" default:"https://api.unpaywall.org/v2"`
	UnpaywallEmail   string `envconfig:"UNPAYWALL_EMAIL"`

	ArtifactS3Key    string `envconfig:"ARTIFACT_S3_KEY"`
	ArtifactS3Secret string `envconfig:"ARTIFACT_S3_SECRET"`
	ArtifactS3URL    string `envconfig:"ARTIFACT_S3_URL"`
	ArtifactS3Region string `envconfig:"ARTIFACT_S3_REGION" default:"us-east-1"`
	ArtifactS3Bucket string `envconfig:"ARTIFACT_S3_BUCKET"`

	// Datenbank-Backups nutzen den Artefakt-Endpunkt, aber einen eigenen Bucket.
	BackupS3Bucket string `envconfig:"BACKUP_S3_BUCKET"`
	BackupPrefix   string `envconfig:"BACKUP_PREFIX" default:"backups/"`
	KeepBackups    int    `envconfig:"KEEP_BACKUPS" default:"4"`

	// RateLimits ordnet jeder Quelle ein Budget zu, z.B. "openalex:10/1s,pubmed:3/1s".
	RateLimits       map[string]string `envconfig:"RATE_LIMITS" default:"openalex:10/1s,europepmc:5/1s,pubmed:3/1s,unpaywall:5/1s"`
	RateLimitDefault string            `envconfig:"RATE_LIMIT_DEFAULT" default:"5/1s"`

	RetryMaxAttempts int           `envconfig:"RETRY_MAX_ATTEMPTS" default:"4"`
	RetryBaseDelay   time.Duration `envconfig:"RETRY_BASE_DELAY" default:"500ms"`
	RetryMaxDelay    time.Duration `envconfig:"RETRY_MAX_DELAY" default:"10s"`
	CallTimeout      time.Duration `envconfig:"CALL_TIMEOUT" default:"30s"`

	HydrateMaxDepth    int    `envconfig:"HYDRATE_MAX_DEPTH" default:"2"`
	HydrateMaxPerLevel int    `envconfig:"HYDRATE_MAX_PER_LEVEL" default:"25"`
	HydrateDirection   string `envconfig:"HYDRATE_DIRECTION" default:"both"`
	HydrateConcurrency int    `envconfig:"HYDRATE_CONCURRENCY" default:"4"`
	HydrateProvider    string `envconfig:"HYDRATE_PROVIDER" default:"openalex"`

	RankScorer          string  `envconfig:"RANK_SCORER" default:"fusion"`
	RankWeightLexical   float64 `envconfig:"RANK_W_LEXICAL" default:"0.6"`
	RankWeightSemantic  float64 `envconfig:"RANK_W_SEMANTIC" default:"0.2"`
	RankWeightCitation  float64 `envconfig:"RANK_W_CITATION" default:"0.1"`
	RankWeightRecency   float64 `envconfig:"RANK_W_RECENCY" default:"0.1"`
	RankRecencyHalfLife float64 `envconfig:"RANK_RECENCY_HALF_LIFE" default:"5"`
	RankSemanticEnabled bool    `envconfig:"RANK_SEMANTIC_ENABLED" default:"false"`

	SweepsFile       string `envconfig:"SWEEPS_FILE" default:"sweeps.yaml"`
	SweepConcurrency int    `envconfig:"SWEEP_CONCURRENCY" default:"2"`
	CronSchedule     string `envconfig:"CRON_SCHEDULE" default:"0 0 * * *"`
}

// DSN gibt den PostgreSQL-DSN zurück.
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=%s",
		c.DBHost, c.DBUser, c.DBPassword, c.DBName, c.DBPort, c.DBSSLMode)
}

// ArtifactsEnabled meldet, ob ein Artefakt-Bucket konfiguriert ist.
func (c *Config) ArtifactsEnabled() bool {
	return c.ArtifactS3Bucket != "" && c.ArtifactS3URL != ""
}

// Providers gibt die aktivierten Provider-Namen zurück (getrimmt, kleingeschrieben).
func (c *Config) Providers() []string {
	var out []string
	for _, name := range strings.Split(c.EnabledProviders, ",") {
		name = strings.ToLower(strings.TrimSpace(name))
		if name != "" {
			out = append(out, name)
		}
	}
	return out
}

// Budget erlaubt Max Operationen pro Window und Quelle.
type Budget struct {
	Max    int
	Window time.Duration
}

// ParseBudget parst "N/Dauer", z.B. "10/1s" oder "100/5m".
func ParseBudget(s string) (Budget, error) {
	count, window, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok {
		return Budget{}, fmt.Errorf("invalid budget %q: want N/duration", s)
	}
	n, err := strconv.Atoi(strings.TrimSpace(count))
	if err != nil || n <= 0 {
		return Budget{}, fmt.Errorf("invalid budget count in %q", s)
	}
	d, err := time.ParseDuration(strings.TrimSpace(window))
	if err != nil || d <= 0 {
		return Budget{}, fmt.Errorf("invalid budget window in %q", s)
	}
	return Budget{Max: n, Window: d}, nil
}

// Budgets parst RateLimits und RateLimitDefault.
func (c *Config) Budgets() (map[string]Budget, Budget, error) {
	def, err := ParseBudget(c.RateLimitDefault)
	if err != nil {
		return nil, Budget{}, err
	}
	out := make(map[string]Budget, len(c.RateLimits))
	for source, raw := range c.RateLimits {
		b, err := ParseBudget(raw)
		if err != nil {
			return nil, Budget{}, fmt.Errorf("rate limit for %s: %w", source, err)
		}
		out[strings.ToLower(strings.TrimSpace(source))] = b
	}
	return out, def, nil
}

// Load liest die Konfiguration aus der Umgebung (und einer optionalen .env-Datei).
func Load() (*Config, error) {
	_ = godotenv.Load()
	var c Config
	err := envconfig.Process("", &c)
	return &c, err
}

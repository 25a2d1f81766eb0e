package config

import (
	"reflect"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DB_DRIVER", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("MAX_PAGES", "")
	t.Setenv("HEADLESS", "")

	cfg := Load()
	if cfg.DatabaseURL != DefaultDatabaseURL {
		t.Errorf("DatabaseURL: got %q", cfg.DatabaseURL)
	}
	if cfg.MaxPages != 0 {
		t.Errorf("MaxPages: got %d, want 0 (all pages)", cfg.MaxPages)
	}
	if !cfg.Headless {
		t.Error("Headless should default to true")
	}
	if cfg.ScrapeURL != DefaultScrapeURL {
		t.Errorf("ScrapeURL: got %q", cfg.ScrapeURL)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("MAX_PAGES", "4")
	t.Setenv("HEADLESS", "false")
	t.Setenv("RATE_LIMIT_MS", "not-a-number")
	t.Setenv("CORS_ORIGINS", "http://a.test, http://b.test,")

	cfg := Load()
	if cfg.MaxPages != 4 {
		t.Errorf("MaxPages: got %d, want 4", cfg.MaxPages)
	}
	if cfg.Headless {
		t.Error("Headless should be false")
	}
	if cfg.RateLimitMs != 1500 {
		t.Errorf("invalid int should fall back, got %d", cfg.RateLimitMs)
	}
	want := []string{"http://a.test", "http://b.test"}
	if !reflect.DeepEqual(cfg.CORSOrigins, want) {
		t.Errorf("CORSOrigins: got %v, want %v", cfg.CORSOrigins, want)
	}
}

func TestDatabaseResolution(t *testing.T) {
	tests := []struct {
		name       string
		driver     string
		url        string
		wantDriver string
		wantDSN    string
	}{
		{"sqlite url", "", "sqlite:///data/listings.db", "sqlite", "data/listings.db"},
		{"memory", "sqlite", ":memory:", "sqlite", ":memory:"},
		{"postgres url", "", "postgres://u:p@db:5432/x", "postgres", "postgres://u:p@db:5432/x"},
		{"pgx explicit", "pgx", "postgresql://db/x", "pgx", "postgresql://db/x"},
		{"postgres from parts", "postgres", "sqlite:///data/listings.db", "postgres",
			"host=h port=1 user=u password=p dbname=d sslmode=disable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				DBDriver: tt.driver, DatabaseURL: tt.url,
				PostgresHost: "h", PostgresPort: "1", PostgresUser: "u",
				PostgresPassword: "p", PostgresDB: "d", PostgresSSLMode: "disable",
			}
			driver, dsn := cfg.Database()
			if driver != tt.wantDriver || dsn != tt.wantDSN {
				t.Errorf("Database() = (%q, %q); want (%q, %q)", driver, dsn, tt.wantDriver, tt.wantDSN)
			}
		})
	}
}

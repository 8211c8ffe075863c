package app

import (
	"reflect"
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	for _, key := range []string{
		"PARLEY_HTTP_ADDR", "PARLEY_LOG_LEVEL", "PARLEY_LOG_FORMAT",
		"PARLEY_STORE", "PARLEY_DB_SCHEMA", "PARLEY_HTTP_READ_HEADER_TIMEOUT",
		"PARLEY_DATABASE_URL", "PARLEY_TOKEN_SECRET", "PARLEY_S3_BUCKET",
	} {
		t.Setenv(key, "")
	}

	cfg := LoadConfig()

	if cfg.HTTPAddr != "0.0.0.0:8080" {
		t.Fatalf("HTTPAddr=%q", cfg.HTTPAddr)
	}
	if cfg.LogLevel != "info" || cfg.LogFormat != "json" {
		t.Fatalf("log defaults: level=%q format=%q", cfg.LogLevel, cfg.LogFormat)
	}
	if cfg.StoreBackend != StoreAuto {
		t.Fatalf("StoreBackend=%q", cfg.StoreBackend)
	}
	if cfg.DBSchema != "parley" {
		t.Fatalf("DBSchema=%q", cfg.DBSchema)
	}
	if cfg.ReadHeaderTimeout != 5*time.Second {
		t.Fatalf("ReadHeaderTimeout=%v", cfg.ReadHeaderTimeout)
	}
}

func TestEnvStrings(t *testing.T) {
	t.Setenv("PARLEY_TEST_CSV", " a, b ,,c ")
	got := EnvStrings("PARLEY_TEST_CSV", nil)
	want := []string{"a", "b", "c"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("EnvStrings()=%v want=%v", got, want)
	}

	t.Setenv("PARLEY_TEST_CSV", " , ")
	if got := EnvStrings("PARLEY_TEST_CSV", []string{"fallback"}); !reflect.DeepEqual(got, []string{"fallback"}) {
		t.Fatalf("expected fallback, got %v", got)
	}
}

func TestResolveBackend(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		cfg  Config
		want string
	}{
		{name: "explicit memory", cfg: Config{StoreBackend: StoreMemory, DatabaseURL: "postgres://x"}, want: StoreMemory},
		{name: "auto firestore", cfg: Config{StoreBackend: StoreAuto, FirestoreProjectID: "p"}, want: StoreFirestore},
		{name: "auto postgres", cfg: Config{StoreBackend: StoreAuto, DatabaseURL: "postgres://x"}, want: StorePostgres},
		{name: "auto memory", cfg: Config{StoreBackend: StoreAuto}, want: StoreMemory},
		{name: "firestore wins over postgres", cfg: Config{StoreBackend: StoreAuto, FirestoreProjectID: "p", DatabaseURL: "postgres://x"}, want: StoreFirestore},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := resolveBackend(tc.cfg); got != tc.want {
				t.Fatalf("resolveBackend()=%q want=%q", got, tc.want)
			}
		})
	}
}

func TestValidateSecurityConfig(t *testing.T) {
	t.Parallel()

	if err := ValidateSecurityConfig(Config{}); err == nil {
		t.Fatalf("expected error for missing secret")
	}
	if err := ValidateSecurityConfig(Config{TokenSecret: "short"}); err == nil {
		t.Fatalf("expected error for short secret")
	}
	long := Config{TokenSecret: "0123456789abcdef0123456789abcdef"}
	if err := ValidateSecurityConfig(long); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  host: "127.0.0.1"
  port: 9000
storage:
  database_path: "test.db"
pipeline:
  batch_size: 250
  geometry_timeout: 3s
  auto_geometry: false
  persist_retry:
    initial_delay: 50ms
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 9000 {
		t.Errorf("unexpected server config: %+v", cfg.Server)
	}
	if cfg.Storage.DatabasePath == "" {
		t.Error("database_path should be set")
	}
	if cfg.Debug {
		t.Error("debug should default to false when unset")
	}
	if cfg.Pipeline.BatchSize != 250 {
		t.Errorf("batch_size = %d, want 250", cfg.Pipeline.BatchSize)
	}
	if cfg.Pipeline.GeometryTimeout != 3*time.Second {
		t.Errorf("geometry_timeout = %s, want 3s", cfg.Pipeline.GeometryTimeout)
	}
	if cfg.Pipeline.AutoGeometryOrDefault() {
		t.Error("auto_geometry: false should be kept")
	}
	if cfg.Pipeline.PersistRetry.InitialDelay != 50*time.Millisecond {
		t.Errorf("persist_retry.initial_delay = %s", cfg.Pipeline.PersistRetry.InitialDelay)
	}
}

func TestLoad_missingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected an error for a missing config file")
	}
}

func TestLoad_envOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  port: 8080
storage:
  driver: sqlite
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("BIMINGEST_PORT", "9191")
	t.Setenv("BIMINGEST_STORAGE_DRIVER", "postgres")
	t.Setenv("BIMINGEST_POSTGRES_URL", "postgres://bim@localhost/bim")
	t.Setenv("BIMINGEST_GEOMETRY_WORKERS", "3")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 9191 {
		t.Errorf("port = %d, want 9191 from the environment", cfg.Server.Port)
	}
	if cfg.Storage.Driver != DriverPostgres {
		t.Errorf("driver = %q, want postgres", cfg.Storage.Driver)
	}
	if cfg.Storage.PostgresURL != "postgres://bim@localhost/bim" {
		t.Errorf("postgres_url = %q", cfg.Storage.PostgresURL)
	}
	if cfg.Pipeline.GeometryWorkers != 3 {
		t.Errorf("geometry_workers = %d, want 3", cfg.Pipeline.GeometryWorkers)
	}
}

func TestLoad_debugTrue(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
debug: true
server:
  host: "localhost"
  port: 8080
storage:
  database_path: "test.db"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.Debug {
		t.Error("debug should be true when set in config")
	}
}

func TestLoad_expandPathDotSlashRelativeToConfigDir(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
storage:
  database_path: "./data/db/models.db"
  upload_dir: "./data/uploads"
watch:
  directories: ["./inbox"]
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	wantDB := filepath.Join(dir, "data", "db", "models.db")
	if cfg.Storage.DatabasePath != wantDB {
		t.Errorf("database_path = %s, want %s", cfg.Storage.DatabasePath, wantDB)
	}
	wantUploads := filepath.Join(dir, "data", "uploads")
	if cfg.Storage.UploadDir != wantUploads {
		t.Errorf("upload_dir = %s, want %s", cfg.Storage.UploadDir, wantUploads)
	}
	if len(cfg.Watch.Directories) != 1 {
		t.Fatalf("watch directories: got %d", len(cfg.Watch.Directories))
	}
	wantWatch := filepath.Join(dir, "inbox")
	if cfg.Watch.Directories[0] != wantWatch {
		t.Errorf("watch directory = %s, want %s", cfg.Watch.Directories[0], wantWatch)
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)
	if cfg.Server.Host != "localhost" {
		t.Errorf("default host: got %s", cfg.Server.Host)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("default port: got %d", cfg.Server.Port)
	}
	if cfg.Storage.Driver != DriverSQLite {
		t.Errorf("default driver: got %s", cfg.Storage.Driver)
	}
	if cfg.Pipeline.BatchSize != 500 {
		t.Errorf("default batch size: got %d", cfg.Pipeline.BatchSize)
	}
	if cfg.Pipeline.GeometryWorkers != runtime.NumCPU() {
		t.Errorf("default geometry workers: got %d", cfg.Pipeline.GeometryWorkers)
	}
	if cfg.Pipeline.GeometryTimeout != 10*time.Second {
		t.Errorf("default geometry timeout: got %s", cfg.Pipeline.GeometryTimeout)
	}
	if cfg.Pipeline.MaxConcurrentModels != 2 {
		t.Errorf("default max concurrent models: got %d", cfg.Pipeline.MaxConcurrentModels)
	}
	if !cfg.Pipeline.AutoGeometryOrDefault() {
		t.Error("auto geometry should default to true")
	}
	if cfg.Pipeline.CircleSegments != 16 {
		t.Errorf("default circle segments: got %d", cfg.Pipeline.CircleSegments)
	}
	if len(cfg.Watch.Extensions) != 2 || cfg.Watch.Extensions[0] != ".ifc" || cfg.Watch.Extensions[1] != ".ifczip" {
		t.Errorf("watch extensions: got %v", cfg.Watch.Extensions)
	}
	if cfg.Watch.Recursive != nil {
		t.Error("recursive should stay unset without directories")
	}
}

func TestApplyDefaults_WatchRecursiveWhenDirectoriesSet(t *testing.T) {
	cfg := &Config{Watch: WatchConfig{Directories: []string{"/tmp/inbox"}}}
	ApplyDefaults(cfg)
	if cfg.Watch.Recursive == nil || !*cfg.Watch.Recursive {
		t.Error("recursive should default to true when directories are set")
	}
}

func TestWatchConfig_RecursiveOrDefault(t *testing.T) {
	t.Run("nil_returns_true", func(t *testing.T) {
		w := &WatchConfig{}
		if got := w.RecursiveOrDefault(); !got {
			t.Errorf("RecursiveOrDefault() = %v, want true", got)
		}
	})
	t.Run("false_returns_false", func(t *testing.T) {
		f := false
		w := &WatchConfig{Recursive: &f}
		if got := w.RecursiveOrDefault(); got {
			t.Errorf("RecursiveOrDefault() = %v, want false", got)
		}
	})
}

func TestPipelineConfig_Orchestrator(t *testing.T) {
	p := PipelineConfig{
		BatchSize:       100,
		GeometryWorkers: 4,
		GeometryTimeout: time.Second,
		CircleSegments:  24,
		PersistRetry:    RetryConfig{MaxRetries: 5, MaxDelay: time.Second},
	}
	pc := p.Orchestrator()
	if pc.BatchSize != 100 || pc.GeometryWorkers != 4 || pc.GeometryTimeout != time.Second || pc.CircleSegments != 24 {
		t.Errorf("unexpected pipeline config: %+v", pc)
	}
	if pc.Retry == nil || pc.Retry.MaxRetries != 5 || pc.Retry.MaxDelay != time.Second {
		t.Errorf("unexpected retry config: %+v", pc.Retry)
	}
	if pc.Retry.InitialDelay != 100*time.Millisecond {
		t.Errorf("unset initial delay should keep the retry default, got %s", pc.Retry.InitialDelay)
	}
}

func TestSave(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "saved.yaml")
	cfg := &Config{
		Server:   ServerConfig{Host: "localhost", Port: 9090},
		Storage:  StorageConfig{DatabasePath: "/tmp/db"},
		Pipeline: PipelineConfig{GeometryTimeout: 7 * time.Second},
		Watch:    WatchConfig{Directories: []string{"/tmp/inbox"}},
	}
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Server.Port != 9090 {
		t.Errorf("loaded port: got %d", loaded.Server.Port)
	}
	if loaded.Pipeline.GeometryTimeout != 7*time.Second {
		t.Errorf("loaded geometry timeout: got %s", loaded.Pipeline.GeometryTimeout)
	}
	if len(loaded.Watch.Directories) != 1 || loaded.Watch.Directories[0] != "/tmp/inbox" {
		t.Errorf("loaded watch directories: got %v", loaded.Watch.Directories)
	}
}

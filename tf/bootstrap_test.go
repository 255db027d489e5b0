package tf

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"testing"
)

func TestResolveRuntimeArtifact(t *testing.T) {
	tests := []struct {
		name    string
		goos    string
		goarch  string
		want    runtimeArtifact
		wantErr bool
	}{
		{
			name:   "darwin arm64",
			goos:   "darwin",
			goarch: "arm64",
			want: runtimeArtifact{
				platform:         "darwin-arm64",
				archiveExtension: "tar.gz",
				primaryLibrary:   "libtensorflow.dylib",
				libraryGlob:      "libtensorflow*.dylib",
			},
		},
		{
			name:   "darwin amd64",
			goos:   "darwin",
			goarch: "amd64",
			want: runtimeArtifact{
				platform:         "darwin-x86_64",
				archiveExtension: "tar.gz",
				primaryLibrary:   "libtensorflow.dylib",
				libraryGlob:      "libtensorflow*.dylib",
			},
		},
		{
			name:   "linux amd64",
			goos:   "linux",
			goarch: "amd64",
			want: runtimeArtifact{
				platform:         "linux-x86_64",
				archiveExtension: "tar.gz",
				primaryLibrary:   "libtensorflow.so",
				libraryGlob:      "libtensorflow.so*",
			},
		},
		{
			name:   "linux arm64",
			goos:   "linux",
			goarch: "arm64",
			want: runtimeArtifact{
				platform:         "linux-arm64",
				archiveExtension: "tar.gz",
				primaryLibrary:   "libtensorflow.so",
				libraryGlob:      "libtensorflow.so*",
			},
		},
		{
			name:   "windows amd64",
			goos:   "windows",
			goarch: "amd64",
			want: runtimeArtifact{
				platform:         "windows-x86_64",
				archiveExtension: "zip",
				primaryLibrary:   "tensorflow.dll",
				libraryGlob:      "tensorflow*.dll",
			},
		},
		{
			name:    "unsupported",
			goos:    "linux",
			goarch:  "386",
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := resolveRuntimeArtifact(tc.goos, tc.goarch)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Errorf("expected %+v, got %+v", tc.want, got)
			}
		})
	}
}

func TestRuntimeArtifactNaming(t *testing.T) {
	artifact, err := resolveRuntimeArtifact("linux", "amd64")
	if err != nil {
		t.Fatal(err)
	}

	if got := artifact.archiveName("2.15.0"); got != "libtensorflow-cpu-linux-x86_64-2.15.0" {
		t.Errorf("unexpected archive name: %q", got)
	}
	if got := artifact.archiveFilename("2.15.0"); got != "libtensorflow-cpu-linux-x86_64-2.15.0.tar.gz" {
		t.Errorf("unexpected archive filename: %q", got)
	}

	url := artifact.downloadURL("https://storage.googleapis.com/tensorflow/libtensorflow/", "2.15.0")
	want := "https://storage.googleapis.com/tensorflow/libtensorflow/libtensorflow-cpu-linux-x86_64-2.15.0.tar.gz"
	if url != want {
		t.Errorf("expected URL %q, got %q", want, url)
	}
}

func TestNormalizeRuntimeVersion(t *testing.T) {
	tests := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{"2.15.0", "2.15.0", false},
		{"v2.15.0", "2.15.0", false},
		{" 2.16.1 ", "2.16.1", false},
		{"2.15", "", true},
		{"2", "", true},
		{"", "", true},
		{"2.15.0-rc1", "", true},
		{"2.15.0+build5", "", true},
		{"abc", "", true},
		{"2.15.0.1", "", true},
	}

	for _, tc := range tests {
		t.Run(tc.input, func(t *testing.T) {
			got, err := normalizeRuntimeVersion(tc.input)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q, got %q", tc.input, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Errorf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestSecureArchiveJoin(t *testing.T) {
	base := t.TempDir()

	tests := []struct {
		name    string
		entry   string
		wantErr bool
	}{
		{"plain file", "lib/libtensorflow.so", false},
		{"nested", "include/tensorflow/c/c_api.h", false},
		{"dot segments collapsed", "./lib//libtensorflow.so.2", false},
		{"backslash separators", "lib\\tensorflow.dll", false},
		{"empty", "", true},
		{"dot only", ".", true},
		{"traversal", "../evil", true},
		{"nested traversal", "lib/../../evil", true},
		{"absolute", "/etc/passwd", true},
		{"drive letter", "C:\\windows\\evil.dll", true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := secureArchiveJoin(base, tc.entry)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error for entry %q, got %q", tc.entry, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !strings.HasPrefix(got, base) {
				t.Errorf("joined path %q escapes base %q", got, base)
			}
		})
	}
}

func TestBootstrapOptionValidation(t *testing.T) {
	if _, err := EnsureLibtensorflowSharedLibrary(WithBootstrapLibraryPath("  ")); err == nil {
		t.Error("expected error for empty library path")
	}
	if _, err := EnsureLibtensorflowSharedLibrary(WithBootstrapCacheDir("")); err == nil {
		t.Error("expected error for empty cache dir")
	}
	if _, err := EnsureLibtensorflowSharedLibrary(WithBootstrapVersion("")); err == nil {
		t.Error("expected error for empty version")
	}
	if _, err := EnsureLibtensorflowSharedLibrary(WithBootstrapVersion("not-semver")); err == nil {
		t.Error("expected error for invalid version")
	}
	if _, err := EnsureLibtensorflowSharedLibrary(WithBootstrapExpectedSHA256("short")); err == nil {
		t.Error("expected error for short checksum")
	}
	if _, err := EnsureLibtensorflowSharedLibrary(WithBootstrapExpectedSHA256(strings.Repeat("Z", 64))); err == nil {
		t.Error("expected error for non-hex checksum")
	}
}

func TestBootstrapEnvironmentOverrides(t *testing.T) {
	t.Setenv("LIBTENSORFLOW_LIB_PATH", "")
	t.Setenv("LIBTENSORFLOW_VERSION", "3.1.2")
	t.Setenv("LIBTENSORFLOW_CACHE_DIR", "/custom/cache")
	t.Setenv("LIBTENSORFLOW_DISABLE_DOWNLOAD", "true")

	cfg, err := resolveBootstrapConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.version != "3.1.2" {
		t.Errorf("expected version 3.1.2, got %q", cfg.version)
	}
	if cfg.cacheDir != filepath.Clean("/custom/cache") {
		t.Errorf("expected cache dir /custom/cache, got %q", cfg.cacheDir)
	}
	if !cfg.disableDownload {
		t.Error("expected download to be disabled")
	}
}

func TestBootstrapEnvironmentDefaults(t *testing.T) {
	t.Setenv("LIBTENSORFLOW_LIB_PATH", "")
	t.Setenv("LIBTENSORFLOW_VERSION", "")
	t.Setenv("LIBTENSORFLOW_CACHE_DIR", "")
	t.Setenv("LIBTENSORFLOW_DISABLE_DOWNLOAD", "")

	cfg, err := resolveBootstrapConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.version != DefaultLibtensorflowVersion {
		t.Errorf("expected default version %q, got %q", DefaultLibtensorflowVersion, cfg.version)
	}
	if cfg.cacheDir == "" {
		t.Error("expected non-empty default cache dir")
	}
	if cfg.disableDownload {
		t.Error("expected download to be enabled by default")
	}
	if cfg.baseURL != defaultBootstrapBaseURL {
		t.Errorf("expected default base URL, got %q", cfg.baseURL)
	}
}

func TestParseBootstrapBoolEnv(t *testing.T) {
	tests := []struct {
		value   string
		want    bool
		wantErr bool
	}{
		{"", false, false},
		{"true", true, false},
		{"1", true, false},
		{"yes", true, false},
		{"ON", true, false},
		{"false", false, false},
		{"0", false, false},
		{"no", false, false},
		{"off", false, false},
		{"maybe", false, true},
	}

	for _, tc := range tests {
		t.Run(tc.value, func(t *testing.T) {
			t.Setenv("LIBTENSORFLOW_TEST_BOOL", tc.value)
			got, err := parseBootstrapBoolEnv("LIBTENSORFLOW_TEST_BOOL")
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tc.value)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Errorf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestEnsureWithExplicitLibraryPath(t *testing.T) {
	dir := t.TempDir()
	libFile := filepath.Join(dir, "libtensorflow.so")
	if err := os.WriteFile(libFile, []byte("not really a library"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := EnsureLibtensorflowSharedLibrary(WithBootstrapLibraryPath(libFile))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !filepath.IsAbs(got) {
		t.Errorf("expected absolute path, got %q", got)
	}

	// Missing file is rejected.
	if _, err := EnsureLibtensorflowSharedLibrary(WithBootstrapLibraryPath(filepath.Join(dir, "missing.so"))); err == nil {
		t.Error("expected error for missing library file")
	}

	// Empty file is rejected.
	emptyFile := filepath.Join(dir, "empty.so")
	if err := os.WriteFile(emptyFile, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := EnsureLibtensorflowSharedLibrary(WithBootstrapLibraryPath(emptyFile)); err == nil {
		t.Error("expected error for empty library file")
	}

	// Directory is rejected.
	if _, err := EnsureLibtensorflowSharedLibrary(WithBootstrapLibraryPath(dir)); err == nil {
		t.Error("expected error for directory path")
	}
}

func TestEnsureWithDownloadDisabledAndEmptyCache(t *testing.T) {
	t.Setenv("LIBTENSORFLOW_LIB_PATH", "")

	_, err := EnsureLibtensorflowSharedLibrary(
		WithBootstrapCacheDir(t.TempDir()),
		WithBootstrapDisableDownload(true),
	)
	if err == nil {
		t.Fatal("expected error with empty cache and downloads disabled")
	}
	if !strings.Contains(err.Error(), "download is disabled") {
		t.Errorf("unexpected error message: %v", err)
	}
}

// currentPlatformArchive builds an in-memory archive shaped like an official
// libtensorflow release for the current platform.
func currentPlatformArchive(t *testing.T) (artifact runtimeArtifact, payload []byte) {
	t.Helper()

	artifact, err := resolveRuntimeArtifact(runtime.GOOS, runtime.GOARCH)
	if err != nil {
		t.Skipf("no libtensorflow artifact for this platform: %v", err)
	}

	files := map[string][]byte{
		"lib/" + artifact.primaryLibrary: []byte("fake shared library payload"),
		"include/tensorflow/c/c_api.h":   []byte("// header"),
	}

	switch artifact.archiveExtension {
	case "tar.gz":
		return artifact, makeTGZ(t, files)
	case "zip":
		return artifact, makeZIP(t, files)
	default:
		t.Fatalf("unexpected archive extension %q", artifact.archiveExtension)
		return artifact, nil
	}
}

func makeTGZ(t *testing.T, files map[string][]byte) []byte {
	t.Helper()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	for name, content := range files {
		if err := tw.WriteHeader(&tar.Header{
			Name:     name,
			Mode:     0o644,
			Size:     int64(len(content)),
			Typeflag: tar.TypeReg,
		}); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write(content); err != nil {
			t.Fatal(err)
		}
	}

	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func makeZIP(t *testing.T, files map[string][]byte) []byte {
	t.Helper()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write(content); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestEnsureDownloadsAndExtracts(t *testing.T) {
	t.Setenv("LIBTENSORFLOW_LIB_PATH", "")
	t.Setenv("LIBTENSORFLOW_DISABLE_DOWNLOAD", "")

	artifact, payload := currentPlatformArchive(t)

	var requests int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if !strings.HasSuffix(r.URL.Path, artifact.archiveFilename("2.15.0")) {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(payload)
	}))
	defer server.Close()

	cacheDir := t.TempDir()
	path, err := EnsureLibtensorflowSharedLibrary(
		WithBootstrapCacheDir(cacheDir),
		WithBootstrapVersion("2.15.0"),
		withBootstrapBaseURL(server.URL),
	)
	if err != nil {
		t.Fatalf("bootstrap failed: %v", err)
	}

	if info, statErr := os.Stat(path); statErr != nil || info.Size() == 0 {
		t.Fatalf("expected extracted library at %q, stat error: %v", path, statErr)
	}
	if !strings.HasPrefix(path, cacheDir) {
		t.Errorf("expected library inside cache dir, got %q", path)
	}

	// Second call hits the cache without re-downloading.
	again, err := EnsureLibtensorflowSharedLibrary(
		WithBootstrapCacheDir(cacheDir),
		WithBootstrapVersion("2.15.0"),
		withBootstrapBaseURL(server.URL),
	)
	if err != nil {
		t.Fatalf("cached bootstrap failed: %v", err)
	}
	if again != path {
		t.Errorf("expected cached path %q, got %q", path, again)
	}
	if requests != 1 {
		t.Errorf("expected exactly one download, got %d", requests)
	}
}

func TestEnsureChecksumMismatch(t *testing.T) {
	t.Setenv("LIBTENSORFLOW_LIB_PATH", "")
	t.Setenv("LIBTENSORFLOW_DISABLE_DOWNLOAD", "")

	artifact, payload := currentPlatformArchive(t)
	_ = artifact

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(payload)
	}))
	defer server.Close()

	_, err := EnsureLibtensorflowSharedLibrary(
		WithBootstrapCacheDir(t.TempDir()),
		WithBootstrapVersion("2.15.0"),
		withBootstrapBaseURL(server.URL),
		WithBootstrapExpectedSHA256(strings.Repeat("0", 64)),
	)
	if err == nil {
		t.Fatal("expected checksum mismatch error")
	}
	if !strings.Contains(err.Error(), "checksum mismatch") {
		t.Errorf("unexpected error message: %v", err)
	}
}

func TestEnsureChecksumMatch(t *testing.T) {
	t.Setenv("LIBTENSORFLOW_LIB_PATH", "")
	t.Setenv("LIBTENSORFLOW_DISABLE_DOWNLOAD", "")

	_, payload := currentPlatformArchive(t)

	sum := sha256.Sum256(payload)
	expected := hex.EncodeToString(sum[:])

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(payload)
	}))
	defer server.Close()

	_, err := EnsureLibtensorflowSharedLibrary(
		WithBootstrapCacheDir(t.TempDir()),
		WithBootstrapVersion("2.15.0"),
		withBootstrapBaseURL(server.URL),
		WithBootstrapExpectedSHA256(expected),
	)
	if err != nil {
		t.Fatalf("unexpected error with matching checksum: %v", err)
	}
}

func TestEnsureRejectsHTTPError(t *testing.T) {
	t.Setenv("LIBTENSORFLOW_LIB_PATH", "")
	t.Setenv("LIBTENSORFLOW_DISABLE_DOWNLOAD", "")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such object", http.StatusNotFound)
	}))
	defer server.Close()

	_, err := EnsureLibtensorflowSharedLibrary(
		WithBootstrapCacheDir(t.TempDir()),
		WithBootstrapVersion("9.9.9"),
		withBootstrapBaseURL(server.URL),
	)
	if err == nil {
		t.Fatal("expected error for HTTP 404")
	}
	if !strings.Contains(err.Error(), "404") {
		t.Errorf("expected status code in error, got: %v", err)
	}
}

func TestDownloadRejectsOversizeArchive(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.FormatInt(maxArchiveBytes+1, 10))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := bootstrapConfig{
		cacheDir:   t.TempDir(),
		httpClient: server.Client(),
	}

	_, _, err := downloadRuntimeArchive(cfg, server.URL)
	if err == nil {
		t.Fatal("expected error for oversize archive")
	}
	if !strings.Contains(err.Error(), "too large") {
		t.Errorf("unexpected error message: %v", err)
	}
}

func TestExtractTGZRejectsTraversal(t *testing.T) {
	archive := makeTGZ(t, map[string][]byte{
		"../escape.so": []byte("evil"),
	})

	archivePath := filepath.Join(t.TempDir(), "evil.tar.gz")
	if err := os.WriteFile(archivePath, archive, 0o644); err != nil {
		t.Fatal(err)
	}

	err := extractTGZArchive(archivePath, t.TempDir())
	if err == nil {
		t.Fatal("expected error for traversal entry")
	}
	if !strings.Contains(err.Error(), "unsafe archive entry path") {
		t.Errorf("unexpected error message: %v", err)
	}
}

func TestExtractZIPRejectsTraversal(t *testing.T) {
	archive := makeZIP(t, map[string][]byte{
		"../escape.dll": []byte("evil"),
	})

	archivePath := filepath.Join(t.TempDir(), "evil.zip")
	if err := os.WriteFile(archivePath, archive, 0o644); err != nil {
		t.Fatal(err)
	}

	err := extractZIPArchive(archivePath, t.TempDir())
	if err == nil {
		t.Fatal("expected error for traversal entry")
	}
	if !strings.Contains(err.Error(), "unsafe archive entry path") {
		t.Errorf("unexpected error message: %v", err)
	}
}

func TestExtractRejectsEmptyArchive(t *testing.T) {
	archive := makeTGZ(t, map[string][]byte{})

	archivePath := filepath.Join(t.TempDir(), "empty.tar.gz")
	if err := os.WriteFile(archivePath, archive, 0o644); err != nil {
		t.Fatal(err)
	}

	if err := extractTGZArchive(archivePath, t.TempDir()); err == nil {
		t.Error("expected error for archive without regular files")
	}
}

func TestWithProcessFileLockRejectsNilCallback(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "test.lock")
	if err := withProcessFileLock(lockPath, nil); err == nil {
		t.Error("expected error for nil callback")
	}
}

func TestWithProcessFileLockRuns(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "test.lock")

	ran := false
	err := withProcessFileLock(lockPath, func() error {
		ran = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ran {
		t.Error("expected callback to run")
	}

	// Lock is reacquirable after release.
	if err := withProcessFileLock(lockPath, func() error { return nil }); err != nil {
		t.Fatalf("unexpected error reacquiring lock: %v", err)
	}
}

func TestWithProcessFileLockSerializes(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "serial.lock")

	var critMu sync.Mutex
	inCritical := 0
	maxInCritical := 0

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = withProcessFileLock(lockPath, func() error {
				critMu.Lock()
				inCritical++
				if inCritical > maxInCritical {
					maxInCritical = inCritical
				}
				inCritical--
				critMu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	if maxInCritical > 1 {
		t.Errorf("expected at most one holder of the lock, saw %d", maxInCritical)
	}
}

func TestResolveExtractedLibraryPathNotFound(t *testing.T) {
	artifact, err := resolveRuntimeArtifact("linux", "amd64")
	if err != nil {
		t.Fatal(err)
	}

	_, err = resolveExtractedLibraryPath(t.TempDir(), artifact)
	if err == nil {
		t.Fatal("expected not-found error for empty install dir")
	}
}

func TestResolveExtractedLibraryPathFindsVersionedName(t *testing.T) {
	artifact, err := resolveRuntimeArtifact("linux", "amd64")
	if err != nil {
		t.Fatal(err)
	}

	installDir := t.TempDir()
	libDir := filepath.Join(installDir, "lib")
	if err := os.MkdirAll(libDir, 0o755); err != nil {
		t.Fatal(err)
	}
	// Only the soname-versioned file is present.
	if err := os.WriteFile(filepath.Join(libDir, "libtensorflow.so.2"), []byte("payload"), 0o644); err != nil {
		t.Fatal(err)
	}

	path, err := resolveExtractedLibraryPath(installDir, artifact)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if filepath.Base(path) != "libtensorflow.so.2" {
		t.Errorf("expected versioned library, got %q", path)
	}
}

package model

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/example/go-audio-edit/internal/onnx"
)

// ONNXBundleLock pins downloadable bundle archives to checksums, the archive
// analogue of the per-file download manifest.
type ONNXBundleLock struct {
	Version int          `json:"version"`
	Bundles []ONNXBundle `json:"bundles"`
}

// ONNXBundle is one pinned archive: a zip or tar.gz holding manifest.json
// plus the graph files it names.
type ONNXBundle struct {
	ID      string `json:"id"`
	Variant string `json:"variant"`
	URL     string `json:"url"`
	SHA256  string `json:"sha256"`
}

func (l ONNXBundleLock) byID(id string) (ONNXBundle, bool) {
	for _, b := range l.Bundles {
		if b.ID == id {
			return b, true
		}
	}
	return ONNXBundle{}, false
}

func (l ONNXBundleLock) byVariant(variant string) (ONNXBundle, bool) {
	for _, b := range l.Bundles {
		if b.Variant == variant {
			return b, true
		}
	}
	return ONNXBundle{}, false
}

type DownloadONNXBundleOptions struct {
	BundleID   string
	Variant    string
	BundleURL  string
	SHA256     string
	LockFile   string
	OutDir     string
	HTTPClient *http.Client
	Stdout     io.Writer
	Stderr     io.Writer
}

// DownloadONNXBundle fetches a bundle archive, verifies its checksum,
// extracts it into OutDir, and validates the extracted manifest against the
// graphs the edit pipeline requires. The archive source is either an
// explicit URL or a lock-file entry selected by bundle ID or variant.
func DownloadONNXBundle(opts DownloadONNXBundleOptions) error {
	if opts.OutDir == "" {
		return errors.New("out dir is required")
	}
	if opts.Variant == "" {
		opts.Variant = "large"
	}
	if opts.LockFile == "" {
		opts.LockFile = filepath.Join("bundles", "onnx-bundles.lock.json")
	}
	if opts.Stdout == nil {
		opts.Stdout = io.Discard
	}
	if opts.Stderr == nil {
		opts.Stderr = io.Discard
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 0}
	}

	bundleURL := strings.TrimSpace(opts.BundleURL)
	checksum := strings.ToLower(strings.TrimSpace(opts.SHA256))
	if bundleURL == "" {
		b, err := resolveBundleFromLock(opts.LockFile, opts.BundleID, opts.Variant)
		if err != nil {
			return err
		}

		bundleURL = b.URL
		if checksum == "" {
			checksum = strings.ToLower(strings.TrimSpace(b.SHA256))
		}

		fmt.Fprintf(opts.Stdout, "resolved ONNX bundle from lock: id=%s variant=%s url=%s\n", b.ID, b.Variant, b.URL)
	}

	if bundleURL == "" {
		return fmt.Errorf("bundle URL is required (pass --bundle-url or configure %s)", opts.LockFile)
	}
	if checksum != "" && !isSHA256Hex(checksum) {
		return fmt.Errorf("invalid sha256 checksum %q", checksum)
	}

	if err := os.MkdirAll(opts.OutDir, 0o755); err != nil {
		return fmt.Errorf("create out dir: %w", err)
	}

	inst := &bundleInstaller{client: opts.HTTPClient, stdout: opts.Stdout}

	archive, actualSHA, err := inst.fetch(bundleURL)
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(archive) }()

	if checksum != "" && checksum != actualSHA {
		return fmt.Errorf("bundle checksum mismatch: expected %s got %s", checksum, actualSHA)
	}
	fmt.Fprintf(opts.Stdout, "downloaded ONNX bundle (%s) sha256=%s\n", bundleURL, actualSHA)

	if err := extractBundle(archive, opts.OutDir); err != nil {
		return err
	}
	fmt.Fprintf(opts.Stdout, "extracted bundle into %s\n", opts.OutDir)

	if err := validateBundleDir(opts.OutDir); err != nil {
		return err
	}
	fmt.Fprintf(opts.Stdout, "verified ONNX bundle manifest in %s\n", opts.OutDir)

	return nil
}

func resolveBundleFromLock(lockFile, bundleID, variant string) (ONNXBundle, error) {
	data, err := os.ReadFile(lockFile)
	if err != nil {
		return ONNXBundle{}, fmt.Errorf("read ONNX bundle lock file %q: %w", lockFile, err)
	}

	var lock ONNXBundleLock
	if err := json.Unmarshal(data, &lock); err != nil {
		return ONNXBundle{}, fmt.Errorf("decode ONNX bundle lock file %q: %w", lockFile, err)
	}

	if len(lock.Bundles) == 0 {
		return ONNXBundle{}, fmt.Errorf("ONNX bundle lock %q has no bundles; pass --bundle-url", lockFile)
	}

	if bundleID != "" {
		if b, ok := lock.byID(bundleID); ok {
			return b, nil
		}
		return ONNXBundle{}, fmt.Errorf("bundle id %q not found in %s", bundleID, lockFile)
	}

	if b, ok := lock.byVariant(variant); ok {
		return b, nil
	}
	return ONNXBundle{}, fmt.Errorf("no bundle found for variant %q in %s", variant, lockFile)
}

// bundleInstaller stages bundle archives from remote or local sources.
type bundleInstaller struct {
	client *http.Client
	stdout io.Writer
}

// fetch stages the archive at bundleURL into a temp file, hashing it on the
// way through. The caller removes the returned path.
func (bi *bundleInstaller) fetch(bundleURL string) (string, string, error) {
	src, size, err := bi.open(bundleURL)
	if err != nil {
		return "", "", err
	}
	defer func() { _ = src.Close() }()

	tmpFile, err := os.CreateTemp("", "audioedit-onnx-bundle-*")
	if err != nil {
		return "", "", fmt.Errorf("create temp bundle file: %w", err)
	}
	tmpPath := tmpFile.Name()

	sum := sha256.New()
	meter := &progressWriter{out: bi.stdout, total: size, last: time.Now()}

	if _, err := io.Copy(io.MultiWriter(tmpFile, sum, meter), src); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return "", "", fmt.Errorf("write temp bundle file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", "", fmt.Errorf("close temp bundle file: %w", err)
	}

	return tmpPath, hex.EncodeToString(sum.Sum(nil)), nil
}

// open returns a reader over the bundle archive plus its size when known.
// Sources are http(s) URLs or local paths, with or without a file:// prefix.
func (bi *bundleInstaller) open(bundleURL string) (io.ReadCloser, int64, error) {
	if strings.HasPrefix(bundleURL, "http://") || strings.HasPrefix(bundleURL, "https://") {
		resp, err := bi.client.Get(bundleURL)
		if err != nil {
			return nil, 0, fmt.Errorf("bundle download failed: %w", err)
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			_ = resp.Body.Close()
			return nil, 0, fmt.Errorf("bundle download failed: %s", resp.Status)
		}
		return resp.Body, resp.ContentLength, nil
	}

	local := strings.TrimPrefix(bundleURL, "file://")
	fh, err := os.Open(local)
	if err != nil {
		return nil, 0, fmt.Errorf("open local bundle %q: %w", local, err)
	}

	var size int64
	if info, err := fh.Stat(); err == nil {
		size = info.Size()
	}
	return fh, size, nil
}

func extractBundle(archivePath, outDir string) error {
	switch name := strings.ToLower(archivePath); {
	case strings.HasSuffix(name, ".zip"):
		return extractZip(archivePath, outDir)
	case strings.HasSuffix(name, ".tar.gz"), strings.HasSuffix(name, ".tgz"):
		return extractTarGz(archivePath, outDir)
	}

	// Staged temp files carry no extension; sniff by trying both.
	if err := extractZip(archivePath, outDir); err == nil {
		return nil
	}
	if err := extractTarGz(archivePath, outDir); err == nil {
		return nil
	}

	return fmt.Errorf("unsupported bundle format for %s (expected .zip or .tar.gz/.tgz)", archivePath)
}

func extractZip(archivePath, outDir string) error {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("open zip bundle: %w", err)
	}
	defer func() { _ = zr.Close() }()

	for _, f := range zr.File {
		target, err := extractTarget(outDir, f.Name)
		if err != nil {
			return err
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("create dir %s: %w", target, err)
			}
			continue
		}

		src, err := f.Open()
		if err != nil {
			return fmt.Errorf("open zip entry %s: %w", f.Name, err)
		}

		err = writeEntry(target, src)
		_ = src.Close()
		if err != nil {
			return fmt.Errorf("extract zip entry %s: %w", f.Name, err)
		}
	}

	return nil
}

func extractTarGz(archivePath, outDir string) error {
	fh, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("open tar.gz bundle: %w", err)
	}
	defer func() { _ = fh.Close() }()

	gz, err := gzip.NewReader(fh)
	if err != nil {
		return fmt.Errorf("open gzip reader: %w", err)
	}
	defer func() { _ = gz.Close() }()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read tar entry: %w", err)
		}

		target, err := extractTarget(outDir, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("create dir %s: %w", target, err)
			}
		case tar.TypeReg:
			if err := writeEntry(target, tr); err != nil {
				return fmt.Errorf("extract tar entry %s: %w", hdr.Name, err)
			}
		default:
			// Symlinks and other special entries are dropped.
		}
	}

	return nil
}

// writeEntry copies one archive entry to target, creating parent directories.
func writeEntry(target string, src io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create parent dir: %w", err)
	}

	dst, err := os.Create(target)
	if err != nil {
		return err
	}

	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return err
	}

	return dst.Close()
}

// extractTarget joins an archive entry name onto outDir and rejects names
// that would escape it.
func extractTarget(outDir, entryName string) (string, error) {
	cleaned := filepath.Clean(strings.TrimPrefix(entryName, "/"))
	target := filepath.Join(outDir, cleaned)

	base := filepath.Clean(outDir) + string(os.PathSeparator)
	if !strings.HasPrefix(filepath.Clean(target)+string(os.PathSeparator), base) {
		return "", fmt.Errorf("unsafe archive path traversal attempt: %q", entryName)
	}

	return target, nil
}

// validateBundleDir loads the extracted manifest through the session layer
// and checks it covers every graph the edit pipeline needs.
func validateBundleDir(outDir string) error {
	sm, err := onnx.NewSessionManager(filepath.Join(outDir, "manifest.json"))
	if err != nil {
		return err
	}

	var missing []string
	for _, name := range onnx.RequiredGraphs() {
		if _, ok := sm.Session(name); !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("bundle manifest missing required graph(s): %s", strings.Join(missing, ", "))
	}

	return nil
}

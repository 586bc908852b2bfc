package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

type DownloadOptions struct {
	Repo    string
	OutDir  string
	HFToken string
	Stdout  io.Writer
	Stderr  io.Writer
}

// AccessDeniedError marks a 401/403 from the hub so callers can suggest
// passing a token or switching repos.
type AccessDeniedError struct {
	Repo string
	Msg  string
}

func (e *AccessDeniedError) Error() string {
	if e.Msg != "" {
		return e.Msg
	}
	return fmt.Sprintf("access denied for %s", e.Repo)
}

// checksumLock pins the per-file checksums resolved on first download so
// later runs verify the local graph bundle without asking the hub again.
type checksumLock struct {
	Repo      string                    `json:"repo"`
	Generated string                    `json:"generated"`
	Files     map[string]pinnedChecksum `json:"files"`
}

type pinnedChecksum struct {
	Revision string `json:"revision"`
	SHA256   string `json:"sha256"`
}

var shaHexPattern = regexp.MustCompile(`(?i)^[a-f0-9]{64}$`)

// Download fetches the pinned graph bundle for opts.Repo into opts.OutDir.
// Files whose on-disk checksum already matches are skipped, so re-running
// after a partial download only fetches what is missing.
func Download(opts DownloadOptions) error {
	if opts.Repo == "" {
		return fmt.Errorf("repo is required")
	}
	if opts.OutDir == "" {
		return fmt.Errorf("out dir is required")
	}
	if opts.Stdout == nil {
		opts.Stdout = io.Discard
	}
	if opts.Stderr == nil {
		opts.Stderr = io.Discard
	}

	manifest, err := PinnedManifest(opts.Repo)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(opts.OutDir, 0o755); err != nil {
		return fmt.Errorf("create out dir: %w", err)
	}

	lockPath := filepath.Join(opts.OutDir, "download-manifest.lock.json")
	lock := readChecksumLock(lockPath)
	if lock.Files == nil {
		lock.Files = make(map[string]pinnedChecksum)
	}
	lock.Repo = opts.Repo
	lock.Generated = time.Now().UTC().Format(time.RFC3339)

	h := &hub{client: &http.Client{Timeout: 0}, token: opts.HFToken}

	for _, f := range manifest.Files {
		expected := strings.ToLower(f.SHA256)
		if expected == "" {
			if pin, ok := lock.Files[f.Filename]; ok && pin.Revision == f.Revision && isSHA256Hex(pin.SHA256) {
				expected = strings.ToLower(pin.SHA256)
			} else {
				expected, err = h.headChecksum(manifest.Repo, f)
				if err != nil {
					return err
				}
			}
		}

		localPath := filepath.Join(opts.OutDir, filepath.FromSlash(f.Filename))
		if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
			return fmt.Errorf("create local subdir: %w", err)
		}

		if ok, err := existingMatches(localPath, expected); err != nil {
			return err
		} else if ok {
			fmt.Fprintf(opts.Stdout, "skip %s (checksum match)\n", f.Filename)
			lock.Files[f.Filename] = pinnedChecksum{Revision: f.Revision, SHA256: expected}
			continue
		}

		fmt.Fprintf(opts.Stdout, "download %s@%s -> %s\n", f.Filename, f.Revision, localPath)
		actual, err := h.fetch(manifest.Repo, f, localPath, opts.Stdout)
		if err != nil {
			return err
		}
		if actual != expected {
			return fmt.Errorf("checksum mismatch for %s: expected %s got %s", f.Filename, expected, actual)
		}
		fmt.Fprintf(opts.Stdout, "verified %s (sha256=%s)\n", f.Filename, actual)
		lock.Files[f.Filename] = pinnedChecksum{Revision: f.Revision, SHA256: expected}
	}

	if err := writeChecksumLock(lockPath, lock); err != nil {
		return err
	}
	fmt.Fprintf(opts.Stdout, "wrote lock manifest: %s\n", lockPath)
	return nil
}

func existingMatches(path, expected string) (bool, error) {
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat existing file: %w", err)
	}
	if fi.IsDir() {
		return false, fmt.Errorf("expected file at %s, found directory", path)
	}
	actual, err := fileSHA256(path)
	if err != nil {
		return false, err
	}
	return actual == expected, nil
}

// hub resolves and fetches files from the Hugging Face CDN. The zero value
// works for URL construction; fetching needs a client.
type hub struct {
	client *http.Client
	token  string
}

func (h *hub) fileURL(repo string, f ModelFile) string {
	return fmt.Sprintf("https://huggingface.co/%s/resolve/%s/%s", repo, f.Revision, f.Filename)
}

func (h *hub) newRequest(method, url string) (*http.Request, error) {
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		return nil, err
	}
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}
	return req, nil
}

// fetch streams one file to outPath through a temp file, hashing as it
// writes, and returns the hex SHA256 of what arrived. The temp file is
// renamed into place only after the body is fully written.
func (h *hub) fetch(repo string, f ModelFile, outPath string, progress io.Writer) (string, error) {
	req, err := h.newRequest(http.MethodGet, h.fileURL(repo, f))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", &AccessDeniedError{
			Repo: repo,
			Msg:  fmt.Sprintf("access denied for %s; provide HF_TOKEN or --hf-token", repo),
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("download failed for %s: %s", f.Filename, resp.Status)
	}

	tmp := outPath + ".tmp"
	fh, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}

	sum := sha256.New()
	meter := &progressWriter{out: progress, total: resp.ContentLength, last: time.Now()}

	if _, err := io.Copy(io.MultiWriter(fh, sum, meter), resp.Body); err != nil {
		_ = fh.Close()
		_ = os.Remove(tmp)
		return "", fmt.Errorf("download read failed: %w", err)
	}

	if err := fh.Close(); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp, outPath); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("move temp file into place: %w", err)
	}

	return hex.EncodeToString(sum.Sum(nil)), nil
}

// headChecksum recovers a file's SHA256 from the hub's resolve metadata,
// for manifest entries without a pinned checksum.
func (h *hub) headChecksum(repo string, f ModelFile) (string, error) {
	req, err := h.newRequest(http.MethodHead, h.fileURL(repo, f))
	if err != nil {
		return "", fmt.Errorf("build metadata request: %w", err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("metadata request failed for %s: %w", f.Filename, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", &AccessDeniedError{
			Repo: repo,
			Msg:  fmt.Sprintf("access denied for %s; provide HF_TOKEN or --hf-token", repo),
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 399 {
		return "", fmt.Errorf("metadata request failed for %s: %s", f.Filename, resp.Status)
	}

	for _, key := range []string{"X-Linked-Etag", "X-Repo-Commit", "Etag"} {
		if v := normalizeETag(resp.Header.Get(key)); isSHA256Hex(v) {
			return strings.ToLower(v), nil
		}
	}

	return "", fmt.Errorf("unable to resolve sha256 metadata for %s; provide pinned checksum", f.Filename)
}

// progressWriter reports transfer progress at most every 700ms. Writes
// always succeed; it only counts bytes.
type progressWriter struct {
	out     io.Writer
	total   int64
	written int64
	last    time.Time
}

func (p *progressWriter) Write(b []byte) (int, error) {
	p.written += int64(len(b))
	if time.Since(p.last) > 700*time.Millisecond {
		if p.total > 0 {
			pct := float64(p.written) * 100 / float64(p.total)
			fmt.Fprintf(p.out, "  progress: %.1f%% (%d/%d bytes)\n", pct, p.written, p.total)
		} else {
			fmt.Fprintf(p.out, "  progress: %d bytes\n", p.written)
		}
		p.last = time.Now()
	}
	return len(b), nil
}

func normalizeETag(v string) string {
	v = strings.TrimSpace(v)
	v = strings.Trim(v, "\"")
	v = strings.TrimPrefix(v, "W/")
	v = strings.Trim(v, "\"")
	return v
}

func isSHA256Hex(v string) bool {
	return shaHexPattern.MatchString(v)
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open file for checksum: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("read file for checksum: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func readChecksumLock(path string) checksumLock {
	b, err := os.ReadFile(path)
	if err != nil {
		return checksumLock{}
	}
	var out checksumLock
	if err := json.Unmarshal(b, &out); err != nil {
		return checksumLock{}
	}
	if out.Files == nil {
		out.Files = map[string]pinnedChecksum{}
	}
	return out
}

func writeChecksumLock(path string, lock checksumLock) error {
	b, err := json.MarshalIndent(lock, "", "  ")
	if err != nil {
		return fmt.Errorf("encode lock manifest: %w", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("write lock manifest: %w", err)
	}
	return nil
}

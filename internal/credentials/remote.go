package credentials

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awscreds "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ErrRemoteBundle marks a failure to fetch or decode a remote bundle.
var ErrRemoteBundle = errors.New("remote credential bundle")

const maxRemoteBundleSize = 32 << 20 // 32 MB

// S3Options configures the s3:// fetch strategy. Endpoint and UsePathStyle
// allow S3-compatible stores.
type S3Options struct {
	Region          string `json:"region,omitempty"`
	Endpoint        string `json:"endpoint,omitempty"`
	AccessKeyID     string `json:"access_key_id,omitempty"`
	SecretAccessKey string `json:"secret_access_key,omitempty"`
	UsePathStyle    bool   `json:"use_path_style,omitempty"`
}

// bundleDoc is the portable bundle format: relative file name → base64 content.
type bundleDoc struct {
	Files map[string]string `json:"files"`
}

type remoteFetcher struct {
	s3   S3Options
	http *http.Client
}

func newRemoteFetcher(s3opts S3Options, timeout time.Duration) *remoteFetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &remoteFetcher{
		s3:   s3opts,
		http: &http.Client{Timeout: timeout},
	}
}

// Fetch resolves ref to raw bundle JSON, possibly still sealed. s3:// refs
// go to S3, http-prefixed refs are downloaded, sealed refs pass through and
// anything else is inline base64.
func (f *remoteFetcher) Fetch(ctx context.Context, ref string) ([]byte, error) {
	switch {
	case strings.HasPrefix(ref, "s3://"):
		return f.fetchS3(ctx, ref)
	case strings.HasPrefix(ref, "http"):
		return f.fetchHTTP(ctx, ref)
	case IsSealed([]byte(ref)):
		return []byte(ref), nil
	default:
		data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(ref))
		if err != nil {
			return nil, fmt.Errorf("decode inline bundle: %w", err)
		}
		return data, nil
	}
}

func (f *remoteFetcher) fetchHTTP(ctx context.Context, ref string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxRemoteBundleSize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxRemoteBundleSize {
		return nil, fmt.Errorf("bundle exceeds %d bytes", maxRemoteBundleSize)
	}
	return data, nil
}

func (f *remoteFetcher) fetchS3(ctx context.Context, ref string) ([]byte, error) {
	bucket, key, err := parseS3Ref(ref)
	if err != nil {
		return nil, err
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if f.s3.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(f.s3.Region))
	}
	if f.s3.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			awscreds.NewStaticCredentialsProvider(f.s3.AccessKeyID, f.s3.SecretAccessKey, ""),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if f.s3.Endpoint != "" {
			o.BaseEndpoint = aws.String(f.s3.Endpoint)
		}
		o.UsePathStyle = f.s3.UsePathStyle
	})

	buf := manager.NewWriteAtBuffer(nil)
	downloader := manager.NewDownloader(client)
	if _, err := downloader.Download(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}); err != nil {
		return nil, fmt.Errorf("s3 download: %w", err)
	}
	return buf.Bytes(), nil
}

// parseS3Ref splits s3://bucket/key/path into bucket and key.
func parseS3Ref(ref string) (bucket, key string, err error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", "", fmt.Errorf("parse s3 ref: %w", err)
	}
	bucket = u.Host
	key = strings.TrimPrefix(u.Path, "/")
	if u.Scheme != "s3" || bucket == "" || key == "" {
		return "", "", fmt.Errorf("s3 ref must be s3://bucket/key, got %q", ref)
	}
	return bucket, key, nil
}

// describeRef returns a log-safe description of a remote reference.
// Inline bundles carry secrets and are never logged.
func describeRef(ref string) string {
	switch {
	case strings.HasPrefix(ref, "s3://"):
		return ref
	case strings.HasPrefix(ref, "http"):
		if u, err := url.Parse(ref); err == nil {
			return u.Scheme + "://" + u.Host + u.Path
		}
		return "http"
	default:
		return "inline"
	}
}

// Unpack writes the files of a bundle document into dir and returns how many
// were written. File names must stay inside dir.
func Unpack(dir string, data []byte) (int, error) {
	var doc bundleDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return 0, fmt.Errorf("decode bundle json: %w", err)
	}
	if len(doc.Files) == 0 {
		return 0, errors.New("bundle has no files")
	}

	names := make([]string, 0, len(doc.Files))
	for name := range doc.Files {
		clean := filepath.Clean(filepath.FromSlash(name))
		if clean == "." || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
			return 0, fmt.Errorf("bundle file %q escapes bundle dir", name)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		content, err := base64.StdEncoding.DecodeString(doc.Files[name])
		if err != nil {
			return 0, fmt.Errorf("decode bundle file %q: %w", name, err)
		}
		path := filepath.Join(dir, filepath.Clean(filepath.FromSlash(name)))
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return 0, err
		}
		tmp := path + ".tmp"
		if err := os.WriteFile(tmp, content, 0600); err != nil {
			return 0, err
		}
		if err := os.Rename(tmp, path); err != nil {
			os.Remove(tmp)
			return 0, err
		}
	}
	return len(names), nil
}

// Pack reads every regular file under dir into a bundle document, the
// inverse of Unpack. Used to export a session for seeding another host.
func Pack(dir string) ([]byte, error) {
	doc := bundleDoc{Files: make(map[string]string)}
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		doc.Files[filepath.ToSlash(rel)] = base64.StdEncoding.EncodeToString(content)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(doc.Files) == 0 {
		return nil, errors.New("no files to pack")
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(doc); err != nil {
		return nil, err
	}
	return bytes.TrimSpace(buf.Bytes()), nil
}

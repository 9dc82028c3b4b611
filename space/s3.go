package space

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/openarchive/stors/internal"
	"github.com/openarchive/stors/meta"
)

// s3Space serves native AWS S3 buckets through the v2 SDK.
type s3Space struct {
	unsupported
	client *s3.Client
	bucket string
	prefix string
}

func newS3(sp *meta.Space, conf *internal.Config) (*s3Space, error) {
	c := sp.S3
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(c.Region),
	}
	if c.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(c.AccessKey, c.SecretKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if c.Endpoint != "" {
			o.BaseEndpoint = aws.String(c.Endpoint)
		}
		o.UsePathStyle = c.PathStyle
	})
	return &s3Space{
		client: client,
		bucket: c.Bucket,
		prefix: strings.Trim(sp.Path, "/"),
	}, nil
}

func (s *s3Space) Capabilities() Capability {
	return CanBrowse | CanRead | CanWrite | CanDelete
}

func (s *s3Space) key(relPath string) (string, error) {
	rel, err := cleanRel(relPath)
	if err != nil {
		return "", err
	}
	return path.Join(s.prefix, rel), nil
}

func (s *s3Space) Browse(ctx context.Context, relPath string) (*BrowseResult, error) {
	key, err := s.key(relPath)
	if err != nil {
		return nil, err
	}
	prefix := key
	if prefix != "" {
		prefix += "/"
	}
	res := &BrowseResult{Properties: make(map[string]EntryProps)}
	dirs := make(map[string]bool)
	var token *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(prefix),
			Delimiter:         aws.String("/"),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, internal.NewBackendError("browse", err)
		}
		for _, cp := range out.CommonPrefixes {
			name := path.Base(strings.TrimSuffix(aws.ToString(cp.Prefix), "/"))
			dirs[name] = true
		}
		for _, obj := range out.Contents {
			name := path.Base(aws.ToString(obj.Key))
			res.Entries = append(res.Entries, name)
			props := EntryProps{Size: aws.ToInt64(obj.Size)}
			if obj.LastModified != nil {
				props.Timestamp = *obj.LastModified
			}
			res.Properties[name] = props
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		token = out.NextContinuationToken
	}
	for name := range dirs {
		res.Directories = append(res.Directories, name)
		res.Entries = append(res.Entries, name)
	}
	sort.Strings(res.Entries)
	sort.Strings(res.Directories)
	return res, nil
}

func (s *s3Space) MoveToStorageService(ctx context.Context, relPath, destAbs string) error {
	key, err := s.key(relPath)
	if err != nil {
		return err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return internal.NewBackendError("move_to_storage_service", err)
	}
	defer out.Body.Close()
	if err = internal.EnsureDir(filepath.Dir(destAbs)); err != nil {
		return err
	}
	tmp := destAbs + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err = io.Copy(f, out.Body); err != nil {
		f.Close()
		os.Remove(tmp)
		return internal.NewBackendError("move_to_storage_service", err)
	}
	if err = f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, destAbs)
}

func (s *s3Space) MoveFromStorageService(ctx context.Context, srcAbs, relPath string, pkg *meta.Package) error {
	key, err := s.key(relPath)
	if err != nil {
		return err
	}
	info, err := os.Stat(srcAbs)
	if err != nil {
		return internal.NewBackendError("move_from_storage_service", err)
	}
	if !info.IsDir() {
		return s.putFile(ctx, srcAbs, key)
	}
	return filepath.WalkDir(srcAbs, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(srcAbs, p)
		if err != nil {
			return err
		}
		return s.putFile(ctx, p, path.Join(key, filepath.ToSlash(rel)))
	})
}

func (s *s3Space) putFile(ctx context.Context, local, key string) error {
	f, err := os.Open(local)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	return internal.NewBackendError("move_from_storage_service", err)
}

// DeletePath removes the object at relPath and everything under it.
// Deleting keys that no longer exist is a no-op in S3, so the operation
// is naturally idempotent.
func (s *s3Space) DeletePath(ctx context.Context, relPath string) error {
	key, err := s.key(relPath)
	if err != nil {
		return err
	}
	if _, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}); err != nil {
		return internal.NewBackendError("delete_path", err)
	}
	prefix := key + "/"
	var token *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return internal.NewBackendError("delete_path", err)
		}
		for _, obj := range out.Contents {
			if _, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(s.bucket),
				Key:    obj.Key,
			}); err != nil {
				return internal.NewBackendError("delete_path", err)
			}
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		token = out.NextContinuationToken
	}
	return nil
}

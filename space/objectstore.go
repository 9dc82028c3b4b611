package space

import (
	"context"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	miniogo "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/openarchive/stors/internal"
	"github.com/openarchive/stors/meta"
)

// objectStore serves S3-compatible stores (MinIO, Ceph RGW, Swift S3
// gateways) through minio-go.
type objectStore struct {
	unsupported
	client *miniogo.Client
	bucket string
	prefix string
}

func newObjectStore(sp *meta.Space) (*objectStore, error) {
	c := sp.ObjectStore
	client, err := miniogo.New(c.Endpoint, &miniogo.Options{
		Creds:  credentials.NewStaticV4(c.AccessKey, c.SecretKey, ""),
		Secure: c.UseSSL,
	})
	if err != nil {
		return nil, internal.NewBackendError("connect", err)
	}
	return &objectStore{
		client: client,
		bucket: c.Bucket,
		prefix: strings.Trim(sp.Path, "/"),
	}, nil
}

func (o *objectStore) Capabilities() Capability {
	return CanBrowse | CanRead | CanWrite | CanDelete
}

func (o *objectStore) key(relPath string) (string, error) {
	rel, err := cleanRel(relPath)
	if err != nil {
		return "", err
	}
	return path.Join(o.prefix, rel), nil
}

func (o *objectStore) Browse(ctx context.Context, relPath string) (*BrowseResult, error) {
	key, err := o.key(relPath)
	if err != nil {
		return nil, err
	}
	prefix := key
	if prefix != "" {
		prefix += "/"
	}
	res := &BrowseResult{Properties: make(map[string]EntryProps)}
	for obj := range o.client.ListObjects(ctx, o.bucket, miniogo.ListObjectsOptions{
		Prefix: prefix,
	}) {
		if obj.Err != nil {
			return nil, internal.NewBackendError("browse", obj.Err)
		}
		name := strings.TrimPrefix(obj.Key, prefix)
		if strings.HasSuffix(name, "/") {
			name = strings.TrimSuffix(name, "/")
			res.Directories = append(res.Directories, name)
			res.Entries = append(res.Entries, name)
			continue
		}
		res.Entries = append(res.Entries, name)
		res.Properties[name] = EntryProps{Size: obj.Size, Timestamp: obj.LastModified}
	}
	sort.Strings(res.Entries)
	sort.Strings(res.Directories)
	return res, nil
}

func (o *objectStore) MoveToStorageService(ctx context.Context, relPath, destAbs string) error {
	key, err := o.key(relPath)
	if err != nil {
		return err
	}
	if err = internal.EnsureDir(filepath.Dir(destAbs)); err != nil {
		return err
	}
	// FGetObject downloads to a temporary part file and renames on
	// success, which satisfies the no-partial-file guarantee.
	if err = o.client.FGetObject(ctx, o.bucket, key, destAbs, miniogo.GetObjectOptions{}); err != nil {
		return internal.NewBackendError("move_to_storage_service", err)
	}
	return nil
}

func (o *objectStore) MoveFromStorageService(ctx context.Context, srcAbs, relPath string, pkg *meta.Package) error {
	key, err := o.key(relPath)
	if err != nil {
		return err
	}
	info, err := os.Stat(srcAbs)
	if err != nil {
		return internal.NewBackendError("move_from_storage_service", err)
	}
	put := func(local, objKey string) error {
		opts := miniogo.PutObjectOptions{}
		if pkg != nil {
			opts.UserMetadata = map[string]string{"package-uuid": pkg.UUID}
		}
		if _, err := o.client.FPutObject(ctx, o.bucket, objKey, local, opts); err != nil {
			return internal.NewBackendError("move_from_storage_service", err)
		}
		return nil
	}
	if !info.IsDir() {
		return put(srcAbs, key)
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
		return put(p, path.Join(key, filepath.ToSlash(rel)))
	})
}

func (o *objectStore) DeletePath(ctx context.Context, relPath string) error {
	key, err := o.key(relPath)
	if err != nil {
		return err
	}
	if err = o.client.RemoveObject(ctx, o.bucket, key, miniogo.RemoveObjectOptions{}); err != nil {
		return internal.NewBackendError("delete_path", err)
	}
	for obj := range o.client.ListObjects(ctx, o.bucket, miniogo.ListObjectsOptions{
		Prefix:    key + "/",
		Recursive: true,
	}) {
		if obj.Err != nil {
			return internal.NewBackendError("delete_path", obj.Err)
		}
		if err = o.client.RemoveObject(ctx, o.bucket, obj.Key, miniogo.RemoveObjectOptions{}); err != nil {
			return internal.NewBackendError("delete_path", err)
		}
	}
	return nil
}

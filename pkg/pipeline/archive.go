package pipeline

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/opencontainers/go-digest"
	log "github.com/sirupsen/logrus"

	"github.com/nais/rollout/pkg/registry"
)

// ArchiveBuilder packs a service's source directory into a gzipped tarball. The same
// source tree always produces the same bytes, and therefore the same digest.
type ArchiveBuilder struct {
	Root string
}

var _ Builder = &ArchiveBuilder{}
var _ SourceChecker = &ArchiveBuilder{}

func (b *ArchiveBuilder) sourceDir(svc registry.Service) string {
	return filepath.Join(b.Root, svc.Source)
}

func (b *ArchiveBuilder) CheckSource(svc registry.Service) error {
	return checkDir(b.sourceDir(svc))
}

func checkDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("source %s: %w", dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("source %s is not a directory", dir)
	}
	return nil
}

func (b *ArchiveBuilder) Build(ctx context.Context, svc registry.Service) (Artifact, error) {
	dir := b.sourceDir(svc)
	data, err := archive(ctx, dir)
	if err != nil {
		return Artifact{}, &BuildError{Service: svc.Name, Err: err}
	}

	artifact := Artifact{
		Service:   svc.Name,
		MediaType: ArchiveMediaType,
		Digest:    digest.FromBytes(data),
		Data:      data,
	}
	log.WithField("service", svc.Name).Debugf("packed %s into %d bytes, digest %s", dir, len(data), artifact.Digest)

	return artifact, nil
}

func archive(ctx context.Context, dir string) ([]byte, error) {
	if err := checkDir(dir); err != nil {
		return nil, err
	}

	buf := &bytes.Buffer{}
	zw := gzip.NewWriter(buf)
	tw := tar.NewWriter(zw)

	err := filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if path == dir {
			return nil
		}

		info, err := entry.Info()
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() && !info.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}

		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)
		if info.IsDir() {
			header.Name += "/"
		}
		header.ModTime = time.Unix(0, 0)
		header.AccessTime = time.Time{}
		header.ChangeTime = time.Time{}
		header.Uid, header.Gid = 0, 0
		header.Uname, header.Gname = "", ""

		err = tw.WriteHeader(header)
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		file, err := os.Open(path)
		if err != nil {
			return err
		}
		defer file.Close()

		_, err = io.Copy(tw, file)
		return err
	})
	if err != nil {
		return nil, err
	}

	err = tw.Close()
	if err != nil {
		return nil, err
	}
	err = zw.Close()
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

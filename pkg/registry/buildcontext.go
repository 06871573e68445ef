package registry

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// tarDirectory packages a directory into the tar stream the Docker daemon
// expects as a build context. sourceRef must be a local directory path; VCS
// metadata is skipped.
func tarDirectory(sourceRef string) (io.ReadCloser, error) {
	info, err := os.Stat(sourceRef)
	if err != nil {
		return nil, fmt.Errorf("build context %s: %w", sourceRef, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("build context %s is not a directory", sourceRef)
	}

	pr, pw := io.Pipe()
	go func() {
		tw := tar.NewWriter(pw)
		err := filepath.Walk(sourceRef, func(path string, fi os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(sourceRef, path)
			if err != nil {
				return err
			}
			if rel == "." {
				return nil
			}
			if fi.IsDir() && (rel == ".git" || strings.HasPrefix(rel, ".git"+string(filepath.Separator))) {
				return filepath.SkipDir
			}

			hdr, err := tar.FileInfoHeader(fi, "")
			if err != nil {
				return err
			}
			hdr.Name = filepath.ToSlash(rel)
			if err := tw.WriteHeader(hdr); err != nil {
				return err
			}
			if !fi.Mode().IsRegular() {
				return nil
			}

			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()
			_, err = io.Copy(tw, f)
			return err
		})
		if err == nil {
			err = tw.Close()
		} else {
			_ = tw.Close()
		}
		_ = pw.CloseWithError(err)
	}()

	return pr, nil
}

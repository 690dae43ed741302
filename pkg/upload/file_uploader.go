package upload

import (
	"context"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/spf13/afero"
)

type FileUploader struct {
	fs   afero.Fs
	root string
}

func NewFileUploader(fs afero.Fs, root string) *FileUploader {
	return &FileUploader{
		fs:   fs,
		root: root,
	}
}

// Upload writes body to root/key. The file is written under a temporary name
// and renamed, so a reader never observes a partial copy.
func (u *FileUploader) Upload(_ context.Context, key string, body io.ReadSeeker) error {
	dst := filepath.Join(u.root, filepath.FromSlash(path.Clean("/" + key)))
	if err := u.fs.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	tmp := dst + ".tmp"
	file, err := u.fs.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err = io.Copy(file, body); err == nil {
		err = file.Sync()
	}
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = u.fs.Remove(tmp)

		return err
	}

	return u.fs.Rename(tmp, dst)
}

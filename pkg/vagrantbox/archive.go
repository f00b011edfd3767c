package vagrantbox

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/gzip"
)

var (
	errCreateArchive = errors.New("failed to create box archive")
	errAddEntry      = errors.New("failed to add entry to box archive")
	errCloseArchive  = errors.New("failed to finalize box archive")
)

// Archive writes the named files of dir, in order, into a gzip-compressed tar
// at output. Entries are stored under their base name. On error the partial
// output is removed.
func Archive(output, dir string, names ...string) (err error) {
	f, err := os.Create(output)
	if err != nil {
		return errors.Join(err, fmt.Errorf("output=%s", output), errCreateArchive)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(output)
		}
	}()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)

	for _, name := range names {
		slog.Debug("adding file to box", "output", output, "file", name)
		if err := addFile(tw, filepath.Join(dir, name)); err != nil {
			_ = f.Close()
			return errors.Join(err, fmt.Errorf("output=%s file=%s", output, name), errAddEntry)
		}
	}

	if err := tw.Close(); err != nil {
		_ = f.Close()
		return errors.Join(err, errCloseArchive)
	}
	if err := gz.Close(); err != nil {
		_ = f.Close()
		return errors.Join(err, errCloseArchive)
	}
	if err := f.Close(); err != nil {
		return errors.Join(err, errCloseArchive)
	}

	return nil
}

func addFile(tw *tar.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return err
	}

	// GNU format lifts the 8 GiB ustar size limit for disk images.
	hdr := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     filepath.Base(path),
		Mode:     int64(fi.Mode().Perm()),
		Size:     fi.Size(),
		ModTime:  fi.ModTime().Truncate(time.Second),
		Format:   tar.FormatGNU,
	}

	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}

package utils

import (
	"bufio"
	"os"

	"github.com/pkg/errors"
)

type Writer interface {
	Write(p []byte) (n int, err error)
	Flush() error
}

type FileManager interface {
	Close() error
	Create(name string) (Writer, error)
	MkdirAll(path string, perm os.FileMode) error
}

// OSFileManager writes to one file at a time through a buffered writer.
type OSFileManager struct {
	Outfile *os.File
	Writer  *bufio.Writer
}

func (osfc *OSFileManager) Create(name string) (Writer, error) {
	var err error
	osfc.Outfile, err = os.Create(name)
	if err != nil {
		return nil, err
	}
	osfc.Writer = bufio.NewWriter(osfc.Outfile)
	return osfc.Writer, nil
}

func (osfc *OSFileManager) Close() error {
	if osfc.Outfile == nil {
		return nil
	}
	if err := osfc.Writer.Flush(); err != nil {
		return errors.Wrap(err, "flush")
	}
	if err := osfc.Outfile.Close(); err != nil {
		return err
	}
	osfc.Outfile = nil
	osfc.Writer = nil

	return nil
}

func (osfc *OSFileManager) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

package handlers

import (
	"context"
	"path/filepath"
	"sync"

	"aaronromeo.com/tabellarium/pkg/executor"
	"aaronromeo.com/tabellarium/pkg/utils"
	"github.com/pkg/errors"
)

// FileHandler prints messages into a file that is opened on the first
// message. Call Finish once processing is done.
type FileHandler struct {
	mu          sync.Mutex
	fileName    string
	headersOnly bool
	fileManager utils.FileManager
	printer     *Printer
}

type FileHandlerOption func(*FileHandler) error

func NewFileHandler(opts ...FileHandlerOption) (*FileHandler, error) {
	var h FileHandler
	for _, opt := range opts {
		if err := opt(&h); err != nil {
			return nil, err
		}
	}

	if h.fileName == "" {
		return nil, errors.New("requires file name")
	}
	if h.fileManager == nil {
		h.fileManager = &utils.OSFileManager{}
	}

	return &h, nil
}

func WithFileName(name string) FileHandlerOption {
	return func(h *FileHandler) error {
		h.fileName = name
		return nil
	}
}

func WithHeadersOnly(headersOnly bool) FileHandlerOption {
	return func(h *FileHandler) error {
		h.headersOnly = headersOnly
		return nil
	}
}

func WithFileManager(fm utils.FileManager) FileHandlerOption {
	return func(h *FileHandler) error {
		h.fileManager = fm
		return nil
	}
}

func (h *FileHandler) FileName() string {
	return h.fileName
}

func (h *FileHandler) Handle(ctx context.Context, msg *executor.DetachedMessage) error {
	h.mu.Lock()
	printer := h.printer
	if printer == nil {
		if dir := filepath.Dir(h.fileName); dir != "." {
			if err := h.fileManager.MkdirAll(dir, 0o755); err != nil {
				h.mu.Unlock()
				return errors.Wrapf(err, "create directory %s", dir)
			}
		}
		w, err := h.fileManager.Create(h.fileName)
		if err != nil {
			h.mu.Unlock()
			return errors.Wrapf(err, "open %s", h.fileName)
		}
		printer = NewPrinter(w, h.headersOnly)
		h.printer = printer
	}
	h.mu.Unlock()

	return printer.Handle(ctx, msg)
}

// Finish flushes and closes the file. The next Handle call starts a new one.
func (h *FileHandler) Finish() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.printer == nil {
		return nil
	}
	h.printer = nil
	return h.fileManager.Close()
}

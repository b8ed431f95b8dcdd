package handlers

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"aaronromeo.com/tabellarium/ftest"
	"aaronromeo.com/tabellarium/pkg/executor"
	"aaronromeo.com/tabellarium/pkg/mock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFileHandlerRequiresName(t *testing.T) {
	_, err := NewFileHandler()
	assert.EqualError(t, err, "requires file name")
}

func TestFileHandlerOpensLazily(t *testing.T) {
	fm := mock.MockFileWriter{Writers: map[string]mock.MockWriter{}}
	h, err := NewFileHandler(WithFileName("out.txt"), WithFileManager(fm))
	require.NoError(t, err)

	assert.Empty(t, fm.Writers)
	require.NoError(t, h.Finish())

	for _, subject := range []string{"First", "Second"} {
		raw := ftest.SampleMessage("a@example.com", "b@example.com", subject, "text of "+subject)
		require.NoError(t, h.Handle(context.Background(), executor.NewDetachedMessage("Tasks", 1, nil, []byte(raw))))
	}
	require.NoError(t, h.Finish())

	require.Contains(t, fm.Writers, "out.txt")
	out := fm.Writers["out.txt"].Buffer.String()
	assert.Equal(t, 2, strings.Count(out, MessageStartDelimiter))
	assert.Contains(t, out, "text of First")
	assert.Contains(t, out, "text of Second")
}

func TestFileHandlerCreateFailure(t *testing.T) {
	fm := mock.MockFileWriter{Writers: map[string]mock.MockWriter{}, Err: errors.New("disk full")}
	h, err := NewFileHandler(WithFileName("out.txt"), WithFileManager(fm), WithHeadersOnly(true))
	require.NoError(t, err)

	raw := ftest.SampleMessage("a@example.com", "b@example.com", "Subject", "body")
	err = h.Handle(context.Background(), executor.NewDetachedMessage("Tasks", 1, nil, []byte(raw)))
	assert.ErrorContains(t, err, "open out.txt: disk full")
}

func TestFileHandlerCreatesParentDirectory(t *testing.T) {
	fm := mock.MockFileWriter{Writers: map[string]mock.MockWriter{}, Mkdirs: map[string]os.FileMode{}}
	h, err := NewFileHandler(WithFileName(filepath.Join("out", "tasks", "x.txt")), WithFileManager(fm))
	require.NoError(t, err)

	raw := ftest.SampleMessage("a@example.com", "b@example.com", "Nested", "body")
	require.NoError(t, h.Handle(context.Background(), executor.NewDetachedMessage("Tasks", 1, nil, []byte(raw))))
	require.NoError(t, h.Finish())

	assert.Equal(t, map[string]os.FileMode{filepath.Join("out", "tasks"): 0o755}, fm.Mkdirs)
	assert.Contains(t, fm.Writers, filepath.Join("out", "tasks", "x.txt"))
}

func TestFileHandlerMkdirFailure(t *testing.T) {
	fm := mock.MockFileWriter{Writers: map[string]mock.MockWriter{}, Mkdirs: map[string]os.FileMode{}, Err: errors.New("read-only")}
	h, err := NewFileHandler(WithFileName("out/x.txt"), WithFileManager(fm))
	require.NoError(t, err)

	raw := ftest.SampleMessage("a@example.com", "b@example.com", "Nested", "body")
	err = h.Handle(context.Background(), executor.NewDetachedMessage("Tasks", 1, nil, []byte(raw)))
	assert.EqualError(t, err, "create directory out: read-only")
	assert.Empty(t, fm.Writers)
}

func TestFileHandlerWithExecutor(t *testing.T) {
	srv := ftest.SetupIMAPServer(t, false, []string{ftest.DefaultFolder}, []ftest.MailboxMessage{
		{From: "a@example.com", To: "user@example.com", Subject: "Kept on disk", Body: "payload"},
	})
	e, err := executor.NewExecutor(
		executor.WithHost(srv.Host),
		executor.WithPort(srv.Port),
		executor.WithSecureTransport(false),
		executor.WithAuth(ftest.DefaultUser, ftest.DefaultPass),
		executor.WithFolder(ftest.DefaultFolder),
		executor.WithLogger(mock.SetupLogger(t)),
	)
	require.NoError(t, err)

	fm := mock.MockFileWriter{Writers: map[string]mock.MockWriter{}}
	h, err := NewFileHandler(WithFileName("tasks.txt"), WithFileManager(fm), WithHeadersOnly(true))
	require.NoError(t, err)

	require.NoError(t, e.ForEach(context.Background(), h))
	require.NoError(t, h.Finish())

	out := fm.Writers["tasks.txt"].Buffer.String()
	assert.Contains(t, out, "Subject:Kept on disk")
	assert.NotContains(t, out, "payload")
	assert.NotContains(t, srv.Flags(t, ftest.DefaultFolder, 1), `\Seen`)
}

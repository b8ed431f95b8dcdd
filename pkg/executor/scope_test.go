package executor

import (
	"context"
	"testing"

	"aaronromeo.com/tabellarium/pkg/base"
	"aaronromeo.com/tabellarium/pkg/mock"
	"github.com/emersion/go-imap"
	imapclient "github.com/emersion/go-imap/client"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/mock/gomock"
)

const rawMessage = "From: a@example.com\r\nSubject: Mocked\r\n\r\nhello\r\n"

type mockedExecutor struct {
	*Executor
	client *mock.MockClient
	reader *sdkmetric.ManualReader
}

func newMockedExecutor(t *testing.T, opts ...Option) mockedExecutor {
	t.Helper()
	ctrl := gomock.NewController(t)
	client := mock.NewMockClient(ctrl)
	reader := sdkmetric.NewManualReader()

	all := []Option{
		WithHost("imap.example.com"),
		WithAuth("foo", "bar"),
		WithFolder("Tasks"),
		WithLogger(mock.SetupLogger(t)),
		WithMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))),
		WithDialFunc(func(Config) (base.Client, error) { return client, nil }),
	}
	e, err := NewExecutor(append(all, opts...)...)
	require.NoError(t, err)
	return mockedExecutor{Executor: e, client: client, reader: reader}
}

// expectOpen sets up a successful connect, login, list and select.
func (m mockedExecutor) expectOpen() {
	m.client.EXPECT().State().Return(imap.NotAuthenticatedState)
	m.client.EXPECT().Login("foo", "bar").Return(nil)
	m.client.EXPECT().List("", "Tasks", gomock.Any()).DoAndReturn(mock.ServeMailboxes("Tasks"))
	m.client.EXPECT().Select("Tasks", false).Return(&imap.MailboxStatus{Name: "Tasks"}, nil)
}

func (m mockedExecutor) closeFailures(t *testing.T) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, m.reader.Collect(context.Background(), &rm))

	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, metric := range sm.Metrics {
			if metric.Name != "tabellarium.close.failures" {
				continue
			}
			sum, ok := metric.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

func TestDialFailureIsConnectionError(t *testing.T) {
	e, err := NewExecutor(
		WithHost("imap.example.com"),
		WithAuth("foo", "bar"),
		WithFolder("Tasks"),
		WithLogger(mock.SetupLogger(t)),
		WithDialFunc(func(Config) (base.Client, error) { return nil, errors.New("connection refused") }),
	)
	require.NoError(t, err)

	_, err = e.HasRemaining(context.Background())
	assert.True(t, errors.Is(err, ErrConnection))
	assert.Contains(t, err.Error(), "connection refused")
}

func TestSuccessfulScopeExpungesOnClose(t *testing.T) {
	m := newMockedExecutor(t)
	gomock.InOrder(
		m.client.EXPECT().State().Return(imap.NotAuthenticatedState),
		m.client.EXPECT().Login("foo", "bar").Return(nil),
		m.client.EXPECT().List("", "Tasks", gomock.Any()).DoAndReturn(mock.ServeMailboxes("Tasks")),
		m.client.EXPECT().Select("Tasks", false).Return(&imap.MailboxStatus{}, nil),
		m.client.EXPECT().UidSearch(gomock.Any()).Return([]uint32{}, nil),
		m.client.EXPECT().Close().Return(nil),
		m.client.EXPECT().Logout().Return(nil),
	)

	remaining, err := m.HasRemaining(context.Background())
	require.NoError(t, err)
	assert.False(t, remaining)
	assert.Equal(t, int64(0), m.closeFailures(t))
}

func TestSearchFailureSkipsExpunge(t *testing.T) {
	tests := []struct {
		name        string
		unselectErr error
		failures    int64
	}{
		{"unselect supported", nil, 0},
		{"unselect unsupported", imapclient.ErrExtensionUnsupported, 0},
		{"unselect fails", errors.New("bye"), 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newMockedExecutor(t)
			m.expectOpen()
			m.client.EXPECT().UidSearch(gomock.Any()).Return(nil, errors.New("search exploded"))
			m.client.EXPECT().Unselect().Return(tt.unselectErr)
			m.client.EXPECT().Logout().Return(nil)

			err := m.ForEach(context.Background(), HandlerFunc(func(context.Context, *DetachedMessage) error { return nil }))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrScan))
			assert.Contains(t, err.Error(), "search exploded")
			assert.Equal(t, tt.failures, m.closeFailures(t))
		})
	}
}

func TestCloseFailureDoesNotMaskResult(t *testing.T) {
	m := newMockedExecutor(t)
	m.expectOpen()
	m.client.EXPECT().UidSearch(gomock.Any()).Return([]uint32{3}, nil)
	m.client.EXPECT().Close().Return(errors.New("close failed"))
	m.client.EXPECT().Logout().Return(errors.New("logout failed"))

	remaining, err := m.HasRemaining(context.Background())
	require.NoError(t, err)
	assert.True(t, remaining)
	assert.Equal(t, int64(2), m.closeFailures(t))
}

func TestSelectFailureIsScanError(t *testing.T) {
	m := newMockedExecutor(t)
	m.client.EXPECT().State().Return(imap.NotAuthenticatedState)
	m.client.EXPECT().Login("foo", "bar").Return(nil)
	m.client.EXPECT().List("", "Tasks", gomock.Any()).DoAndReturn(mock.ServeMailboxes("Tasks"))
	m.client.EXPECT().Select("Tasks", false).Return(nil, errors.New("no permission"))
	m.client.EXPECT().Logout().Return(nil)

	_, err := m.HasRemaining(context.Background())
	assert.True(t, errors.Is(err, ErrScan))
}

func TestMissingFolderIsConfigurationError(t *testing.T) {
	m := newMockedExecutor(t)
	m.client.EXPECT().State().Return(imap.NotAuthenticatedState)
	m.client.EXPECT().Login("foo", "bar").Return(nil)
	m.client.EXPECT().List("", "Tasks", gomock.Any()).DoAndReturn(mock.ServeMailboxes())
	m.client.EXPECT().Logout().Return(nil)

	_, err := m.HasRemaining(context.Background())
	assert.True(t, errors.Is(err, ErrConfiguration))
}

func TestRollbackFailureAbortsWithoutExpunge(t *testing.T) {
	m := newMockedExecutor(t, WithDeleteAfterProcessing(true))
	m.expectOpen()
	m.client.EXPECT().UidSearch(gomock.Any()).Return([]uint32{7, 8}, nil)
	gomock.InOrder(
		// refresh, detach
		m.client.EXPECT().UidFetch(mock.UIDSet(7), gomock.Any(), gomock.Any()).
			DoAndReturn(mock.ServeMessages(mock.BodyMessage(7, 1, rawMessage))).Times(2),
		// the server set \Seen while the handler ran
		m.client.EXPECT().UidFetch(mock.UIDSet(7), gomock.Any(), gomock.Any()).
			DoAndReturn(mock.ServeMessages(mock.FlagMessage(7, 1, imap.SeenFlag))),
		m.client.EXPECT().UidStore(mock.UIDSet(7), imap.FormatFlagsOp(imap.RemoveFlags, true), mock.StoresFlags(imap.SeenFlag), gomock.Nil()).
			Return(errors.New("store rejected")),
		m.client.EXPECT().Unselect().Return(nil),
		m.client.EXPECT().Logout().Return(nil),
	)

	handlerErr := errors.New("handler failed")
	err := m.ForEach(context.Background(), HandlerFunc(func(context.Context, *DetachedMessage) error {
		return handlerErr
	}))

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrScan))
	assert.True(t, errors.Is(err, handlerErr))
	var rbErr *RollbackError
	require.True(t, errors.As(err, &rbErr))
	assert.Equal(t, uint32(7), rbErr.UID)
	assert.False(t, errors.Is(err, ErrProcessing))
}

func TestDeleteMarkFailureIsRolledBack(t *testing.T) {
	m := newMockedExecutor(t, WithDeleteAfterProcessing(true))
	m.expectOpen()
	m.client.EXPECT().UidSearch(gomock.Any()).Return([]uint32{7}, nil)
	gomock.InOrder(
		m.client.EXPECT().UidFetch(mock.UIDSet(7), gomock.Any(), gomock.Any()).
			DoAndReturn(mock.ServeMessages(mock.BodyMessage(7, 1, rawMessage))).Times(2),
		m.client.EXPECT().UidStore(mock.UIDSet(7), imap.FormatFlagsOp(imap.AddFlags, true), mock.StoresFlags(imap.DeletedFlag), gomock.Nil()).
			Return(errors.New("quota")),
		m.client.EXPECT().UidFetch(mock.UIDSet(7), gomock.Any(), gomock.Any()).
			DoAndReturn(mock.ServeMessages(mock.FlagMessage(7, 1, imap.SeenFlag, imap.DeletedFlag))),
		m.client.EXPECT().UidStore(mock.UIDSet(7), imap.FormatFlagsOp(imap.RemoveFlags, true), mock.StoresFlags(imap.SeenFlag, imap.DeletedFlag), gomock.Nil()).
			Return(nil),
		m.client.EXPECT().Close().Return(nil),
		m.client.EXPECT().Logout().Return(nil),
	)

	err := m.ForEach(context.Background(), HandlerFunc(func(context.Context, *DetachedMessage) error { return nil }))

	var agg *AggregateError
	require.True(t, errors.As(err, &agg))
	require.Len(t, agg.Failures, 1)
	assert.Equal(t, uint32(7), agg.Failures[0].UID)
	assert.Contains(t, agg.Failures[0].Err.Error(), "quota")
}

func TestDetachFailureCountsAsProcessingFailure(t *testing.T) {
	m := newMockedExecutor(t)
	m.expectOpen()
	m.client.EXPECT().UidSearch(gomock.Any()).Return([]uint32{7}, nil)
	gomock.InOrder(
		m.client.EXPECT().UidFetch(mock.UIDSet(7), gomock.Any(), gomock.Any()).
			DoAndReturn(mock.ServeMessages(mock.FlagMessage(7, 1))),
		m.client.EXPECT().UidFetch(mock.UIDSet(7), gomock.Any(), gomock.Any()).
			DoAndReturn(mock.FailFetch(errors.New("body too large"))),
		m.client.EXPECT().UidFetch(mock.UIDSet(7), gomock.Any(), gomock.Any()).
			DoAndReturn(mock.ServeMessages(mock.FlagMessage(7, 1))),
		m.client.EXPECT().Close().Return(nil),
		m.client.EXPECT().Logout().Return(nil),
	)

	called := false
	err := m.ForEach(context.Background(), HandlerFunc(func(context.Context, *DetachedMessage) error {
		called = true
		return nil
	}))

	assert.False(t, called)
	var agg *AggregateError
	require.True(t, errors.As(err, &agg))
	assert.Contains(t, agg.Failures[0].Err.Error(), "body too large")
}

func TestRetrieveRefreshFailureIsStructural(t *testing.T) {
	m := newMockedExecutor(t)
	m.expectOpen()
	m.client.EXPECT().UidSearch(gomock.Any()).Return([]uint32{7}, nil)
	m.client.EXPECT().UidFetch(mock.UIDSet(7), gomock.Any(), gomock.Any()).
		DoAndReturn(mock.ServeMessages())
	m.client.EXPECT().Unselect().Return(nil)
	m.client.EXPECT().Logout().Return(nil)

	msgs, err := m.Retrieve(context.Background())
	assert.Nil(t, msgs)
	assert.True(t, errors.Is(err, ErrRetrieval))
	assert.True(t, errors.Is(err, ErrScan))
	assert.Contains(t, err.Error(), "no longer exists")
}

func TestHandleExpiresWithSession(t *testing.T) {
	s := &session{folder: "Tasks", open: false}
	h := &messageHandle{uid: 1, sess: s}

	assert.True(t, errors.Is(h.refresh(), ErrHandleExpired))
	assert.True(t, errors.Is(h.addFlags(imap.SeenFlag), ErrHandleExpired))
	_, err := h.detach()
	assert.True(t, errors.Is(err, ErrHandleExpired))
}

package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/accountingproxy/internal/accounting/accountingtest"
	"github.com/smallbiznis/accountingproxy/internal/accounting/domain"
	"github.com/smallbiznis/accountingproxy/internal/accounting/notifier"
	"github.com/smallbiznis/accountingproxy/internal/accounting/repository"
	"github.com/smallbiznis/accountingproxy/internal/clock"
	"github.com/smallbiznis/accountingproxy/internal/unit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) NotifyUsage(ctx context.Context, orderID, productID string) error {
	args := m.Called(ctx, orderID, productID)
	return args.Error(0)
}

func (m *mockNotifier) NotifyAllUsage(ctx context.Context) (notifier.Report, error) {
	args := m.Called(ctx)
	return args.Get(0).(notifier.Report), args.Error(1)
}

func newTestService(t *testing.T) (domain.Service, domain.Repository, *mockNotifier) {
	t.Helper()
	repo := repository.Provide(accountingtest.NewDB(t), clock.NewFakeClock(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)))
	registry, err := unit.NewRegistry([]string{"call", "megabyte"})
	require.NoError(t, err)
	n := &mockNotifier{}
	svc := New(Params{Repo: repo, Registry: registry, Notifier: n})
	return svc, repo, n
}

func acquisition(orderID, unitName string) domain.AcquisitionRequest {
	return domain.AcquisitionRequest{
		OrderID:   orderID,
		ProductID: "P1",
		Customer:  "C1",
		Acquisition: domain.AcquisitionDetails{
			RoleID:      "customer",
			Domain:      "orion",
			ServicePath: "/",
			Unit:        unitName,
		},
	}
}

func TestRegisterAcquisition(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	record, err := svc.RegisterAcquisition(ctx, acquisition(" O1 ", "Call"))
	require.NoError(t, err)
	assert.Equal(t, "O1", record.OrderID)
	assert.Equal(t, "call", record.Unit)
	assert.True(t, record.Value.IsZero())
	assert.Equal(t, int64(0), record.CorrelationNumber)

	_, err = svc.RegisterAcquisition(ctx, acquisition("O1", "call"))
	assert.True(t, errors.Is(err, domain.ErrDuplicateAccounting))
}

func TestRegisterAcquisitionValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.RegisterAcquisition(ctx, acquisition("O1", "second"))
	assert.True(t, errors.Is(err, domain.ErrInvalidUnit))

	_, err = svc.RegisterAcquisition(ctx, acquisition("  ", "call"))
	assert.True(t, errors.Is(err, domain.ErrInvalidKey))

	req := acquisition("O1", "call")
	req.Acquisition.ServicePath = " "
	_, err = svc.RegisterAcquisition(ctx, req)
	assert.True(t, errors.Is(err, domain.ErrInvalidAcquisition))
}

func TestRemoveAcquisitionFlushesFirst(t *testing.T) {
	svc, repo, n := newTestService(t)
	ctx := context.Background()
	_, err := svc.RegisterAcquisition(ctx, acquisition("O1", "call"))
	require.NoError(t, err)
	require.NoError(t, repo.Accumulate(ctx, "O1", "P1", decimal.NewFromInt(2)))

	n.On("NotifyUsage", mock.Anything, "O1", "P1").Return(nil).Once()

	require.NoError(t, svc.RemoveAcquisition(ctx, domain.AcquisitionKey{OrderID: "O1", ProductID: "P1"}))
	n.AssertExpectations(t)

	_, err = repo.GetAccounting(ctx, "O1", "P1")
	assert.True(t, errors.Is(err, domain.ErrAccountingNotFound))
}

func TestRemoveAcquisitionKeepsRecordWhenFlushFails(t *testing.T) {
	svc, repo, n := newTestService(t)
	ctx := context.Background()
	_, err := svc.RegisterAcquisition(ctx, acquisition("O1", "call"))
	require.NoError(t, err)
	require.NoError(t, repo.Accumulate(ctx, "O1", "P1", decimal.NewFromInt(2)))

	n.On("NotifyUsage", mock.Anything, "O1", "P1").Return(notifier.ErrNoToken).Once()

	err = svc.RemoveAcquisition(ctx, domain.AcquisitionKey{OrderID: "O1", ProductID: "P1"})
	assert.True(t, errors.Is(err, notifier.ErrNoToken))

	record, err := repo.GetAccounting(ctx, "O1", "P1")
	require.NoError(t, err)
	assert.True(t, record.Value.Equal(decimal.NewFromInt(2)))
}

func TestRemoveAcquisitionWithoutTokenOrUsage(t *testing.T) {
	svc, repo, n := newTestService(t)
	ctx := context.Background()
	_, err := svc.RegisterAcquisition(ctx, acquisition("O1", "call"))
	require.NoError(t, err)

	n.On("NotifyUsage", mock.Anything, "O1", "P1").Return(notifier.ErrNoToken).Once()

	require.NoError(t, svc.RemoveAcquisition(ctx, domain.AcquisitionKey{OrderID: "O1", ProductID: "P1"}))
	_, err = repo.GetAccounting(ctx, "O1", "P1")
	assert.True(t, errors.Is(err, domain.ErrAccountingNotFound))
}

func TestRemoveMissingAcquisition(t *testing.T) {
	svc, _, n := newTestService(t)

	err := svc.RemoveAcquisition(context.Background(), domain.AcquisitionKey{OrderID: "O9", ProductID: "P1"})
	assert.True(t, errors.Is(err, domain.ErrAccountingNotFound))
	n.AssertNotCalled(t, "NotifyUsage", mock.Anything, mock.Anything, mock.Anything)
}

func TestSetToken(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()

	assert.True(t, errors.Is(svc.SetToken(ctx, domain.TokenRequest{APIKey: "  "}), domain.ErrInvalidToken))

	require.NoError(t, svc.SetToken(ctx, domain.TokenRequest{APIKey: " abc "}))
	token, err := repo.GetToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "abc", token)
}

func TestNotifyAllConvertsReport(t *testing.T) {
	svc, _, n := newTestService(t)
	report := notifier.Report{Outcomes: []notifier.Outcome{
		{OrderID: "O1", ProductID: "P1", Unit: "call", Value: decimal.NewFromInt(3)},
		{OrderID: "O2", ProductID: "P1", Unit: "call", Value: decimal.NewFromInt(1), CorrelationNumber: 4, Err: errors.New("usage api down")},
	}}
	n.On("NotifyAllUsage", mock.Anything).Return(report, nil).Once()

	result, err := svc.NotifyAll(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrNotificationFailed))
	require.NotNil(t, result)
	assert.Equal(t, 1, result.Sent)
	assert.Equal(t, 1, result.Failed)
	require.Len(t, result.Outcomes, 2)
	assert.Empty(t, result.Outcomes[0].Error)
	assert.Equal(t, "usage api down", result.Outcomes[1].Error)
	assert.Equal(t, int64(4), result.Outcomes[1].CorrelationNumber)
}

func TestNotifyAllPropagatesRunError(t *testing.T) {
	svc, _, n := newTestService(t)
	n.On("NotifyAllUsage", mock.Anything).Return(notifier.Report{}, notifier.ErrNotificationInProgress).Once()

	result, err := svc.NotifyAll(context.Background())
	assert.Nil(t, result)
	assert.True(t, errors.Is(err, notifier.ErrNotificationInProgress))
}

func TestUnits(t *testing.T) {
	svc, _, _ := newTestService(t)
	assert.Equal(t, []string{"call", "megabyte"}, svc.Units())
}

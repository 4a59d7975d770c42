package poller

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/raterudder/evccwatch/pkg/types"
)

type mockSource struct {
	mock.Mock
}

func (m *mockSource) FetchStatus(ctx context.Context) (types.Metrics, error) {
	args := m.Called(ctx)
	return args.Get(0).(types.Metrics), args.Error(1)
}

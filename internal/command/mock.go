package command

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockRunner is a testify mock of Runner for asserting exact invocations.
type MockRunner struct {
	mock.Mock
}

func NewMockRunner() *MockRunner {
	return &MockRunner{}
}

func (m *MockRunner) Run(ctx context.Context, c Cmd) ([]byte, error) {
	args := m.Called(ctx, c.Name, c.Args)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

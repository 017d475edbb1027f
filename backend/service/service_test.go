package service

import (
	"context"
	"errors"
	"testing"

	"github.com/adwski/moshi-moshi/backend/model"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockSwitch struct {
	mock.Mock
}

func (m *MockSwitch) Connect(ctx context.Context, endpoint string, wire model.Wire) error {
	args := m.Called(ctx, endpoint, wire)
	return args.Error(0)
}

func (m *MockSwitch) Disconnect(endpoint string, wire model.Wire) error {
	args := m.Called(endpoint, wire)
	return args.Error(0)
}

func newTestService(sw Switch) *Service {
	logger := zerolog.Nop()
	return NewService(Config{Switch: sw, Logger: &logger})
}

func TestValidateIdentity(t *testing.T) {
	tests := []struct {
		identity string
		want     error
	}{
		{identity: "alice", want: nil},
		{identity: "Alice_99.x-y", want: nil},
		{identity: "", want: ErrEmptyIdentity},
		{identity: "   ", want: ErrEmptyIdentity},
		{identity: "alice/../bob", want: ErrInvalidIdentity},
		{identity: "al ice", want: ErrInvalidIdentity},
	}
	for _, tt := range tests {
		t.Run(tt.identity, func(t *testing.T) {
			err := ValidateIdentity(tt.identity)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestCreateSignalingSession(t *testing.T) {
	sw := new(MockSwitch)
	svc := newTestService(sw)
	wire := model.NewWire()

	sw.On("Connect", mock.Anything, "alice", wire).Return(nil)

	require.NoError(t, svc.CreateSignalingSession(context.Background(), "alice", wire))
	sw.AssertExpectations(t)
}

func TestCreateSignalingSession_SwitchFailure(t *testing.T) {
	sw := new(MockSwitch)
	svc := newTestService(sw)
	wire := model.NewWire()
	taken := errors.New("taken")

	sw.On("Connect", mock.Anything, "alice", wire).Return(taken)

	err := svc.CreateSignalingSession(context.Background(), "alice", wire)
	assert.ErrorIs(t, err, ErrConnect)
	assert.ErrorIs(t, err, taken)
}

func TestCreateSignalingSession_EmptyIdentity(t *testing.T) {
	sw := new(MockSwitch)
	svc := newTestService(sw)

	err := svc.CreateSignalingSession(context.Background(), "", model.NewWire())
	assert.ErrorIs(t, err, ErrEmptyIdentity)
	sw.AssertNotCalled(t, "Connect", mock.Anything, mock.Anything, mock.Anything)
}

func TestDeleteSignalingSession(t *testing.T) {
	sw := new(MockSwitch)
	svc := newTestService(sw)
	wire := model.NewWire()

	sw.On("Disconnect", "alice", wire).Return(nil)

	require.NoError(t, svc.DeleteSignalingSession(context.Background(), "alice", wire))
	sw.AssertExpectations(t)
}

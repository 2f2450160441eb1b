package models

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "transport", err: fmt.Errorf("yookassa.PollStatus: %w", ErrTransport), want: true},
		{name: "stale state", err: ErrStaleState, want: true},
		{name: "deadline", err: context.DeadlineExceeded, want: true},
		{name: "invalid payload", err: ErrInvalidPayload, want: false},
		{name: "duplicate", err: ErrDuplicate, want: false},
		{name: "plain error", err: errors.New("boom"), want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestTariffGrace(t *testing.T) {
	override := 24 * time.Hour
	assert.Equal(t, 72*time.Hour, Tariff{}.Grace(72*time.Hour))
	assert.Equal(t, override, Tariff{GracePeriod: &override}.Grace(72*time.Hour))
}

func TestTariffAllowsPool(t *testing.T) {
	assert.True(t, Tariff{}.AllowsPool("eu"))
	assert.True(t, Tariff{NodePools: []string{"eu", "us"}}.AllowsPool("us"))
	assert.False(t, Tariff{NodePools: []string{"eu"}}.AllowsPool("asia"))
}

func TestNodeHealthy(t *testing.T) {
	assert.True(t, Node{Health: NodeHealthy}.Healthy())
	assert.False(t, Node{Health: NodeUnreachable}.Healthy())
	assert.False(t, Node{Health: NodeHealthy, Load: 10, Capacity: 10}.Healthy())
}

func TestUserPanelUsername(t *testing.T) {
	assert.Equal(t, "tg_123456", User{ExternalID: 123456}.PanelUsername())
}

package gogate_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gogate/pkg/gogate"
	"github.com/mihaimyh/gogate/storage/memory"
)

// stubSubscriptionStore answers GetSubscription with get and delegates the
// rest to the memory store.
type stubSubscriptionStore struct {
	*memory.Storage
	get func(ctx context.Context, userID string) (*gogate.Subscription, error)
}

func (s stubSubscriptionStore) GetSubscription(ctx context.Context, userID string) (*gogate.Subscription, error) {
	return s.get(ctx, userID)
}

func newStubStore(get func(ctx context.Context, userID string) (*gogate.Subscription, error)) stubSubscriptionStore {
	return stubSubscriptionStore{Storage: memory.New(), get: get}
}

func TestSubscriptionAdapter_Fetch(t *testing.T) {
	tests := []struct {
		name    string
		get     func(ctx context.Context, userID string) (*gogate.Subscription, error)
		wantErr []error
		want    *gogate.Subscription
	}{
		{
			name: "found",
			get: func(context.Context, string) (*gogate.Subscription, error) {
				return &gogate.Subscription{UserID: "user1", Tier: gogate.TierPro, Status: gogate.StatusActive}, nil
			},
			want: &gogate.Subscription{UserID: "user1", Tier: gogate.TierPro, Status: gogate.StatusActive},
		},
		{
			name: "empty user id is filled in",
			get: func(context.Context, string) (*gogate.Subscription, error) {
				return &gogate.Subscription{Tier: gogate.TierPro, Status: gogate.StatusActive}, nil
			},
			want: &gogate.Subscription{UserID: "user1", Tier: gogate.TierPro, Status: gogate.StatusActive},
		},
		{
			name: "not found",
			get: func(context.Context, string) (*gogate.Subscription, error) {
				return nil, gogate.ErrSubscriptionNotFound
			},
			wantErr: []error{gogate.ErrSubscriptionNotFound},
		},
		{
			name: "nil record",
			get: func(context.Context, string) (*gogate.Subscription, error) {
				return nil, nil
			},
			wantErr: []error{gogate.ErrSubscriptionNotFound},
		},
		{
			name: "store error",
			get: func(context.Context, string) (*gogate.Subscription, error) {
				return nil, errStoreDown
			},
			wantErr: []error{gogate.ErrStoreUnavailable, errStoreDown},
		},
		{
			name: "unknown tier",
			get: func(context.Context, string) (*gogate.Subscription, error) {
				return &gogate.Subscription{UserID: "user1", Tier: "platinum", Status: gogate.StatusActive}, nil
			},
			wantErr: []error{gogate.ErrMalformedSubscription},
		},
		{
			name: "timeout",
			get: func(ctx context.Context, _ string) (*gogate.Subscription, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			},
			wantErr: []error{gogate.ErrStoreUnavailable, context.DeadlineExceeded},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter := gogate.NewSubscriptionAdapter(newStubStore(tt.get), 10*time.Millisecond, nil)

			sub, err := adapter.Fetch(context.Background(), "user1")
			if len(tt.wantErr) > 0 {
				require.Error(t, err)
				assert.Nil(t, sub)
				for _, want := range tt.wantErr {
					assert.True(t, errors.Is(err, want), "expected %v in %v", want, err)
				}
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, sub)
		})
	}
}

func TestSubscriptionAdapter_NotFoundIsNotUnavailable(t *testing.T) {
	adapter := gogate.NewSubscriptionAdapter(memory.New(), 0, nil)

	_, err := adapter.Fetch(context.Background(), "nobody")
	require.ErrorIs(t, err, gogate.ErrSubscriptionNotFound)
	assert.NotErrorIs(t, err, gogate.ErrStoreUnavailable)
}

package bus

import (
	"context"
	"errors"
	"testing"

	"github.com/LeJamon/goOPRd/internal/logging"
)

func TestHandlersRunInRegistrationOrder(t *testing.T) {
	b := New(WithLogger(logging.NopLogger{}))
	var order []int
	for i := 0; i < 5; i++ {
		i := i
		b.Handle(func(ctx context.Context, c Change) error {
			order = append(order, i)
			return nil
		})
	}
	b.Publish(context.Background(), Change{Type: ChangeAdd})
	if len(order) != 5 {
		t.Fatalf("handlers run = %d, want 5", len(order))
	}
	for i, got := range order {
		if got != i {
			t.Errorf("order[%d] = %d, want %d", i, got, i)
		}
	}
}

func TestHandlerErrorDoesNotStopDelivery(t *testing.T) {
	b := New(WithLogger(logging.NopLogger{}))
	var after int
	b.Handle(func(ctx context.Context, c Change) error {
		return errors.New("boom")
	})
	b.Handle(func(ctx context.Context, c Change) error {
		after++
		return nil
	})
	b.Publish(context.Background(), Change{Type: ChangeUpdate})
	if after != 1 {
		t.Errorf("second handler ran %d times, want 1", after)
	}
}

func TestRemoveStopsDelivery(t *testing.T) {
	b := New(WithLogger(logging.NopLogger{}))
	var calls int
	reg := b.Handle(func(ctx context.Context, c Change) error {
		calls++
		return nil
	})
	b.Publish(context.Background(), Change{Type: ChangeAdd})
	reg.Remove()
	reg.Remove() // second remove is a no-op
	b.Publish(context.Background(), Change{Type: ChangeAdd})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestChangeTypeString(t *testing.T) {
	tests := []struct {
		t    ChangeType
		want string
	}{
		{ChangeAdd, "ADD"},
		{ChangeUpdate, "UPDATE"},
		{ChangeDelete, "DELETE"},
		{ChangeAccept, "ACCEPT"},
		{ChangeRemoteAccept, "REMOTE_ACCEPT"},
		{ChangeRemoteReject, "REMOTE_REJECT"},
		{ChangeRemoteReserve, "REMOTE_RESERVE"},
		{ChangeType(99), "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := tt.t.String(); got != tt.want {
			t.Errorf("String(%d) = %q, want %q", int(tt.t), got, tt.want)
		}
	}
}

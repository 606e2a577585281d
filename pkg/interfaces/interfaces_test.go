package interfaces_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"liveroom/pkg/interfaces"
	"liveroom/pkg/types"
)

type mockRecipient struct {
	frames []any
}

func (m *mockRecipient) SocketID() string     { return "s1" }
func (m *mockRecipient) WorldID() string      { return "sample" }
func (m *mockRecipient) UserID() string       { return "u1" }
func (m *mockRecipient) User() *types.User    { return &types.User{ID: "u1"} }
func (m *mockRecipient) Send(frame any) error { m.frames = append(m.frames, frame); return nil }
func (m *mockRecipient) Close() error         { return nil }

type mockDispatcher struct {
	handled      int
	disconnected int
}

func (m *mockDispatcher) HandleFrame(ctx context.Context, conn interfaces.Recipient, data []byte) error {
	m.handled++
	return conn.Send(string(data))
}

func (m *mockDispatcher) Disconnect(ctx context.Context, conn interfaces.Recipient) {
	m.disconnected++
}

func TestInterfaces_Compliance(t *testing.T) {
	var r interfaces.Recipient = &mockRecipient{}
	var d interfaces.Dispatcher = &mockDispatcher{}

	if err := d.HandleFrame(context.Background(), r, []byte(`["ping", 1]`)); err != nil {
		t.Fatalf("HandleFrame() error = %v", err)
	}
	d.Disconnect(context.Background(), r)

	md := d.(*mockDispatcher)
	if md.handled != 1 || md.disconnected != 1 {
		t.Errorf("Expected 1 handled and 1 disconnected, got %d and %d", md.handled, md.disconnected)
	}
	if len(r.(*mockRecipient).frames) != 1 {
		t.Errorf("Expected one frame sent")
	}
}

func TestErrors_Wrapping(t *testing.T) {
	err := fmt.Errorf("failed to load world sample: %w", interfaces.ErrNotFound)
	if !errors.Is(err, interfaces.ErrNotFound) {
		t.Error("Wrapped ErrNotFound should match with errors.Is")
	}
	if errors.Is(err, interfaces.ErrAlreadyExists) {
		t.Error("Unrelated sentinel should not match")
	}
}

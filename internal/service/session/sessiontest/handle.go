package sessiontest

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/lh20005/geo-xi-tong-sub013/internal/service/session"
	"github.com/lh20005/geo-xi-tong-sub013/internal/store"
	"github.com/lh20005/geo-xi-tong-sub013/internal/testutil"
)

// Handle acquires an ephemeral session on page. It is released when the test ends.
func Handle(t testing.TB, platformID string, page *Page) *session.Handle {
	t.Helper()

	m := session.NewManager(
		&Driver{Build: func(session.OpenOptions) *Page { return page }},
		session.NewMemoryLocker(),
		store.NewPartitionStore(testutil.NewDB(t)),
		zap.NewNop(),
	)
	h, err := m.Acquire(context.Background(), platformID, "test-account", session.ModeEphemeral)
	if err != nil {
		t.Fatalf("acquire session: %v", err)
	}
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return h
}

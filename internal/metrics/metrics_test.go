package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMustRegisterOnFreshRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NotPanics(t, func() { MustRegister(reg) })
}

func TestObserveNetworkRequestLabelsStatus(t *testing.T) {
	ObserveNetworkRequest("backend", "create_account", time.Now(), nil)
	ObserveNetworkRequest("backend", "create_account", time.Now(), errors.New("boom"))

	assert.Equal(t, 2, testutil.CollectAndCount(NetworkRequestDuration, "publisher_network_request_duration_seconds"))
}

package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/e1732a364fed/frontdoor/utils"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilSafe(t *testing.T) {
	var m *Metrics
	m.ConnOpened()
	m.ConnClosed()
	m.Detected("socks5")
	m.Error("socks5", io.EOF)
	m.Relayed(1, 2)
	assert.Nil(t, m.Registry())
}

func TestCounters(t *testing.T) {
	m := New()
	m.ConnOpened()
	m.ConnOpened()
	m.ConnClosed()
	m.Detected("socks5")
	m.Detected("socks5")
	m.Detected("http")
	m.Error("socks5", &utils.AuthError{Protocol: "socks5", Reason: "bad pass"})
	m.Error("http", errors.New("x"))
	m.Error("http", nil)
	m.Relayed(10, 0)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.active))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.connections.WithLabelValues("socks5")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.errors.WithLabelValues("socks5", utils.KindAuth)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.errors.WithLabelValues("http", utils.KindOther)))
	assert.Equal(t, 10.0, testutil.ToFloat64(m.relayed.WithLabelValues("up")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `frontdoor_connections_total{protocol="socks5"} 2`))
	assert.True(t, strings.Contains(body, "frontdoor_active_connections 1"))
}

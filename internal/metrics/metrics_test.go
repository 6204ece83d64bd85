package metrics

import (
	"net/http"
	"net/http/httptest"
	"runtime"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusClass(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{100, "1xx"}, {200, "2xx"}, {301, "3xx"}, {409, "4xx"}, {503, "5xx"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusClass(tt.code))
	}
}

func TestMiddleware_CountsByRoutePattern(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/v1/escrow/:orderId", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/metrics", Handler())

	counter := HTTPRequestsTotal.WithLabelValues("GET", "/v1/escrow/:orderId", "2xx")
	before := testutil.ToFloat64(counter)

	for _, id := range []string{"a", "b"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/escrow/"+id, nil))
		require.Equal(t, http.StatusOK, w.Code)
	}
	assert.Equal(t, before+2, testutil.ToFloat64(counter))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "milestonepay_http_requests_total")
}

func TestSetBuildInfo_SingleSeries(t *testing.T) {
	SetBuildInfo("v0.1.0", "testnet")
	SetBuildInfo("v0.2.0", "mainnet")

	assert.Equal(t, 1, testutil.CollectAndCount(BuildInfo))
	assert.Equal(t, 1.0, testutil.ToFloat64(BuildInfo.WithLabelValues("v0.2.0", runtime.Version(), "mainnet")))
}

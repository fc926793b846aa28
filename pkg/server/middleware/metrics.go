package middleware

import (
	"expvar"
	"runtime"

	"github.com/gin-gonic/gin"
)

// m contains global program counters, published on the debug server's /debug/vars
var m = struct {
	gr        *expvar.Int
	req       *expvar.Int
	err       *expvar.Int
	clientErr *expvar.Int
	paths     *expvar.Map
}{
	gr:        expvar.NewInt("goroutines"),
	req:       expvar.NewInt("requests"),
	err:       expvar.NewInt("errors"),
	clientErr: expvar.NewInt("client_errors"),
	paths:     expvar.NewMap("requests_by_route"),
}

func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		m.req.Add(1)
		if route := c.FullPath(); route != "" {
			m.paths.Add(c.Request.Method+" "+route, 1)
		}

		// update the counter for the # of active goroutines every 100 requests.
		if m.req.Value()%100 == 0 {
			m.gr.Set(int64(runtime.NumGoroutine()))
		}

		switch status := c.Writer.Status(); {
		case status >= 500:
			m.err.Add(1)
		case status >= 400:
			m.clientErr.Add(1)
		}
	}
}

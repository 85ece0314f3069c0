package server

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"syscall"
	"testing"
	"time"

	"github.com/tenghongzou/Ara-notification-service-sub000/pkg/logging"
	"github.com/tenghongzou/Ara-notification-service-sub000/pkg/monitoring"

	"github.com/gin-gonic/gin"
)

func TestSetupServiceRouter(t *testing.T) {
	logger := logging.NewLogger()
	hc := monitoring.NewHealthChecker("svc", "v1")
	mc := monitoring.NewMetricsCollector("svc", "v1", "abc")
	r := SetupServiceRouter(logger, "svc", hc, mc)
	r.GET("/ping", func(c *gin.Context) { c.String(200, "pong") })

	w := httptest.NewRecorder()
	req, _ := http.NewRequestWithContext(context.Background(), "GET", "/ping", nil)
	r.ServeHTTP(w, req)
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

// The shutdown hook must fire while in-flight connections are still open: a
// handler blocked on the hook's side effect can only complete if the hook
// runs before the drain.
func TestStartShutdownHookRunsBeforeDrain(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logger := logging.NewLogger()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	port := strconv.Itoa(ln.Addr().(*net.TCPAddr).Port)
	ln.Close()

	release := make(chan struct{})
	inFlight := make(chan struct{})
	r := gin.New()
	r.GET("/slow", func(c *gin.Context) {
		close(inFlight)
		<-release
		c.String(http.StatusOK, "done")
	})

	cfg := DefaultConfig("hook-test", port)
	cfg.Port = port
	cfg.OnShutdown = func() { close(release) }

	done := make(chan error, 1)
	go func() { done <- Start(cfg, r, logger) }()

	base := "http://127.0.0.1:" + port
	waitUp(t, base)

	status := make(chan int, 1)
	go func() {
		res, err := http.Get(base + "/slow")
		if err != nil {
			status <- 0
			return
		}
		res.Body.Close()
		status <- res.StatusCode
	}()
	<-inFlight

	if err := syscall.Kill(os.Getpid(), syscall.SIGTERM); err != nil {
		t.Fatalf("signal: %v", err)
	}

	select {
	case code := <-status:
		if code != http.StatusOK {
			t.Fatalf("in-flight request status = %d, want 200", code)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("in-flight request never completed")
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("server stopped with error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server never stopped")
	}
}

func waitUp(t *testing.T, base string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		res, err := http.Get(base + "/")
		if err == nil {
			res.Body.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("server never came up")
}

package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/dd0wney/cluso-replog/pkg/logging"
)

func listen(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	return ln
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

func TestGracefulServer_ServesUntilContextDone(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	gs := NewGracefulServer("127.0.0.1:0", handler, logging.NewNopLogger())
	ln := listen(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gs.Serve(ctx, ln) }()

	code, body := get(t, "http://"+ln.Addr().String()+"/")
	if code != http.StatusOK || body != "ok" {
		t.Fatalf("got %d %q, want 200 \"ok\"", code, body)
	}
	if gs.IsShuttingDown() {
		t.Fatal("server reports shutdown while serving")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	if !gs.IsShuttingDown() {
		t.Error("server should report shutdown after cancel")
	}
}

func TestGracefulServer_ShutdownWaitsForInFlightRequest(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-release
		w.WriteHeader(http.StatusNoContent)
	})
	gs := NewGracefulServer("127.0.0.1:0", handler, nil)
	ln := listen(t)
	go gs.Serve(context.Background(), ln)

	result := make(chan int, 1)
	go func() {
		resp, err := http.Get("http://" + ln.Addr().String() + "/")
		if err != nil {
			result <- -1
			return
		}
		resp.Body.Close()
		result <- resp.StatusCode
	}()
	<-started

	shutdown := make(chan error, 1)
	go func() { shutdown <- gs.Shutdown() }()

	select {
	case <-gs.ShutdownChannel():
		t.Fatal("shutdown completed while a request was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	if err := <-shutdown; err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if code := <-result; code != http.StatusNoContent {
		t.Errorf("in-flight request got %d, want 204", code)
	}
}

func TestGracefulServer_ShutdownTimeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	started := make(chan struct{})
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-block
	})
	gs := NewGracefulServer("127.0.0.1:0", handler, nil)
	gs.SetShutdownTimeout(20 * time.Millisecond)
	ln := listen(t)
	go gs.Serve(context.Background(), ln)

	go http.Get("http://" + ln.Addr().String() + "/")
	<-started

	if err := gs.Shutdown(); err == nil {
		t.Fatal("Shutdown() should fail when requests outlive the timeout")
	}
	if err := gs.Shutdown(); err == nil {
		t.Error("second Shutdown() should return the first result")
	}
}

func TestGracefulServer_RunRejectsBadAddress(t *testing.T) {
	gs := NewGracefulServer("256.0.0.1:bad", http.NotFoundHandler(), nil)
	if err := gs.Run(context.Background()); err == nil {
		t.Fatal("Run() should fail for an invalid address")
	}
	if gs.Addr() != "256.0.0.1:bad" {
		t.Errorf("Addr() = %q", gs.Addr())
	}
}

package httpdest

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/interlock-hie/interlock/internal/domain/channel"
	"github.com/interlock-hie/interlock/internal/domain/message"
)

func encodedCM(payload string) *message.ConnectorMessage {
	cm := message.NewConnectorMessage("ch", "Channel", 1, 1, "D1", "server-a", message.Transformed, time.Now())
	cm.SetContent(message.ContentEncoded, payload, "XML")
	return cm
}

func TestSendSuccess(t *testing.T) {
	var gotBody atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody.Store(string(body))
		_, _ = w.Write([]byte("<ack/>"))
	}))
	defer srv.Close()

	c := New(Config{URL: srv.URL, ContentType: "application/xml"}, nil)
	resp, err := c.Send(context.Background(), encodedCM("<m/>"))
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if resp.Status != message.Sent || resp.Message != "<ack/>" {
		t.Errorf("resp = %+v, want SENT with ack", resp)
	}
	if gotBody.Load() != "<m/>" {
		t.Errorf("server received %q, want encoded payload", gotBody.Load())
	}
}

func TestSendHTTPErrorStatusIsApplicationError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := New(Config{URL: srv.URL}, nil)
	resp, err := c.Send(context.Background(), encodedCM("<m/>"))
	if err != nil {
		t.Fatalf("send returned transport error: %v", err)
	}
	if resp.Status != message.Error {
		t.Errorf("status = %v, want ERROR", resp.Status)
	}
}

func TestSendConnectionRefusedIsRetryable(t *testing.T) {
	// A closed listener port.
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := New(Config{URL: url, SocketTimeout: time.Second}, nil)
	_, err := c.Send(context.Background(), encodedCM("<m/>"))
	if err == nil {
		t.Fatal("expected error")
	}
	var connErr *channel.ConnectionError
	if !errors.As(err, &connErr) {
		t.Errorf("err = %v, want *channel.ConnectionError", err)
	}
	if !channel.IsRetryable(err) {
		t.Error("connection refused not classified retryable")
	}
}

func TestSendTimeoutIsConnectionError(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer func() {
		close(release)
		srv.Close()
	}()

	c := New(Config{URL: srv.URL, SocketTimeout: 50 * time.Millisecond}, nil)
	_, err := c.Send(context.Background(), encodedCM("<m/>"))
	var connErr *channel.ConnectionError
	if !errors.As(err, &connErr) {
		t.Errorf("timeout err = %v, want *channel.ConnectionError", err)
	}
}

func TestSOAPFaultIsErrorEvenUnder200(t *testing.T) {
	const fault = `<soap:Envelope><soap:Body><soap:Fault><faultstring>Server blew up</faultstring></soap:Fault></soap:Body></soap:Envelope>`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(fault))
	}))
	defer srv.Close()

	c := New(Config{URL: srv.URL}, nil)
	resp, err := c.Send(context.Background(), encodedCM("<m/>"))
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if resp.Status != message.Error {
		t.Errorf("status = %v, want ERROR for SOAP fault under HTTP 200", resp.Status)
	}
	// A fault is an application negative: never retryable.
	if channel.IsRetryable(channel.NewApplicationError(resp.Error, nil)) {
		t.Error("SOAP fault classified retryable")
	}
}

func TestManualRedirectsFollowed(t *testing.T) {
	var hops atomic.Int32
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/final" {
			_, _ = w.Write([]byte("done"))
			return
		}
		hops.Add(1)
		http.Redirect(w, r, srv.URL+"/final", http.StatusFound)
	}))
	defer srv.Close()

	c := New(Config{URL: srv.URL}, nil)
	resp, err := c.Send(context.Background(), encodedCM("<m/>"))
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if resp.Message != "done" || hops.Load() != 1 {
		t.Errorf("redirect not followed manually: resp=%+v hops=%d", resp, hops.Load())
	}
}

func TestRedirectLoopBounded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/loop", http.StatusFound)
	}))
	defer srv.Close()

	c := New(Config{URL: srv.URL}, nil)
	_, err := c.Send(context.Background(), encodedCM("<m/>"))
	if err == nil {
		t.Fatal("redirect loop not bounded")
	}
	if channel.IsRetryable(err) {
		t.Error("redirect limit classified retryable")
	}
}

func TestBasicAuthApplied(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "alice" || pass != "secret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := New(Config{URL: srv.URL, AuthType: "basic", Username: "alice", Password: "secret"}, nil)
	resp, err := c.Send(context.Background(), encodedCM("<m/>"))
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if resp.Status != message.Sent {
		t.Errorf("status = %v, want SENT with basic auth", resp.Status)
	}
}

func TestDetectSOAPFault(t *testing.T) {
	fault, detail := detectSOAPFault(`<s:Fault><s:Reason>nope</s:Reason></s:Fault>`)
	if !fault {
		t.Error("namespaced fault not detected")
	}
	if detail == "" {
		t.Error("fault detail empty")
	}
	if fault, _ := detectSOAPFault(`<ok/>`); fault {
		t.Error("false positive fault detection")
	}
}

func TestWSDLCacheReuses(t *testing.T) {
	var fetches atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		_, _ = w.Write([]byte(`<definitions><service><port><soap:address location="http://svc.example/ep"/></port></service></definitions>`))
	}))
	defer srv.Close()

	cache := NewWSDLCache(srv.Client())
	for i := 0; i < 3; i++ {
		def, err := cache.Get(context.Background(), srv.URL, "u", "p", "svc", "port")
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		if def.Endpoint != "http://svc.example/ep" {
			t.Errorf("endpoint = %q", def.Endpoint)
		}
	}
	if fetches.Load() != 1 {
		t.Errorf("fetches = %d, want 1 (cached)", fetches.Load())
	}

	// A different credential set is a different cache key.
	if _, err := cache.Get(context.Background(), srv.URL, "other", "p", "svc", "port"); err != nil {
		t.Fatal(err)
	}
	if fetches.Load() != 2 {
		t.Errorf("fetches = %d, want 2 after key change", fetches.Load())
	}
}

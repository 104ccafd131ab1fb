package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSendPostsTwilioForm(t *testing.T) {
	var gotPath, gotFrom, gotTo, gotBody string
	var gotUser, gotPass string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotUser, gotPass, _ = r.BasicAuth()
		if err := r.ParseForm(); err != nil {
			t.Errorf("failed to parse form: %v", err)
		}
		gotFrom = r.PostFormValue("From")
		gotTo = r.PostFormValue("To")
		gotBody = r.PostFormValue("Body")
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	sender, err := NewSender("AC123", "secret", "+15550000", "+15550001",
		WithHTTPClient(server.Client()))
	if err != nil {
		t.Fatalf("failed to build sender: %v", err)
	}
	// Point the request at the test server by rewriting the host through a
	// custom transport.
	sender.httpClient.Transport = rewriteHost(server)

	if err := sender.Send(context.Background(), "hello there"); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	if !strings.Contains(gotPath, "AC123") {
		t.Errorf("expected the account SID in the path, got %q", gotPath)
	}
	if gotUser != "AC123" || gotPass != "secret" {
		t.Errorf("expected basic auth credentials, got %q/%q", gotUser, gotPass)
	}
	if gotFrom != "whatsapp:+15550000" || gotTo != "whatsapp:+15550001" {
		t.Errorf("expected whatsapp-prefixed numbers, got %q -> %q", gotFrom, gotTo)
	}
	if gotBody != "hello there" {
		t.Errorf("expected the message body, got %q", gotBody)
	}
}

func TestSendSurfacesAPIErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message": "bad credentials"}`))
	}))
	defer server.Close()

	sender, err := NewSender("AC123", "wrong", "+15550000", "+15550001",
		WithHTTPClient(server.Client()))
	if err != nil {
		t.Fatalf("failed to build sender: %v", err)
	}
	sender.httpClient.Transport = rewriteHost(server)

	err = sender.Send(context.Background(), "hello")
	if err == nil {
		t.Fatal("expected an error for a failed send")
	}
	if !strings.Contains(err.Error(), "401") {
		t.Errorf("expected the status code in the error, got: %v", err)
	}
}

func TestDryRunNeedsNoCredentials(t *testing.T) {
	sender, err := NewSender("", "", "+15550000", "+15550001", WithDryRun())
	if err != nil {
		t.Fatalf("dry-run sender should not need credentials: %v", err)
	}
	if err := sender.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("dry-run send must not fail: %v", err)
	}
	if err := sender.Escalate(context.Background(), "session-1", "+15550100", "water leak"); err != nil {
		t.Fatalf("dry-run escalate must not fail: %v", err)
	}
}

func TestMissingCredentialsRejected(t *testing.T) {
	if _, err := NewSender("", "", "+15550000", "+15550001"); err == nil {
		t.Fatal("expected an error when credentials are missing outside dry-run")
	}
}

// rewriteHost redirects every request to the test server regardless of the
// original URL. The server's transport is captured up front so the rewritten
// request does not loop back through this round tripper.
func rewriteHost(server *httptest.Server) http.RoundTripper {
	base := server.Client().Transport
	return roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		target := server.URL + req.URL.Path
		rewritten, err := http.NewRequestWithContext(req.Context(), req.Method, target, req.Body)
		if err != nil {
			return nil, err
		}
		rewritten.Header = req.Header
		return base.RoundTrip(rewritten)
	})
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

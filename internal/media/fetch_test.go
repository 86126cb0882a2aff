package media

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/estatehub/intake/internal/channel"
)

type stubStrategy struct {
	name  string
	data  []byte
	err   error
	calls int
}

func (s *stubStrategy) Name() string { return s.name }

func (s *stubStrategy) Fetch(ctx context.Context, ref string) ([]byte, error) {
	s.calls++
	return s.data, s.err
}

type staticResolver struct {
	url string
	err error
}

func (r staticResolver) FileURL(ctx context.Context, fileRef string) (string, error) {
	return r.url, r.err
}

func TestChainFallsThroughInOrder(t *testing.T) {
	t.Parallel()

	first := &stubStrategy{name: "a", err: errors.New("timeout")}
	second := &stubStrategy{name: "b", data: []byte{}}
	third := &stubStrategy{name: "c", data: []byte("ogg")}
	fourth := &stubStrategy{name: "d", data: []byte("unused")}

	result, err := NewChain(nil, first, second, third, fourth).Fetch(context.Background(), "file-1")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if result.Strategy != "c" || string(result.Data) != "ogg" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if first.calls != 1 || second.calls != 1 || fourth.calls != 0 {
		t.Fatalf("unexpected calls: %d %d %d", first.calls, second.calls, fourth.calls)
	}
}

func TestChainExhausted(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	chain := NewChain(nil,
		&stubStrategy{name: "a", err: boom},
		&stubStrategy{name: "b"},
		ServerOnlyStrategy{},
	)
	_, err := chain.Fetch(context.Background(), "file-1")
	if !errors.Is(err, ErrFileRetrievalExhausted) {
		t.Fatalf("expected ErrFileRetrievalExhausted, got %v", err)
	}
	for _, want := range []error{boom, ErrEmptyContent, ErrUnsupportedEnvironment} {
		if !errors.Is(err, want) {
			t.Fatalf("expected %v in chain error: %v", want, err)
		}
	}
	if _, err := chain.Fetch(context.Background(), " "); err == nil || errors.Is(err, ErrFileRetrievalExhausted) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestDirectAndRelayStrategies(t *testing.T) {
	t.Parallel()

	relayTargets := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/file/voice.oga":
			w.WriteHeader(http.StatusForbidden)
		case "/relay":
			relayTargets <- r.URL.Query().Get("u")
			_, _ = w.Write([]byte("voice-bytes"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	resolver := staticResolver{url: srv.URL + "/file/voice.oga"}
	direct := DirectStrategy{Resolver: resolver, Client: srv.Client()}
	if _, err := direct.Fetch(context.Background(), "f"); err == nil {
		t.Fatal("expected direct download to fail with 403")
	}

	relay := RelayStrategy{Label: "a", Template: srv.URL + "/relay?u={url}", Resolver: resolver, Client: srv.Client()}
	data, err := relay.Fetch(context.Background(), "f")
	if err != nil {
		t.Fatalf("relay: %v", err)
	}
	if string(data) != "voice-bytes" {
		t.Fatalf("unexpected relay data: %q", data)
	}
	if relayTarget := <-relayTargets; relayTarget != srv.URL+"/file/voice.oga" {
		t.Fatalf("relay got wrong target: %q", relayTarget)
	}
	if relay.Name() != "relay:a" {
		t.Fatalf("unexpected name: %s", relay.Name())
	}
	bad := RelayStrategy{Template: "https://relay.example.com/fetch", Resolver: resolver}
	if _, err := bad.Fetch(context.Background(), "f"); err == nil {
		t.Fatal("expected template error")
	}
}

func TestDownloadRejectsOversizedBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 64)))
	}))
	defer srv.Close()

	direct := DirectStrategy{Resolver: staticResolver{url: srv.URL}, Client: srv.Client(), MaxBytes: 16}
	if _, err := direct.Fetch(context.Background(), "f"); !errors.Is(err, ErrAssetTooLarge) {
		t.Fatalf("expected ErrAssetTooLarge, got %v", err)
	}
}

func TestReadAllWithLimit(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		payload  string
		maxBytes int64
		tooBig   bool
	}{
		{name: "within limit", payload: "hello", maxBytes: 8},
		{name: "exact limit", payload: "12345", maxBytes: 5},
		{name: "over limit", payload: "0123456789", maxBytes: 5, tooBig: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ReadAllWithLimit(bytes.NewReader([]byte(tt.payload)), tt.maxBytes)
			if tt.tooBig {
				if !errors.Is(err, ErrAssetTooLarge) {
					t.Fatalf("expected ErrAssetTooLarge, got %v", err)
				}
				return
			}
			if err != nil || string(got) != tt.payload {
				t.Fatalf("unexpected result %q %v", got, err)
			}
		})
	}
	if _, err := ReadAllWithLimit(nil, 1); err == nil {
		t.Fatal("expected error for nil reader")
	}
}

type transportSource struct {
	transport channel.Transport
}

func (s transportSource) Transport(sessionID string) (channel.Transport, error) {
	if s.transport == nil {
		return nil, channel.ErrSessionNotFound
	}
	return s.transport, nil
}

type fileTransport struct {
	channel.Transport
	url string
}

func (f fileTransport) FileURL(ctx context.Context, fileRef string) (string, error) {
	return f.url + "?ref=" + url.QueryEscape(fileRef), nil
}

func TestServiceResolveFile(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("ref") != "file-5" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("ogg"))
	}))
	defer srv.Close()

	svc := NewService(nil, transportSource{transport: fileTransport{url: srv.URL}}, []Relay{{Name: "a", Template: srv.URL + "/relay?u={url}"}}, srv.Client(), 0)
	result, err := svc.ResolveFile(context.Background(), "s1", "file-5")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if result.Strategy != "direct" || string(result.Data) != "ogg" {
		t.Fatalf("unexpected result: %+v", result)
	}

	_, err = svc.ResolveFile(context.Background(), "s1", "missing")
	if !errors.Is(err, ErrFileRetrievalExhausted) || !errors.Is(err, ErrUnsupportedEnvironment) {
		t.Fatalf("expected exhausted chain, got %v", err)
	}

	empty := NewService(nil, transportSource{}, nil, nil, 0)
	if _, err := empty.ResolveFile(context.Background(), "s1", "file-5"); !errors.Is(err, channel.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

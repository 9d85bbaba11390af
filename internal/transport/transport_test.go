package transport

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/lang-pipes/lpnode/internal/lperr"
)

type staticDirectory struct {
	addr string
	err  error
}

func (d staticDirectory) ConnectionFromNode(string) (string, error) { return d.addr, d.err }
func (d staticDirectory) PublishJobPort(int) error                  { return nil }
func (d staticDirectory) ReadData(string, string) (string, error)   { return "", nil }

func TestSendSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if string(body) != "hello" {
			t.Fatalf("unexpected body: %s", body)
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	s := NewSender(staticDirectory{addr: srv.Listener.Addr().String()}, nil)
	if err := s.Send("node-b", []byte("hello")); err != nil {
		t.Fatalf("send: %v", err)
	}
}

func TestSendDownBodyIsSendFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("DOWN"))
	}))
	defer srv.Close()

	s := NewSender(staticDirectory{addr: srv.Listener.Addr().String()}, nil)
	err := s.Send("node-b", []byte("hello"))
	if !errors.Is(err, lperr.ErrSendFailed) {
		t.Fatalf("want ErrSendFailed, got %v", err)
	}
}

func TestSendDirectoryResolveFailure(t *testing.T) {
	s := NewSender(staticDirectory{err: errors.New("no route")}, nil)
	err := s.Send("node-b", []byte("hello"))
	if !errors.Is(err, lperr.ErrSendFailed) {
		t.Fatalf("want ErrSendFailed on directory resolve failure, got %v", err)
	}
}

package remote_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/harborline/tasksync/internal/remote"
)

func TestNotifier_InvokesOnChangePerFrame(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer stream-token" {
			t.Errorf("unexpected auth header %q", got)
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		for i := 0; i < 2; i++ {
			if err := wsjson.Write(r.Context(), conn, map[string]string{"kind": "changed"}); err != nil {
				return
			}
		}
		// Hold the connection; the client stops first.
		<-r.Context().Done()
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	changes := make(chan struct{}, 4)
	notifier := remote.NewNotifier(wsURL, "stream-token", func() {
		changes <- struct{}{}
	}, nil)

	notifier.Start(context.Background())
	defer notifier.Stop()

	for i := 0; i < 2; i++ {
		select {
		case <-changes:
		case <-time.After(3 * time.Second):
			t.Fatalf("frame %d never triggered onChange", i+1)
		}
	}
}

func TestNotifier_StartWithoutURLIsNoop(t *testing.T) {
	notifier := remote.NewNotifier("", "", func() {
		t.Errorf("onChange must not fire without an endpoint")
	}, nil)
	notifier.Start(context.Background())
	notifier.Stop()
}

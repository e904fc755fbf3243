package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
)

type chatServer struct {
	mu     sync.Mutex
	frames []chatFrame
}

func (s *chatServer) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		for {
			var frame chatFrame
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			s.mu.Lock()
			s.frames = append(s.frames, frame)
			s.mu.Unlock()

			if frame.Message == "fail" {
				_ = conn.WriteJSON(chatReply{SessionID: frame.SessionID, Error: "session is busy with another request"})
				continue
			}
			id := frame.SessionID
			if id == "" {
				id = "sess-new"
			}
			_ = conn.WriteJSON(chatReply{SessionID: id, Response: "re: " + frame.Message})
		}
	}
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestRunChatTracksSession(t *testing.T) {
	srv := &chatServer{}
	ts := httptest.NewServer(srv.handler(t))
	defer ts.Close()

	var out strings.Builder
	in := strings.NewReader("hello\n\nagain\nfail\n/new\nfresh\n/quit\nignored\n")
	if err := runChat(dial(t, ts), in, &out, ""); err != nil {
		t.Fatalf("run chat: %v", err)
	}

	srv.mu.Lock()
	defer srv.mu.Unlock()
	if len(srv.frames) != 4 {
		t.Fatalf("expected 4 frames, got %d: %+v", len(srv.frames), srv.frames)
	}
	wantSessions := []string{"", "sess-new", "sess-new", ""}
	for i, frame := range srv.frames {
		if frame.SessionID != wantSessions[i] {
			t.Fatalf("frame %d session got=%q want=%q", i, frame.SessionID, wantSessions[i])
		}
	}

	text := out.String()
	for _, want := range []string{"assistant: re: hello", "assistant: re: again", "error: session is busy", "Started a new conversation.", "assistant: re: fresh"} {
		if !strings.Contains(text, want) {
			t.Fatalf("output missing %q:\n%s", want, text)
		}
	}
	if strings.Contains(text, "ignored") {
		t.Fatalf("input after /quit must not be sent:\n%s", text)
	}
}

func TestRunChatResumesSession(t *testing.T) {
	srv := &chatServer{}
	ts := httptest.NewServer(srv.handler(t))
	defer ts.Close()

	var out strings.Builder
	if err := runChat(dial(t, ts), strings.NewReader("hi\n"), &out, "existing"); err != nil {
		t.Fatalf("run chat: %v", err)
	}
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if len(srv.frames) != 1 || srv.frames[0].SessionID != "existing" {
		t.Fatalf("unexpected frames %+v", srv.frames)
	}
}

func TestConfigFromFlags(t *testing.T) {
	t.Setenv("CRAB_CARE_CHAT_URL", "")
	t.Setenv("CRAB_CARE_CHAT_SESSION_ID", "")

	cfg, err := configFromFlags(nil)
	if err != nil {
		t.Fatalf("defaults: %v", err)
	}
	if cfg.ServerURL != "ws://127.0.0.1:8080/v1/chat/ws" || cfg.SessionID != "" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}

	cfg, err = configFromFlags([]string{"-server", "wss://care.example/v1/chat/ws", "-session-id", " abc "})
	if err != nil {
		t.Fatalf("flags: %v", err)
	}
	if cfg.ServerURL != "wss://care.example/v1/chat/ws" || cfg.SessionID != "abc" {
		t.Fatalf("unexpected config %+v", cfg)
	}

	if _, err := configFromFlags([]string{"-server", "http://care.example"}); err == nil {
		t.Fatalf("expected error for non-websocket url")
	}
}

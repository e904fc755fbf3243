package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gorilla/websocket"
)

type chatConfig struct {
	ServerURL string
	SessionID string
}

type chatFrame struct {
	SessionID string `json:"session_id,omitempty"`
	Message   string `json:"message"`
}

type chatReply struct {
	SessionID string `json:"session_id,omitempty"`
	Response  string `json:"response,omitempty"`
	Error     string `json:"error,omitempty"`
}

func main() {
	cfg, err := configFromFlags(os.Args[1:])
	if err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, cfg.ServerURL, nil)
	if err != nil {
		log.Fatalf("connect %s: %v", cfg.ServerURL, err)
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	fmt.Fprintln(os.Stdout, "Connected. Type a message, /new for a new conversation, /quit to exit.")
	if err := runChat(conn, os.Stdin, os.Stdout, cfg.SessionID); err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Fatalf("crab-care-chat failed: %v", err)
	}
}

func configFromFlags(args []string) (chatConfig, error) {
	fs := flag.NewFlagSet("crab-care-chat", flag.ContinueOnError)
	server := fs.String("server", envOrDefault("CRAB_CARE_CHAT_URL", "ws://127.0.0.1:8080/v1/chat/ws"), "chat websocket url")
	sessionID := fs.String("session-id", strings.TrimSpace(os.Getenv("CRAB_CARE_CHAT_SESSION_ID")), "resume an existing session")
	if err := fs.Parse(args); err != nil {
		return chatConfig{}, err
	}
	cfg := chatConfig{
		ServerURL: strings.TrimSpace(*server),
		SessionID: strings.TrimSpace(*sessionID),
	}
	if !strings.HasPrefix(cfg.ServerURL, "ws://") && !strings.HasPrefix(cfg.ServerURL, "wss://") {
		return chatConfig{}, fmt.Errorf("server must be a ws:// or wss:// url, got %q", cfg.ServerURL)
	}
	return cfg, nil
}

// runChat sends each input line as one turn and prints the reply. It returns
// nil on /quit or end of input.
func runChat(conn *websocket.Conn, in io.Reader, out io.Writer, sessionID string) error {
	scanner := bufio.NewScanner(in)
	prompt := func() { fmt.Fprint(out, "> ") }
	prompt()
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			prompt()
			continue
		case "/quit":
			return nil
		case "/new":
			sessionID = ""
			fmt.Fprintln(out, "Started a new conversation.")
			prompt()
			continue
		}

		if err := conn.WriteJSON(chatFrame{SessionID: sessionID, Message: line}); err != nil {
			return fmt.Errorf("send message: %w", err)
		}
		var reply chatReply
		if err := conn.ReadJSON(&reply); err != nil {
			return fmt.Errorf("read reply: %w", err)
		}
		if reply.Error != "" {
			fmt.Fprintf(out, "error: %s\n", reply.Error)
		} else {
			sessionID = reply.SessionID
			fmt.Fprintf(out, "assistant: %s\n", reply.Response)
		}
		prompt()
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read input: %w", err)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

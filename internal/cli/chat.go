package cli

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"tinyclaw/internal/auth"
	"tinyclaw/internal/config"
	"tinyclaw/internal/ipc"
)

// NewChatCmd creates the chat command.
func NewChatCmd() *cobra.Command {
	var stream bool

	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Chat with your tinyclaw",
		Long: `Chat with a running tinyclaw instance over its HTTP gateway.

With a message argument, sends it and prints the reply. Without one,
starts an interactive session. You authenticate as the owner with your
TOTP code.`,
		Example: `  # One-off message
  tinyclaw chat "how did the backup task go?"

  # Interactive session with streamed replies
  tinyclaw chat --stream`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cliCtx := getContext(cmd)
			if cliCtx == nil {
				return fmt.Errorf("CLI context not initialized")
			}
			if !ipc.IsRunning(cliCtx.Paths.SocketPath()) {
				return fmt.Errorf("tinyclaw is not running, start it with `tinyclaw serve`")
			}

			session, err := newChatSession(cliCtx.Cfg, stream)
			if err != nil {
				return err
			}
			if err := session.login(); err != nil {
				return err
			}

			if len(args) == 1 {
				return session.send(args[0])
			}
			return session.repl()
		},
	}

	cmd.Flags().BoolVar(&stream, "stream", false, "stream reply tokens as they arrive")
	return cmd
}

type chatSession struct {
	baseURL string
	client  *http.Client
	cookie  *http.Cookie
	stream  bool
}

func newChatSession(cfg *config.Config, stream bool) (*chatSession, error) {
	host, port := cfg.Gateway.Host, cfg.Gateway.Port
	if host == "" {
		host = "127.0.0.1"
	}
	if port == 0 {
		port = 3333
	}
	return &chatSession{
		baseURL: fmt.Sprintf("http://%s:%d", host, port),
		client:  &http.Client{Timeout: 5 * time.Minute},
		stream:  stream,
	}, nil
}

// login reads the TOTP code without echo and exchanges it for a session
// cookie.
func (cs *chatSession) login() error {
	fmt.Fprint(os.Stderr, "TOTP code: ")
	code, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return fmt.Errorf("read code: %w", err)
	}

	body, _ := json.Marshal(map[string]string{"totpCode": strings.TrimSpace(string(code))})
	resp, err := cs.client.Post(cs.baseURL+"/api/auth/login", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("login failed (%s)", resp.Status)
	}
	for _, c := range resp.Cookies() {
		if c.Name == auth.SessionCookieName {
			cs.cookie = c
			return nil
		}
	}
	return fmt.Errorf("login succeeded but no session cookie was set")
}

func (cs *chatSession) repl() error {
	fmt.Println("Connected. Type a message, or /quit to leave.")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			return nil
		}
		if err := cs.send(line); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
	}
}

func (cs *chatSession) send(message string) error {
	body, _ := json.Marshal(map[string]any{
		"message": message,
		"stream":  cs.stream,
	})
	req, err := http.NewRequest(http.MethodPost, cs.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.AddCookie(cs.cookie)

	resp, err := cs.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error.Message != "" {
			return fmt.Errorf("%s", apiErr.Error.Message)
		}
		return fmt.Errorf("chat failed (%s)", resp.Status)
	}

	if cs.stream {
		return cs.consumeStream(resp)
	}

	var reply struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}
	fmt.Println(reply.Content)
	return nil
}

// consumeStream prints SSE content frames as they arrive and annotates
// tool activity on stderr.
func (cs *chatSession) consumeStream(resp *http.Response) error {
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		var ev struct {
			Type    string `json:"type"`
			Content string `json:"content"`
			Tool    string `json:"tool"`
			Error   string `json:"error"`
		}
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			continue
		}

		switch ev.Type {
		case "text":
			fmt.Print(ev.Content)
		case "tool_start":
			fmt.Fprintf(os.Stderr, "[%s...]\n", ev.Tool)
		case "error":
			fmt.Fprintf(os.Stderr, "error: %s\n", ev.Error)
		case "done":
			fmt.Println()
			return nil
		}
	}
	fmt.Println()
	return scanner.Err()
}

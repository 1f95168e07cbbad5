package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/moziai/mozi/internal/sessions"
	"github.com/moziai/mozi/pkg/protocol"
)

func chatCmd() *cobra.Command {
	var (
		agentID    string
		sessionKey string
		addr       string
		timeout    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Talk to an agent through a running gateway",
		Long:  "With a message argument the reply is printed and the command exits. Without one an interactive prompt opens. Type \"exit\" to quit, \"/new\" to start a fresh session.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if agentID == "" {
				agentID = cfg.ResolveDefaultAgentID()
			}
			if addr == "" {
				addr = fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port)
			}
			if sessionKey == "" {
				sessionKey = freshChatKey(agentID)
			}
			return runChat(chatOptions{
				token:      cfg.Gateway.Token,
				addr:       addr,
				agentID:    agentID,
				sessionKey: sessionKey,
				message:    strings.Join(args, " "),
				timeout:    timeout,
			})
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "agent to talk to (default: the main agent)")
	cmd.Flags().StringVar(&sessionKey, "session", "", "session key to resume (default: a fresh session)")
	cmd.Flags().StringVar(&addr, "addr", "", "gateway address (default: from config)")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "how long to wait for each reply")
	return cmd
}

type chatOptions struct {
	token      string
	addr       string
	agentID    string
	sessionKey string
	message    string
	timeout    time.Duration
}

func freshChatKey(agentID string) string {
	return sessions.BuildKey(agentID, "websocket", sessions.PeerDM, "cli-"+uuid.NewString()[:8])
}

type chatClient struct {
	conn *websocket.Conn
	seq  int
}

func runChat(opts chatOptions) error {
	ctx := context.Background()

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, "ws://"+opts.addr+"/ws", nil)
	if err != nil {
		return fmt.Errorf("gateway unreachable at %s (is it running?): %w", opts.addr, err)
	}
	conn.SetReadLimit(1 << 20)
	defer conn.Close(websocket.StatusNormalClosure, "")

	cli := &chatClient{conn: conn}
	if err := cli.connect(ctx, opts.token); err != nil {
		return err
	}

	if opts.message != "" {
		reply, err := cli.sendAndWait(ctx, opts)
		if err != nil {
			return err
		}
		if reply != "" {
			fmt.Println(reply)
		}
		return nil
	}

	fmt.Fprintf(os.Stderr, "mozi chat (agent %s)\nsession %s\n\n", opts.agentID, opts.sessionKey)
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Fprint(os.Stderr, "you: ")
		if !scanner.Scan() {
			fmt.Fprintln(os.Stderr)
			return scanner.Err()
		}
		input := strings.TrimSpace(scanner.Text())
		switch {
		case input == "":
			continue
		case input == "exit" || input == "quit":
			return nil
		case input == "/new":
			opts.sessionKey = freshChatKey(opts.agentID)
			fmt.Fprintf(os.Stderr, "session %s\n\n", opts.sessionKey)
			continue
		}
		opts.message = input
		reply, err := cli.sendAndWait(ctx, opts)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n\n", err)
			continue
		}
		if reply != "" {
			fmt.Printf("%s\n\n", reply)
		}
	}
}

// connect authenticates the connection. Open gateways accept an empty
// token.
func (c *chatClient) connect(ctx context.Context, token string) error {
	params := map[string]string{}
	if token != "" {
		params["token"] = token
	}
	resp, err := c.call(ctx, protocol.MethodConnect, params, 10*time.Second)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	if !resp.OK {
		return fmt.Errorf("gateway rejected connection: %s", respErr(resp))
	}
	return nil
}

// sendAndWait submits one chat.send and consumes the frame stream until
// the reply for this session arrives. The server acks the send first and
// delivers the reply later as a chat event. Streaming chunks print as
// they come; the final message is returned only when nothing was
// streamed, so text never shows twice.
func (c *chatClient) sendAndWait(ctx context.Context, opts chatOptions) (string, error) {
	c.seq++
	id := fmt.Sprintf("cli-%d", c.seq)
	params, err := json.Marshal(map[string]interface{}{
		"agentId":    opts.agentID,
		"sessionKey": opts.sessionKey,
		"content":    opts.message,
		"stream":     true,
	})
	if err != nil {
		return "", err
	}
	req, err := json.Marshal(protocol.Request{ID: id, Method: protocol.MethodChatSend, Params: params})
	if err != nil {
		return "", err
	}
	writeCtx, cancelWrite := context.WithTimeout(ctx, 10*time.Second)
	err = c.conn.Write(writeCtx, websocket.MessageText, req)
	cancelWrite()
	if err != nil {
		return "", fmt.Errorf("send chat: %w", err)
	}

	deadline := time.Now().Add(opts.timeout)
	streamed := false
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", fmt.Errorf("no reply within %s", opts.timeout)
		}
		readCtx, cancel := context.WithTimeout(ctx, remaining)
		_, data, err := c.conn.Read(readCtx)
		cancel()
		if err != nil {
			if readCtx.Err() != nil {
				return "", fmt.Errorf("no reply within %s", opts.timeout)
			}
			return "", fmt.Errorf("connection lost: %w", err)
		}

		switch protocol.SniffFrame(data) {
		case protocol.FrameResponse:
			var resp protocol.Response
			if err := json.Unmarshal(data, &resp); err != nil || resp.ID != id {
				continue
			}
			if !resp.OK {
				return "", errors.New(respErr(&resp))
			}
			// Queued; the reply arrives as a chat event below.

		case protocol.FrameEvent:
			var frame struct {
				Type    string          `json:"type"`
				Payload json.RawMessage `json:"payload"`
			}
			if err := json.Unmarshal(data, &frame); err != nil {
				continue
			}
			switch frame.Type {
			case protocol.EventChat:
				var ev struct {
					Type       string `json:"type"`
					SessionKey string `json:"sessionKey"`
					Content    string `json:"content"`
				}
				if err := json.Unmarshal(frame.Payload, &ev); err != nil {
					continue
				}
				if ev.Type != protocol.ChatEventMessage || ev.SessionKey != opts.sessionKey {
					continue
				}
				if streamed {
					fmt.Println()
					return "", nil
				}
				return ev.Content, nil
			case protocol.EventAgent:
				streamed = printAgentEvent(frame.Payload) || streamed
			case protocol.EventShutdown:
				return "", errors.New("gateway is shutting down")
			}
		}
	}
}

// printAgentEvent renders progress events and reports whether reply text
// was written to stdout.
func printAgentEvent(payload json.RawMessage) bool {
	var ev struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(payload, &ev); err != nil {
		return false
	}
	switch ev.Type {
	case "chunk":
		var chunk struct {
			Content string `json:"content"`
		}
		if err := json.Unmarshal(ev.Payload, &chunk); err == nil && chunk.Content != "" {
			fmt.Print(chunk.Content)
			return true
		}
	case "tool.call":
		var tc struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(ev.Payload, &tc); err == nil {
			fmt.Fprintf(os.Stderr, "  [tool] %s\n", tc.Name)
		}
	case "tool.result":
		var tr struct {
			Name    string `json:"name"`
			IsError bool   `json:"is_error"`
		}
		if err := json.Unmarshal(ev.Payload, &tr); err == nil && tr.IsError {
			fmt.Fprintf(os.Stderr, "  [tool] %s -> error\n", tr.Name)
		}
	}
	return false
}

// call performs one RPC round-trip, skipping interleaved event frames.
func (c *chatClient) call(ctx context.Context, method string, params interface{}, timeout time.Duration) (*protocol.Response, error) {
	c.seq++
	id := fmt.Sprintf("cli-%d", c.seq)

	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	req, err := json.Marshal(protocol.Request{ID: id, Method: method, Params: raw})
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := c.conn.Write(callCtx, websocket.MessageText, req); err != nil {
		return nil, fmt.Errorf("send %s: %w", method, err)
	}
	for {
		_, data, err := c.conn.Read(callCtx)
		if err != nil {
			return nil, fmt.Errorf("read %s response: %w", method, err)
		}
		if protocol.SniffFrame(data) != protocol.FrameResponse {
			continue
		}
		var resp protocol.Response
		if err := json.Unmarshal(data, &resp); err != nil || resp.ID != id {
			continue
		}
		return &resp, nil
	}
}

func respErr(resp *protocol.Response) string {
	if resp.Error != nil {
		return fmt.Sprintf("%s (%s)", resp.Error.Message, resp.Error.Code)
	}
	return "unknown error"
}

// ABOUTME: Interactive terminal client for canvas-gateway.
// ABOUTME: Sends chat messages over WebSocket and answers tool calls with canned results.

package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/gorilla/websocket"

	"github.com/2389/canvas-gateway/internal/protocol"
)

func main() {
	addr := "localhost:8787"
	if len(os.Args) > 1 {
		addr = os.Args[1]
	}
	url := "ws://" + addr + "/ws"

	if err := run(url); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type client struct {
	ws        *websocket.Conn
	sessionID string

	// streamDone is signalled when a stream_end, stream_error, or error
	// frame arrives, so the prompt loop knows to continue.
	streamDone chan struct{}
}

func run(url string) error {
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", url, err)
	}
	defer ws.Close()

	c := &client{ws: ws, streamDone: make(chan struct{}, 1)}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-interrupt
		ws.Close()
		os.Exit(0)
	}()

	readErr := make(chan error, 1)
	go func() { readErr <- c.readLoop() }()

	gray := color.New(color.FgHiBlack)
	gray.Printf("connected to %s\n", url)
	gray.Println("type a message and press enter; ctrl-c to quit")
	fmt.Println()

	stdin := bufio.NewScanner(os.Stdin)
	for {
		color.New(color.FgGreen, color.Bold).Print("you> ")
		if !stdin.Scan() {
			return stdin.Err()
		}
		line := strings.TrimSpace(stdin.Text())
		if line == "" {
			continue
		}

		if err := c.send(protocol.TypeChatMessage, protocol.ChatMessage{
			Message:   line,
			SessionID: c.sessionID,
		}); err != nil {
			return err
		}

		select {
		case <-c.streamDone:
		case err := <-readErr:
			return err
		}
	}
}

func (c *client) send(msgType string, payload any) error {
	data, err := protocol.Marshal(msgType, payload)
	if err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *client) readLoop() error {
	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	yellow := color.New(color.FgYellow)
	red := color.New(color.FgRed)

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("connection closed: %w", err)
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			red.Printf("bad frame from server: %v\n", err)
			continue
		}

		switch env.Type {
		case protocol.TypeConnectionEstablished:
			var p protocol.ConnectionEstablished
			json.Unmarshal(env.Payload, &p)
			gray.Printf("[client %s]\n", p.ClientID)

		case protocol.TypeSessionUpdate:
			var p protocol.SessionUpdate
			json.Unmarshal(env.Payload, &p)
			c.sessionID = p.SessionID
			gray.Printf("[session %s]\n", p.SessionID)

		case protocol.TypeStreamStart:
			// Response text follows in chunks.

		case protocol.TypeStreamChunk:
			var chunk protocol.StreamChunk
			if err := json.Unmarshal(env.Payload, &chunk); err != nil {
				red.Printf("\nbad chunk: %v\n", err)
				continue
			}
			if chunk.FunctionCall != nil {
				fmt.Println()
				yellow.Printf("[tool call: %s(%s)]\n", chunk.FunctionCall.Name, chunk.FunctionCall.Arguments)
				output := cannedResult(chunk.FunctionCall.Name)
				yellow.Printf("[answering: %s]\n", output)
				if err := c.send(protocol.TypeFunctionResult, protocol.FunctionResult{
					SessionID: c.sessionID,
					FunctionCallOutput: protocol.FunctionCallOutput{
						CallID: chunk.FunctionCall.CallID,
						Output: output,
					},
				}); err != nil {
					return err
				}
				continue
			}
			cyan.Print(chunk.Text)

		case protocol.TypeStreamEnd:
			fmt.Println()
			fmt.Println()
			c.streamDone <- struct{}{}

		case protocol.TypeStreamError:
			var p protocol.StreamError
			json.Unmarshal(env.Payload, &p)
			fmt.Println()
			red.Printf("[stream error: %s]\n", p.Message)
			c.streamDone <- struct{}{}

		case protocol.TypeError:
			var p protocol.ErrorPayload
			json.Unmarshal(env.Payload, &p)
			fmt.Println()
			red.Printf("[%s] %s\n", p.Code, p.Message)
			c.streamDone <- struct{}{}

		default:
			gray.Printf("[unhandled frame type %q]\n", env.Type)
		}
	}
}

// cannedResult fakes the canvas side of a tool call so the full round trip
// can be exercised without a browser attached.
func cannedResult(tool string) string {
	switch tool {
	case "detectAllNodes":
		return `{"nodes":[]}`
	case "createShape", "createText", "createStickyNote":
		return `{"success":true,"nodeId":"node-cli-1"}`
	default:
		return `{"success":true}`
	}
}

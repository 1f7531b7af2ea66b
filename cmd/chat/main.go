package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-chat/backend/internal/model/chat"
	"github.com/zhouzirui/z-chat/backend/pkg/client"
	"github.com/zhouzirui/z-chat/backend/pkg/frame"
)

var (
	apiURL         = flag.String("api", "http://localhost:8080/api", "Chat API base URL")
	characterName  = flag.String("character", "", "Character name or id to talk to (defaults to the first one)")
	conversationID = flag.String("conversation", "", "Resume an existing conversation")
	verbose        = flag.Bool("v", false, "Log malformed frames and reconcile failures")
)

// current tracks the session Ctrl+C should cancel.
type current struct {
	mu      sync.Mutex
	session *client.Session
}

func (c *current) set(s *client.Session) {
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()
}

// cancel aborts the running session and reports whether there was one.
func (c *current) cancel() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return false
	}
	c.session.Cancel()
	return true
}

func main() {
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := zap.NewNop()
	if *verbose {
		logger, _ = zap.NewDevelopment()
	}
	api := client.New(*apiURL, client.WithLogger(logger))

	boldGreen := color.New(color.FgGreen, color.Bold).SprintFunc()
	boldCyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	dim := color.New(color.Faint).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()

	detail, err := openConversation(ctx, api)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		fmt.Println("Make sure the API is running with: go run ./cmd/api")
		os.Exit(1)
	}
	name := "Assistant"
	if detail.Character != nil {
		name = detail.Character.Name
	}

	// Ctrl+C cancels the streaming reply, or quits at the prompt
	var active current
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		for sig := range sigs {
			if sig == os.Interrupt && active.cancel() {
				continue
			}
			fmt.Println("\nShutting down...")
			cancel()
			os.Exit(0)
		}
	}()

	fmt.Println(boldGreen("💬 Z Chat"))
	fmt.Printf("Talking to: %s %s\n", boldCyan(name), dim("("+detail.ID+")"))
	fmt.Println("Type your message and press Enter. Ctrl+C stops a reply; type 'exit' to quit.")
	fmt.Println()

	history, err := api.ListMessages(ctx, detail.ID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	printTranscript(history, name, boldGreen, boldCyan)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print(boldGreen("You: "))
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if strings.ToLower(input) == "exit" {
			break
		}

		fmt.Print(boldCyan(name + ": "))
		s, err := api.Send(ctx, detail.ID, input, client.Handlers{
			OnDelta: func(content string) { fmt.Print(content) },
			OnError: func(message string) { fmt.Print(red(" [" + message + "]")) },
		})
		if err != nil {
			var apiErr *client.APIError
			if errors.As(err, &apiErr) {
				fmt.Println(red(apiErr.Message))
			} else {
				fmt.Fprintf(os.Stderr, "\nError: %v\n", err)
			}
			continue
		}

		active.set(s)
		res := s.Wait()
		active.set(nil)

		switch res.State {
		case frame.StateAborted:
			fmt.Println(dim(" [stopped]"))
		case frame.StateFailed:
			if res.Err != nil {
				fmt.Println(red(" [connection lost]"))
			} else {
				fmt.Println()
			}
		default:
			fmt.Println()
		}
		fmt.Println()
	}
}

func openConversation(ctx context.Context, api *client.Client) (chat.ConversationDetail, error) {
	if *conversationID != "" {
		return api.GetConversation(ctx, *conversationID)
	}

	characters, err := api.ListCharacters(ctx)
	if err != nil {
		return chat.ConversationDetail{}, err
	}
	if len(characters) == 0 {
		return chat.ConversationDetail{}, errors.New("no characters available")
	}

	pick := characters[0]
	if *characterName != "" {
		found := false
		for _, c := range characters {
			if c.ID == *characterName || strings.EqualFold(c.Name, *characterName) {
				pick, found = c, true
				break
			}
		}
		if !found {
			return chat.ConversationDetail{}, fmt.Errorf("character %q not found", *characterName)
		}
	}
	return api.CreateConversation(ctx, pick.ID)
}

func printTranscript(messages []chat.Message, name string, user, assistant func(a ...interface{}) string) {
	for _, m := range messages {
		switch m.Role {
		case chat.RoleUser:
			fmt.Printf("%s%s\n", user("You: "), m.Content)
		case chat.RoleAssistant:
			fmt.Printf("%s%s\n", assistant(name+": "), m.Content)
		}
	}
	fmt.Println()
}

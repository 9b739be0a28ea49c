// Blooom - terminal chat client
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/blooom-app/blooom/internal/chatclient"
	"github.com/blooom-app/blooom/internal/config"
	"github.com/blooom-app/blooom/internal/domain"
	"github.com/blooom-app/blooom/internal/realtime"
	"github.com/gookit/color"
	"github.com/joho/godotenv"
	"github.com/olekukonko/tablewriter"
)

const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

var (
	info   = color.New(color.FgCyan)
	warn   = color.New(color.FgYellow)
	failed = color.New(color.FgRed)
	mine   = color.New(color.FgGreen)
	theirs = color.New(color.FgMagenta)
)

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintln(os.Stderr, failed.Sprintf("client terminated: %v", err))
	}
	os.Exit(code)
}

func run() (int, error) {
	_ = godotenv.Load()

	cfg, err := loadConfig()
	if err != nil {
		return exitConfig, err
	}
	level, err := config.ParseLevel(cfg.LogLevel)
	if err != nil {
		return exitConfig, err
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cache, err := chatclient.OpenCache(cfg.CacheDir)
	if err != nil {
		return exitRuntime, err
	}
	defer func() {
		_ = cache.Close()
	}()

	self := domain.UserID(cfg.UserID)
	peer := domain.UserID(cfg.PeerID)
	client, err := chatclient.New(chatclient.Options{
		ServerURL:     cfg.ServerURL,
		Token:         cfg.Token,
		UserID:        self,
		PeerID:        peer,
		TypingTimeout: cfg.TypingTimeout,
		Cache:         cache,
		OnEvent:       func(ev realtime.Outbound) { printEvent(os.Stdout, self, ev) },
	})
	if err != nil {
		return exitConfig, err
	}
	defer func() {
		_ = client.Close()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	connect(ctx, client)
	fmt.Println(info.Sprintf("Chatting as %d with %d. Commands: /history /who /typing /reconnect /refresh /quit", self, peer))

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return exitOK, nil
		case line, ok := <-lines:
			if !ok {
				return exitOK, nil
			}
			if quit := handleLine(ctx, client, self, strings.TrimSpace(line)); quit {
				return exitOK, nil
			}
		}
	}
}

func connect(ctx context.Context, client *chatclient.Client) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Connect(dialCtx); err != nil {
		fmt.Println(warn.Sprintf("Offline mode: %v", err))
		return
	}
	fmt.Println(info.Render("Connected"))
}

func handleLine(ctx context.Context, client *chatclient.Client, self domain.UserID, line string) bool {
	switch line {
	case "":
		return false
	case "/quit", "/exit":
		return true
	case "/history":
		renderHistory(os.Stdout, self, client.Messages())
	case "/who":
		renderOnline(os.Stdout, client.Online())
	case "/typing":
		if err := client.SetTyping(ctx, true); err != nil {
			fmt.Println(warn.Sprintf("typing not sent: %v", err))
		}
	case "/reconnect":
		connect(ctx, client)
	case "/refresh":
		if err := client.Refresh(ctx); err != nil {
			fmt.Println(failed.Sprintf("refresh failed: %v", err))
			return false
		}
		renderHistory(os.Stdout, self, client.Messages())
	default:
		if err := client.Send(ctx, line); err != nil {
			fmt.Println(failed.Sprintf("send failed: %s", domain.PublicMessage(err, err.Error())))
			return false
		}
		if !client.Connected() {
			fmt.Println(warn.Render("(kept locally, will be sent when back online)"))
		}
	}
	return false
}

func printEvent(w io.Writer, self domain.UserID, ev realtime.Outbound) {
	switch e := ev.(type) {
	case realtime.NewMessage:
		fmt.Fprintln(w, theirs.Sprintf("[%s] %s: %s", e.Timestamp.Local().Format("15:04"), senderName(e.ChatMessage), e.Content))
	case realtime.UserTyping:
		fmt.Fprintln(w, info.Sprintf("%d is typing...", e.UserID))
	case realtime.UserStatus:
		if e.UserID != self {
			fmt.Fprintln(w, info.Sprintf("%d is %s", e.UserID, e.Status))
		}
	case realtime.ErrorEvent:
		fmt.Fprintln(w, failed.Sprintf("server: %s", e.Message))
	}
}

func senderName(m domain.ChatMessage) string {
	if m.Sender.Username != "" {
		return m.Sender.Username
	}
	return m.SenderID.String()
}

func renderHistory(w io.Writer, self domain.UserID, msgs []domain.ChatMessage) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"ID", "Time", "From", "To", "Message"})
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)

	for _, m := range msgs {
		id := strconv.FormatInt(m.ID, 10)
		if m.ID < 0 {
			id = "pending"
		}
		from := senderName(m)
		if m.SenderID == self {
			from = mine.Render(from)
		}
		table.Append([]string{id, m.Timestamp.Local().Format("Jan 2 15:04"), from, m.ReceiverID.String(), m.Content})
	}
	table.Render()
}

func renderOnline(w io.Writer, online []domain.UserID) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"User", "Status"})
	table.SetBorder(false)
	for _, id := range online {
		table.Append([]string{id.String(), mine.Render(string(realtime.StatusOnline))})
	}
	table.Render()
}

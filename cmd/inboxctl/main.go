package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/matheus3301/inboxd/internal/api"
	"github.com/matheus3301/inboxd/internal/client"
	"github.com/matheus3301/inboxd/internal/lock"
	"github.com/matheus3301/inboxd/internal/profile"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	// Listing profiles needs no daemon.
	if args[0] == "profiles" {
		cmdProfiles(*jsonFlag)
		return
	}

	profileName, err := profile.Resolve(*profileFlag)
	if err != nil {
		fail(err)
	}

	socketPath := profile.SocketPath(profileName)
	c, err := client.New(socketPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot connect to daemon for profile %q: %v\n", profileName, err)
		os.Exit(1)
	}
	defer func() { _ = c.Close() }()

	if args[0] == "watch" {
		prefix := ""
		if len(args) > 1 {
			prefix = args[1]
		}
		cmdWatch(c, prefix)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch args[0] {
	case "status":
		cmdStatus(ctx, c, *jsonFlag)
	case "conversations":
		req := &api.ListConversationsRequest{}
		if len(args) > 1 {
			req.Status = args[1]
		}
		cmdConversations(ctx, c, req, *jsonFlag)
	case "messages":
		need(args, 2, "messages <conversation-id>")
		cmdMessages(ctx, c, args[1], *jsonFlag)
	case "send":
		need(args, 3, "send <conversation-id> <text>")
		resp, err := c.SendMessage(ctx, args[1], strings.Join(args[2:], " "))
		if err != nil {
			fail(err)
		}
		if *jsonFlag {
			outputJSON(resp)
			return
		}
		fmt.Printf("Sent %s (%s)\n", resp.Message.ID, resp.Message.Status)
	case "open":
		need(args, 2, "open <conversation-id>")
		resp, err := c.OpenConversation(ctx, args[1])
		if err != nil {
			fail(err)
		}
		fmt.Printf("Subscribers: %d\n", resp.Subscribers)
	case "close":
		need(args, 2, "close <conversation-id>")
		resp, err := c.CloseConversation(ctx, args[1])
		if err != nil {
			fail(err)
		}
		fmt.Printf("Subscribers: %d\n", resp.Subscribers)
	case "typing":
		need(args, 3, "typing <conversation-id> <on|off>")
		if err := c.Typing(ctx, args[1], args[2] == "on"); err != nil {
			fail(err)
		}
	case "refocus":
		resp, err := c.Refocus(ctx)
		if err != nil {
			fail(err)
		}
		if resp.Triggered {
			fmt.Println("Refreshing all resources.")
		} else {
			fmt.Println("Refocus throttled.")
		}
	case "conv":
		need(args, 3, "conv <conversation-id> <assign|resolve|reopen|archive|star|unstar|purpose> [arg]")
		if err := c.Command(ctx, args[1], args[2], strings.Join(args[3:], " ")); err != nil {
			fail(err)
		}
		fmt.Println("OK")
	case "calls":
		cmdCalls(ctx, c, *jsonFlag)
	case "notifications":
		limit := 20
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil {
				fail(fmt.Errorf("limit: %w", err))
			}
			limit = n
		}
		cmdNotifications(ctx, c, limit, *jsonFlag)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: inboxctl [--profile <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                      Show daemon and connection status")
	fmt.Fprintln(os.Stderr, "  conversations [status]      List cached conversations")
	fmt.Fprintln(os.Stderr, "  messages <id>               List cached messages of a conversation")
	fmt.Fprintln(os.Stderr, "  send <id> <text>            Send a message")
	fmt.Fprintln(os.Stderr, "  open <id> / close <id>      Follow or stop following a conversation")
	fmt.Fprintln(os.Stderr, "  typing <id> <on|off>        Send a typing indicator")
	fmt.Fprintln(os.Stderr, "  refocus                     Refresh every polled resource now")
	fmt.Fprintln(os.Stderr, "  conv <id> <action> [arg]    Run a conversation command")
	fmt.Fprintln(os.Stderr, "  calls                       Show the call log grouped by number")
	fmt.Fprintln(os.Stderr, "  notifications [limit]       List notifications")
	fmt.Fprintln(os.Stderr, "  watch [prefix]              Stream daemon events")
	fmt.Fprintln(os.Stderr, "  profiles                    List known profiles")
}

func need(args []string, n int, usage string) {
	if len(args) < n {
		fmt.Fprintf(os.Stderr, "usage: inboxctl %s\n", usage)
		os.Exit(1)
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func cmdStatus(ctx context.Context, c *client.Client, jsonOut bool) {
	resp, err := c.GetStatus(ctx)
	if err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(resp)
		return
	}
	fmt.Printf("Profile:       %s\n", resp.Profile)
	fmt.Printf("Connection:    %s\n", resp.State)
	if resp.Epoch > 0 {
		fmt.Printf("Epoch:         %d\n", resp.Epoch)
	}
	fmt.Printf("Uptime:        %s\n", (time.Duration(resp.UptimeMs) * time.Millisecond).Round(time.Second))
	fmt.Printf("Conversations: %d\n", resp.ConversationCount)
	fmt.Printf("Messages:      %d\n", resp.MessageCount)
	if len(resp.Subscriptions) > 0 {
		fmt.Printf("Following:     %s\n", strings.Join(resp.Subscriptions, ", "))
	}
}

func cmdConversations(ctx context.Context, c *client.Client, req *api.ListConversationsRequest, jsonOut bool) {
	resp, err := c.ListConversations(ctx, req)
	if err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(resp)
		return
	}
	if len(resp.Conversations) == 0 {
		fmt.Println("No conversations.")
	}
	for _, conv := range resp.Conversations {
		unread := " "
		if conv.Unread {
			unread = "*"
		}
		fmt.Printf("%s %-24s %-9s %-8s %s\n", unread, conv.ID, conv.Status, conv.Channel, conv.ContactName)
	}
	if resp.Stale {
		fmt.Println("(refreshing)")
	}
}

func cmdMessages(ctx context.Context, c *client.Client, conversationID string, jsonOut bool) {
	resp, err := c.ListMessages(ctx, conversationID)
	if err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(resp)
		return
	}
	for _, m := range resp.Messages {
		arrow := "<"
		if m.Direction == "outbound" {
			arrow = ">"
		}
		fmt.Printf("%s %s [%s] %s\n", m.CreatedAt.Local().Format("15:04"), arrow, m.Status, m.Content)
	}
	if resp.Stale {
		fmt.Println("(refreshing)")
	}
}

func cmdCalls(ctx context.Context, c *client.Client, jsonOut bool) {
	resp, err := c.CallGroups(ctx)
	if err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(resp)
		return
	}
	if len(resp.Groups) == 0 {
		fmt.Println("No calls.")
	}
	for _, g := range resp.Groups {
		fmt.Printf("%-18s %3d calls %3d missed %8s  last %s\n",
			g.CounterpartyNumber, g.Total, g.Missed,
			(time.Duration(g.TotalDuration) * time.Second).String(),
			g.MostRecent.StartedAt.Local().Format(time.DateTime))
	}
}

func cmdNotifications(ctx context.Context, c *client.Client, limit int, jsonOut bool) {
	resp, err := c.ListNotifications(ctx, limit)
	if err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(resp)
		return
	}
	fmt.Printf("Unread: %d\n", resp.Unread)
	for _, n := range resp.Notifications {
		mark := " "
		if !n.Read {
			mark = "*"
		}
		fmt.Printf("%s %s %s\n", mark, n.CreatedAt.Local().Format(time.DateTime), n.Title)
	}
}

func cmdWatch(c *client.Client, prefix string) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	stream, err := c.WatchEvents(ctx, prefix)
	if err != nil {
		fail(err)
	}
	enc := json.NewEncoder(os.Stdout)
	for {
		evt, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return
			}
			fail(err)
		}
		_ = enc.Encode(evt)
	}
}

type profileInfo struct {
	Name    string     `json:"name"`
	Path    string     `json:"path"`
	Running bool       `json:"running"`
	PID     int        `json:"pid,omitempty"`
	Since   *time.Time `json:"since,omitempty"`
}

func cmdProfiles(jsonOut bool) {
	entries, err := os.ReadDir(filepath.Join(profile.BaseDir(), "profiles"))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		fail(err)
	}
	var profiles []profileInfo
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := profile.Dir(e.Name())
		info := profileInfo{Name: e.Name(), Path: dir}
		if owner, ok := lock.Holder(dir); ok {
			info.Running, info.PID = true, owner.PID
			if !owner.Since.IsZero() {
				info.Since = &owner.Since
			}
		}
		profiles = append(profiles, info)
	}
	if jsonOut {
		outputJSON(profiles)
		return
	}
	if len(profiles) == 0 {
		fmt.Println("No profiles found.")
		return
	}
	for _, p := range profiles {
		running := "stopped"
		if p.Running {
			running = fmt.Sprintf("running, pid %d", p.PID)
			if p.Since != nil {
				running += ", since " + p.Since.Local().Format(time.DateTime)
			}
		}
		fmt.Printf("%-20s %s (%s)\n", p.Name, p.Path, running)
	}
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}

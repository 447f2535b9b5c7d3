package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"
)

func main() {
	addrFlag := flag.String("addr", "127.0.0.1:8636", "daemon address")
	tokenFlag := flag.String("token", "", "bearer token (defaults to $PIGEON_TOKEN)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	token := *tokenFlag
	if token == "" {
		token = os.Getenv("PIGEON_TOKEN")
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	c := &client{
		base:  "http://" + *addrFlag,
		token: token,
		http:  &http.Client{Timeout: 10 * time.Second},
	}

	switch args[0] {
	case "login":
		if len(args) != 3 {
			fmt.Fprintln(os.Stderr, "usage: pigeonctl login <username> <password>")
			os.Exit(1)
		}
		cmdLogin(c, args[1], args[2], *jsonFlag)
	case "status":
		cmdStatus(c, *jsonFlag)
	case "inbox":
		cmdInbox(c, *jsonFlag)
	case "send":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: pigeonctl send <username> <text>")
			os.Exit(1)
		}
		cmdSend(c, args[1], strings.Join(args[2:], " "), *jsonFlag)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: pigeonctl [--addr <host:port>] [--token <token>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  login <user> <pass>   Log in and print a bearer token")
	fmt.Fprintln(os.Stderr, "  status                Show daemon health and unread badge")
	fmt.Fprintln(os.Stderr, "  inbox                 List chats, newest activity first")
	fmt.Fprintln(os.Stderr, "  send <user> <text>    Send a message to a user")
}

type client struct {
	base  string
	token string
	http  *http.Client
}

func (c *client) do(method, path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequest(method, c.base+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("cannot reach daemon at %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = resp.Status
		}
		return fmt.Errorf("%s", e.Error)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func cmdLogin(c *client, username, password string, jsonOut bool) {
	var resp struct {
		Token string `json:"token"`
		User  struct {
			ID       string `json:"id"`
			Username string `json:"username"`
		} `json:"user"`
	}
	err := c.do(http.MethodPost, "/v1/login",
		map[string]string{"username": username, "password": password}, &resp)
	if err != nil {
		fatal(err)
	}
	if jsonOut {
		outputJSON(resp)
		return
	}
	fmt.Printf("Logged in as %s\n", resp.User.Username)
	fmt.Printf("export PIGEON_TOKEN=%s\n", resp.Token)
}

func cmdStatus(c *client, jsonOut bool) {
	var health struct {
		Status string `json:"status"`
	}
	if err := c.do(http.MethodGet, "/v1/healthz", nil, &health); err != nil {
		fatal(err)
	}

	out := map[string]any{"daemon": health.Status}
	if c.token != "" {
		var unread struct {
			Total int `json:"total"`
		}
		if err := c.do(http.MethodGet, "/v1/unread", nil, &unread); err != nil {
			fatal(err)
		}
		out["unread"] = unread.Total
	}

	if jsonOut {
		outputJSON(out)
		return
	}
	fmt.Printf("Daemon: %s\n", health.Status)
	if n, ok := out["unread"]; ok {
		fmt.Printf("Unread: %d\n", n)
	}
}

func cmdInbox(c *client, jsonOut bool) {
	var entries []struct {
		Chat struct {
			ID string `json:"id"`
		} `json:"chat"`
		Other struct {
			Username string `json:"username"`
		} `json:"other"`
		LastMessage *struct {
			Content   string `json:"content"`
			CreatedAt int64  `json:"createdAt"`
		} `json:"lastMessage"`
		UnreadCount int `json:"unreadCount"`
	}
	if err := c.do(http.MethodGet, "/v1/inbox", nil, &entries); err != nil {
		fatal(err)
	}
	if jsonOut {
		outputJSON(entries)
		return
	}
	if len(entries) == 0 {
		fmt.Println("No chats.")
		return
	}
	for _, e := range entries {
		badge := ""
		if e.UnreadCount > 0 {
			badge = fmt.Sprintf(" (%d unread)", e.UnreadCount)
		}
		preview := "<no messages>"
		when := ""
		if e.LastMessage != nil {
			preview = e.LastMessage.Content
			when = time.UnixMilli(e.LastMessage.CreatedAt).Format("Jan 02 15:04")
		}
		fmt.Printf("%-16s%s  %s  %s\n", e.Other.Username, badge, when, preview)
	}
}

func cmdSend(c *client, username, text string, jsonOut bool) {
	// Resolve the recipient, then find-or-create the chat, then send.
	var users []struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	}
	if err := c.do(http.MethodGet, "/v1/users", nil, &users); err != nil {
		fatal(err)
	}
	var userID string
	for _, u := range users {
		if u.Username == username {
			userID = u.ID
			break
		}
	}
	if userID == "" {
		fatal(fmt.Errorf("no such user: %s", username))
	}

	var chat struct {
		ID string `json:"id"`
	}
	if err := c.do(http.MethodPost, "/v1/chats", map[string]string{"userId": userID}, &chat); err != nil {
		fatal(err)
	}

	var msg struct {
		ID        string `json:"id"`
		Content   string `json:"content"`
		CreatedAt int64  `json:"createdAt"`
	}
	if err := c.do(http.MethodPost, "/v1/chats/"+chat.ID+"/messages",
		map[string]string{"content": text}, &msg); err != nil {
		fatal(err)
	}

	if jsonOut {
		outputJSON(msg)
		return
	}
	fmt.Printf("Sent to %s at %s\n", username,
		time.UnixMilli(msg.CreatedAt).Format("15:04:05"))
}

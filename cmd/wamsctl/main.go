package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

func main() {
	addrFlag := flag.String("addr", "http://127.0.0.1:8080", "daemon address")
	sessionFlag := flag.String("session", "", "session id")
	jsonFlag := flag.Bool("json", false, "output raw JSON")
	chatFlag := flag.String("chat", "", "chat id (messages, mark-read, search)")
	limitFlag := flag.Int("limit", 0, "result limit")
	archivedFlag := flag.Bool("archived", false, "archived chat partition")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	c := &ctl{
		base:    strings.TrimRight(*addrFlag, "/"),
		session: *sessionFlag,
		json:    *jsonFlag,
		http:    &http.Client{Timeout: 30 * time.Second},
	}

	switch args[0] {
	case "status":
		c.cmdStatus()
	case "sessions":
		c.cmdSessions()
	case "qr":
		c.cmdQR()
	case "chats":
		c.cmdChats(*limitFlag, *archivedFlag)
	case "messages":
		c.cmdMessages(*chatFlag, *limitFlag)
	case "send":
		if len(args) < 3 {
			die("usage: wamsctl --session <id> send <to> <message...>")
		}
		c.cmdSend(args[1], strings.Join(args[2:], " "))
	case "mark-read":
		c.cmdMarkRead(*chatFlag)
	case "refresh":
		c.cmdPost("/api/refresh-cache", "cache refreshed")
	case "disconnect":
		c.cmdPost("/api/disconnect", "session disconnected")
	case "cleanup":
		c.cmdPost("/api/force-cleanup", "session cleaned up")
	case "search":
		if len(args) < 2 {
			die("usage: wamsctl --session <id> search <query>")
		}
		c.cmdSearch(strings.Join(args[1:], " "), *chatFlag, *limitFlag)
	case "debug":
		c.cmdDebug()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: wamsctl [--addr <url>] [--session <id>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                     Show session status")
	fmt.Fprintln(os.Stderr, "  sessions                   List live sessions")
	fmt.Fprintln(os.Stderr, "  qr                         Create session / show pairing state")
	fmt.Fprintln(os.Stderr, "  chats [--limit] [--archived]")
	fmt.Fprintln(os.Stderr, "  messages --chat <id> [--limit]")
	fmt.Fprintln(os.Stderr, "  send <to> <message...>     Send a text message")
	fmt.Fprintln(os.Stderr, "  mark-read --chat <id>      Mark a chat as read")
	fmt.Fprintln(os.Stderr, "  refresh                    Invalidate the chat cache")
	fmt.Fprintln(os.Stderr, "  disconnect                 Gracefully tear the session down")
	fmt.Fprintln(os.Stderr, "  cleanup                    Force-remove the session")
	fmt.Fprintln(os.Stderr, "  search <query> [--chat]    Full-text search mirrored messages")
	fmt.Fprintln(os.Stderr, "  debug                      Dump throttle/cache diagnostics")
}

func die(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}

type ctl struct {
	base    string
	session string
	json    bool
	http    *http.Client
}

func (c *ctl) needSession() {
	if c.session == "" {
		die("error: --session is required for this command")
	}
}

func (c *ctl) get(path string, q url.Values) map[string]any {
	target := c.base + path
	if len(q) > 0 {
		target += "?" + q.Encode()
	}
	resp, err := c.http.Get(target)
	if err != nil {
		die(fmt.Sprintf("error: %v", err))
	}
	return c.read(resp)
}

func (c *ctl) post(path string, body map[string]any) map[string]any {
	raw, err := json.Marshal(body)
	if err != nil {
		die(fmt.Sprintf("error: %v", err))
	}
	resp, err := c.http.Post(c.base+path, "application/json", bytes.NewReader(raw))
	if err != nil {
		die(fmt.Sprintf("error: %v", err))
	}
	return c.read(resp)
}

func (c *ctl) read(resp *http.Response) map[string]any {
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		die(fmt.Sprintf("error: %v", err))
	}
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		die(fmt.Sprintf("error: unexpected response: %s", raw))
	}
	if resp.StatusCode >= 400 {
		msg := fmt.Sprintf("error: %v", body["error"])
		if details, ok := body["details"].(string); ok && details != "" {
			msg += ": " + details
		}
		die(msg)
	}
	if c.json {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(body)
		os.Exit(0)
	}
	return body
}

func (c *ctl) sessionQuery() url.Values {
	return url.Values{"sessionId": {c.session}}
}

func (c *ctl) cmdStatus() {
	c.needSession()
	body := c.get("/api/status", c.sessionQuery())
	fmt.Printf("Session: %v\n", body["sessionId"])
	fmt.Printf("Status:  %v\n", body["status"])
	if msg, ok := body["message"].(string); ok && msg != "" {
		fmt.Printf("Note:    %s\n", msg)
	}
}

func (c *ctl) cmdSessions() {
	body := c.get("/api/sessions", nil)
	sessions, _ := body["sessions"].([]any)
	if len(sessions) == 0 {
		fmt.Println("No live sessions.")
		return
	}
	for _, raw := range sessions {
		s, _ := raw.(map[string]any)
		fmt.Printf("%-24v %v\n", s["sessionId"], s["status"])
	}
}

func (c *ctl) cmdQR() {
	c.needSession()
	body := c.get("/api/qr", c.sessionQuery())
	fmt.Printf("Session: %v\n", body["sessionId"])
	fmt.Printf("Status:  %v\n", body["status"])
	if code, ok := body["qrCode"].(string); ok && code != "" {
		fmt.Println("QR (data URI, open in a browser to scan):")
		fmt.Println(code)
	}
}

func (c *ctl) cmdChats(limit int, archived bool) {
	c.needSession()
	q := c.sessionQuery()
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if archived {
		q.Set("archived", "true")
	}
	body := c.get("/api/chats", q)
	items, _ := body["items"].([]any)
	for _, raw := range items {
		chat, _ := raw.(map[string]any)
		unread := ""
		if n, ok := chat["unread"].(float64); ok && n > 0 {
			unread = fmt.Sprintf(" (%d unread)", int(n))
		}
		fmt.Printf("%-40v %v%s\n", chat["id"], chat["name"], unread)
	}
	fmt.Printf("total: %v  hasMore: %v\n", body["total"], body["hasMore"])
}

func (c *ctl) cmdMessages(chatID string, limit int) {
	c.needSession()
	if chatID == "" {
		die("error: --chat is required")
	}
	q := c.sessionQuery()
	q.Set("chatId", chatID)
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	body := c.get("/api/messages", q)
	msgs, _ := body["messages"].([]any)
	for _, raw := range msgs {
		m, _ := raw.(map[string]any)
		who := "them"
		if m["fromMe"] == true {
			who = "me"
		}
		if label, ok := m["authorLabel"].(string); ok && label != "" {
			who = label
		}
		fmt.Printf("[%v] %s: %v\n", m["timestamp"], who, m["body"])
	}
}

func (c *ctl) cmdSend(to, message string) {
	c.needSession()
	body := c.post("/api/send", map[string]any{
		"sessionId": c.session,
		"to":        to,
		"message":   message,
	})
	fmt.Printf("sent: %v\n", body["messageId"])
}

func (c *ctl) cmdMarkRead(chatID string) {
	c.needSession()
	if chatID == "" {
		die("error: --chat is required")
	}
	c.post("/api/mark-read", map[string]any{
		"sessionId": c.session,
		"chatId":    chatID,
	})
	fmt.Println("marked read")
}

func (c *ctl) cmdPost(path, okMsg string) {
	c.needSession()
	c.post(path, map[string]any{"sessionId": c.session})
	fmt.Println(okMsg)
}

func (c *ctl) cmdSearch(query, chatID string, limit int) {
	c.needSession()
	q := c.sessionQuery()
	q.Set("q", query)
	if chatID != "" {
		q.Set("chatId", chatID)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	body := c.get("/api/search", q)
	results, _ := body["results"].([]any)
	if len(results) == 0 {
		fmt.Println("No matches.")
		return
	}
	for _, raw := range results {
		r, _ := raw.(map[string]any)
		fmt.Printf("%v  %v\n", r["chatId"], r["snippet"])
	}
}

func (c *ctl) cmdDebug() {
	c.needSession()
	body := c.get("/api/debug-state", c.sessionQuery())
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(body)
}

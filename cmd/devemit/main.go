package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/you/chatspout/internal/normalize"
)

// devemit posts synthetic notifications at a running relay so streams,
// webhooks, and the archive can be exercised without a real upstream.
func main() {
	var (
		target   string
		topic    string
		kind     string
		user     string
		text     string
		bits     int
		count    int
		interval time.Duration
	)

	flag.StringVar(&target, "target", "http://localhost:8080", "Relay base URL")
	flag.StringVar(&topic, "topic", "devchannel", "Topic to emit into")
	flag.StringVar(&kind, "kind", "message", "Notification type (message, ban, timeout, cheer, sub, raid)")
	flag.StringVar(&user, "user", "devuser", "Acting username")
	flag.StringVar(&text, "text", "hello from devemit", "Message text")
	flag.IntVar(&bits, "bits", 100, "Bits amount for cheer notifications")
	flag.IntVar(&count, "count", 1, "Number of notifications to send")
	flag.DurationVar(&interval, "interval", 500*time.Millisecond, "Delay between notifications")
	flag.Parse()

	client := &http.Client{Timeout: 5 * time.Second}
	url := target + "/ingest"

	sent := 0
	for i := 0; i < count; i++ {
		if i > 0 {
			time.Sleep(interval)
		}
		note := buildNote(kind, topic, user, text, bits, i)
		if err := post(client, url, note); err != nil {
			log.Printf("devemit: send %d/%d failed: %v", i+1, count, err)
			continue
		}
		sent++
	}
	log.Printf("devemit: sent %d/%d %s notifications to %s", sent, count, kind, url)
}

func buildNote(kind, topic, user, text string, bits, seq int) normalize.Notification {
	fields := map[string]string{
		"login": user,
		"id":    uuid.NewString(),
	}
	switch kind {
	case "message":
		fields["text"] = fmt.Sprintf("%s (%d)", text, seq)
	case "ban":
		fields["target"] = user
		fields["login"] = "devmod"
		fields["reason"] = "devemit test ban"
	case "timeout":
		fields["target"] = user
		fields["login"] = "devmod"
		fields["duration"] = "600"
	case "cheer":
		fields["bits"] = strconv.Itoa(bits)
		fields["text"] = text
	case "sub":
		fields["tier"] = "1000"
		fields["months"] = "1"
		fields["text"] = text
	case "raid":
		fields["viewers"] = "42"
	}
	return normalize.Notification{Type: kind, Channel: topic, Fields: fields}
}

func post(client *http.Client, url string, note normalize.Notification) error {
	body, err := json.Marshal(note)
	if err != nil {
		return err
	}
	resp, err := client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
	}
	return nil
}

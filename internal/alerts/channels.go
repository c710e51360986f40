package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/neotalk/neotalk/pkg/models"
)

// Channel delivers messages to one destination.
type Channel interface {
	// Name identifies the channel instance.
	Name() string

	// Type is the channel's kind tag (console, memory, webhook, email).
	Type() string

	// Send delivers one message.
	Send(ctx context.Context, msg *models.Message) error
}

// ConsoleChannel prints messages to stdout.
type ConsoleChannel struct {
	// Color enables severity colouring; disabled when NO_COLOR is set.
	Color bool
}

// NewConsoleChannel creates a console channel honouring NO_COLOR and
// NEOTALK_COLOR.
func NewConsoleChannel() *ConsoleChannel {
	color := true
	if os.Getenv("NO_COLOR") != "" {
		color = false
	}
	if v := os.Getenv("NEOTALK_COLOR"); v == "0" || strings.EqualFold(v, "false") {
		color = false
	}
	return &ConsoleChannel{Color: color}
}

// Name implements Channel.
func (c *ConsoleChannel) Name() string { return "console" }

// Type implements Channel.
func (c *ConsoleChannel) Type() string { return "console" }

var severityColors = map[models.Severity]string{
	models.SeverityInfo:      "\033[36m",
	models.SeverityWarning:   "\033[33m",
	models.SeverityCritical:  "\033[31m",
	models.SeverityEmergency: "\033[35m",
}

// Send implements Channel.
func (c *ConsoleChannel) Send(_ context.Context, msg *models.Message) error {
	line := fmt.Sprintf("[%s] %s", strings.ToUpper(string(msg.Severity)), msg.Title)
	if msg.Body != "" {
		line += ": " + msg.Body
	}
	if c.Color {
		if code, ok := severityColors[msg.Severity]; ok {
			line = code + line + "\033[0m"
		}
	}
	_, err := fmt.Println(line)
	return err
}

// MemoryChannel retains sent messages in memory; it is the test oracle
// for notification behaviour.
type MemoryChannel struct {
	name string

	mu       sync.Mutex
	messages []models.Message
}

// NewMemoryChannel creates a named in-memory channel.
func NewMemoryChannel(name string) *MemoryChannel {
	if name == "" {
		name = "memory"
	}
	return &MemoryChannel{name: name}
}

// Name implements Channel.
func (c *MemoryChannel) Name() string { return c.name }

// Type implements Channel.
func (c *MemoryChannel) Type() string { return "memory" }

// Send implements Channel.
func (c *MemoryChannel) Send(_ context.Context, msg *models.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, *msg)
	return nil
}

// Messages returns a copy of everything sent so far.
func (c *MemoryChannel) Messages() []models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.Message(nil), c.messages...)
}

// WebhookChannel POSTs messages as JSON to a URL.
type WebhookChannel struct {
	name    string
	url     string
	headers map[string]string
	client  *http.Client
}

// NewWebhookChannel creates a webhook channel.
func NewWebhookChannel(name, url string, headers map[string]string) *WebhookChannel {
	return &WebhookChannel{
		name:    name,
		url:     url,
		headers: headers,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Name implements Channel.
func (c *WebhookChannel) Name() string { return c.name }

// Type implements Channel.
func (c *WebhookChannel) Type() string { return "webhook" }

// Send implements Channel.
func (c *WebhookChannel) Send(ctx context.Context, msg *models.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook %s: %w", c.name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook %s: status %d", c.name, resp.StatusCode)
	}
	return nil
}

// EmailConfig configures the SMTP channel.
type EmailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string
}

// EmailChannel delivers messages over SMTP.
type EmailChannel struct {
	name   string
	config EmailConfig

	// send is a seam for tests; defaults to smtp.SendMail.
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewEmailChannel creates an email channel.
func NewEmailChannel(name string, config EmailConfig) *EmailChannel {
	return &EmailChannel{name: name, config: config, send: smtp.SendMail}
}

// Name implements Channel.
func (c *EmailChannel) Name() string { return c.name }

// Type implements Channel.
func (c *EmailChannel) Type() string { return "email" }

// Send implements Channel.
func (c *EmailChannel) Send(_ context.Context, msg *models.Message) error {
	if len(c.config.To) == 0 {
		return fmt.Errorf("email %s: no recipients", c.name)
	}
	var auth smtp.Auth
	if c.config.Username != "" {
		auth = smtp.PlainAuth("", c.config.Username, c.config.Password, c.config.Host)
	}
	body := fmt.Sprintf("Subject: [%s] %s\r\nFrom: %s\r\nTo: %s\r\n\r\n%s\r\n",
		strings.ToUpper(string(msg.Severity)), msg.Title,
		c.config.From, strings.Join(c.config.To, ", "), msg.Body)
	addr := fmt.Sprintf("%s:%d", c.config.Host, c.config.Port)
	return c.send(addr, auth, c.config.From, c.config.To, []byte(body))
}

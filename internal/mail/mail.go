// Package mail sends passcode emails through an HTTP mail API.
package mail

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"net/http"

	autherr "github.com/alexjbarnes/authgate/internal/errors"
	"github.com/tidwall/gjson"
)

const passcodeSubject = "OTP Code"

//go:embed passcode.html
var passcodeHTML string

var passcodeTemplate = template.Must(template.New("passcode").Parse(passcodeHTML))

// message is the request body of the mail API.
type message struct {
	From    string   `json:"from"`
	ReplyTo string   `json:"replyTo,omitempty"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
}

// Client sends mail through the configured API endpoint.
type Client struct {
	httpClient *http.Client
	url        string
	token      string
	sender     string
	replyTo    string
}

// NewClient creates a mail client. If httpClient is nil,
// http.DefaultClient is used.
func NewClient(url, token, sender, replyTo string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		httpClient: httpClient,
		url:        url,
		token:      token,
		sender:     sender,
		replyTo:    replyTo,
	}
}

// RenderPasscode renders the HTML body for a passcode email.
func RenderPasscode(email, code string) (string, error) {
	var buf bytes.Buffer

	err := passcodeTemplate.Execute(&buf, struct {
		Email string
		Code  string
	}{email, code})
	if err != nil {
		return "", fmt.Errorf("rendering passcode mail: %w", err)
	}

	return buf.String(), nil
}

// SendPasscode mails code to the address to.
func (c *Client) SendPasscode(ctx context.Context, to, code string) error {
	html, err := RenderPasscode(to, code)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(message{
		From:    c.sender,
		ReplyTo: c.replyTo,
		To:      []string{to},
		Subject: passcodeSubject,
		HTML:    html,
	})
	if err != nil {
		return fmt.Errorf("marshalling mail: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: sending mail: %w", autherr.ErrAPIRequest, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if msg := gjson.GetBytes(body, "error.message").String(); msg != "" {
		return fmt.Errorf("%w: mail API (%d): %s", autherr.ErrAPIResponse, resp.StatusCode, msg)
	}

	if msg := gjson.GetBytes(body, "error").String(); msg != "" {
		return fmt.Errorf("%w: mail API (%d): %s", autherr.ErrAPIResponse, resp.StatusCode, msg)
	}

	return fmt.Errorf("%w: mail API returned status %d", autherr.ErrAPIResponse, resp.StatusCode)
}

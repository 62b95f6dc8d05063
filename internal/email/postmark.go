package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"strings"

	"github.com/dukerupert/credits/internal/billing/model"
)

const postmarkURL = "https://api.postmarkapp.com/email"

type Client struct {
	serverToken string
	fromEmail   string
	baseURL     string
	httpClient  *http.Client
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

func NewClient(serverToken, fromEmail, baseURL string, opts ...Option) *Client {
	c := &Client{
		serverToken: serverToken,
		fromEmail:   fromEmail,
		baseURL:     strings.TrimRight(baseURL, "/"),
		httpClient:  http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configured returns true if the server token and sender are set.
func (c *Client) Configured() bool {
	return c.serverToken != "" && c.fromEmail != ""
}

type postmarkEmail struct {
	From     string `json:"From"`
	To       string `json:"To"`
	Subject  string `json:"Subject"`
	HtmlBody string `json:"HtmlBody"`
	TextBody string `json:"TextBody"`
	Tag      string `json:"Tag,omitempty"`
}

// SendReceipt emails the account holder a receipt for a completed payment.
func (c *Client) SendReceipt(ctx context.Context, acct model.Account, p model.PaymentRecord) error {
	if !c.Configured() {
		return fmt.Errorf("email client not configured: missing server token or sender")
	}

	subject := fmt.Sprintf("Payment received: %d credits added", p.CreditsAdded)
	intro := "Thanks for your payment."
	if p.AutoRenewal {
		subject = fmt.Sprintf("Subscription renewed: %d credits added", p.CreditsAdded)
		intro = "Your subscription has renewed."
	}

	amount := p.Amount.StringFixed(2) + " " + p.Currency
	next := "not scheduled"
	if acct.NextRenewalAt != nil {
		next = acct.NextRenewalAt.UTC().Format("January 2, 2006 15:04 MST")
	}

	lines := []string{
		intro,
		"",
		"Amount: " + amount,
		fmt.Sprintf("Credits added: %d", p.CreditsAdded),
		fmt.Sprintf("Current balance: %d credits", acct.Credits),
		"Next renewal: " + next,
		"Reference: " + p.OrderID,
	}
	if c.baseURL != "" {
		lines = append(lines, "", "Manage your subscription: "+c.baseURL)
	}
	textBody := strings.Join(lines, "\n")

	var hb strings.Builder
	hb.WriteString("<p>" + html.EscapeString(intro) + "</p><table>")
	for _, row := range [][2]string{
		{"Amount", amount},
		{"Credits added", fmt.Sprint(p.CreditsAdded)},
		{"Current balance", fmt.Sprintf("%d credits", acct.Credits)},
		{"Next renewal", next},
		{"Reference", p.OrderID},
	} {
		fmt.Fprintf(&hb, "<tr><td>%s</td><td>%s</td></tr>", row[0], html.EscapeString(row[1]))
	}
	hb.WriteString("</table>")
	if c.baseURL != "" {
		fmt.Fprintf(&hb, `<p><a href="%s">Manage your subscription</a></p>`, html.EscapeString(c.baseURL))
	}

	return c.send(ctx, postmarkEmail{
		From:     c.fromEmail,
		To:       acct.Email,
		Subject:  subject,
		HtmlBody: hb.String(),
		TextBody: textBody,
		Tag:      "receipt",
	})
}

func (c *Client) send(ctx context.Context, payload postmarkEmail) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal email: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", postmarkURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Postmark-Server-Token", c.serverToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("postmark API error: status %d", resp.StatusCode)
	}

	return nil
}

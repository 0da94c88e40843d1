package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tinytelemetry/errtally/internal/model"
	"github.com/tinytelemetry/errtally/internal/retry"
)

// Uncategorized labels 1 day counts of rows without a category.
const Uncategorized = "Uncategorized"

// DefaultTelegramURL is the Telegram Bot API root.
const DefaultTelegramURL = "https://api.telegram.org"

// Digest is the daily summary of 1 day counts per category.
type Digest struct {
	Date          time.Time             `json:"date"`
	Total         int                   `json:"total"`
	Categories    []model.CategoryCount `json:"categories"`
	Uncategorized int                   `json:"uncategorized"`
	Link          string                `json:"link,omitempty"`
	Empty         bool                  `json:"empty"`
}

// BuildDigest sums the 1 day column of table per category. Categories are
// ordered by count, highest first, then by name.
func BuildDigest(table [][]string, date time.Time, link string) (Digest, error) {
	d := Digest{Date: date, Link: link}
	if len(table) < 2 {
		d.Empty = true
		return d, nil
	}
	if err := model.ValidateGroupHeader(table[0]); err != nil {
		return d, err
	}

	sums := make(map[string]int)
	for _, row := range table[1:] {
		if len(row) <= model.ColOneDay {
			continue
		}
		n := model.ParseCount(row[model.ColOneDay])
		cat := strings.TrimSpace(row[model.ColCategory])
		if cat == "" {
			d.Uncategorized += n
		} else {
			sums[cat] += n
		}
		d.Total += n
	}
	for cat, n := range sums {
		d.Categories = append(d.Categories, model.CategoryCount{Category: cat, Count: n})
	}
	sort.Slice(d.Categories, func(i, j int) bool {
		a, b := d.Categories[i], d.Categories[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.Category < b.Category
	})
	return d, nil
}

var markdownEscaper = strings.NewReplacer("_", `\_`, "*", `\*`, "`", "\\`", "[", `\[`)

// Text renders the digest as a Telegram Markdown message.
func (d Digest) Text() string {
	if d.Empty {
		return "No data for the report."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Daily summary for %s (%d total):", d.Date.Format("02.01.2006"), d.Total)
	for _, c := range d.Categories {
		fmt.Fprintf(&b, "\n• %s: %d", markdownEscaper.Replace(c.Category), c.Count)
	}
	if d.Uncategorized > 0 {
		fmt.Fprintf(&b, "\n• %s: %d", Uncategorized, d.Uncategorized)
	}
	if d.Link != "" {
		fmt.Fprintf(&b, "\n\n[Details](%s)", d.Link)
	}
	return b.String()
}

// TelegramConfig configures the digest sender.
type TelegramConfig struct {
	BaseURL    string
	Token      string
	ChatID     string
	HTTPClient *http.Client
}

// TelegramSender posts messages to one chat through the Bot API.
type TelegramSender struct {
	cfg    TelegramConfig
	client *http.Client
}

// NewTelegramSender validates conf.
func NewTelegramSender(conf TelegramConfig) (*TelegramSender, error) {
	if conf.Token == "" || conf.ChatID == "" {
		return nil, errors.New("enrich: telegram token and chat id are required")
	}
	if conf.BaseURL == "" {
		conf.BaseURL = DefaultTelegramURL
	}
	conf.BaseURL = strings.TrimRight(conf.BaseURL, "/")
	client := conf.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &TelegramSender{cfg: conf, client: client}, nil
}

type sendMessageRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

type botResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
}

// Send posts text as a Markdown message without link previews.
func (s *TelegramSender) Send(ctx context.Context, text string) error {
	body, err := json.Marshal(sendMessageRequest{
		ChatID:                s.cfg.ChatID,
		Text:                  text,
		ParseMode:             "Markdown",
		DisableWebPagePreview: true,
	})
	if err != nil {
		return err
	}
	u := s.cfg.BaseURL + "/bot" + s.cfg.Token + "/sendMessage"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		// url.Error would print the URL, which carries the bot token.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return fmt.Errorf("telegram: send message: %w", err)
	}
	defer resp.Body.Close()

	var br botResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	_ = json.Unmarshal(raw, &br)
	if resp.StatusCode != http.StatusOK || !br.OK {
		code := resp.StatusCode
		if br.ErrorCode != 0 {
			code = br.ErrorCode
		}
		msg := br.Description
		if msg == "" {
			msg = strconv.Itoa(resp.StatusCode)
		}
		return &retry.StatusError{Code: code, Err: fmt.Errorf("telegram: send message: %s", msg)}
	}
	return nil
}

package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"spotwatch/internal/storage"
)

// Digest summarises one classification run for humans.
type Digest struct {
	RunID           string
	Bucket          time.Time
	RecordsInserted int64
	FailedRegions   []string
	Counts          map[storage.StealType]int
	Steals          []storage.Steal
	AdditionalMsg   string
}

// Notifier delivers steal digests.
type Notifier interface {
	Notify(ctx context.Context, digest Digest) error
}

// TelegramNotifier posts digests through the Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier builds a Telegram notifier.
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify sends the rendered digest with sendMessage.
func (n *TelegramNotifier) Notify(ctx context.Context, digest Digest) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    Render(digest),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram returned status %d", resp.StatusCode)
	}

	var result struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil && !result.OK {
		return fmt.Errorf("telegram rejected message: %s", result.Description)
	}

	n.logger.Info().
		Str("run_id", digest.RunID).
		Int("steals", len(digest.Steals)).
		Msg("digest sent")
	return nil
}

// LogNotifier writes digests to the log. Used when no chat is configured.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier builds a LogNotifier.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "alert_log").Logger()}
}

// Notify implements Notifier.
func (n *LogNotifier) Notify(_ context.Context, digest Digest) error {
	n.logger.Info().Str("run_id", digest.RunID).Msg(Render(digest))
	return nil
}

// Render formats a digest as plain text.
func Render(d Digest) string {
	var b strings.Builder
	b.WriteString("[Spot Steals]\n")
	if d.RunID != "" {
		fmt.Fprintf(&b, "Run: %s\n", d.RunID)
	}
	if !d.Bucket.IsZero() {
		fmt.Fprintf(&b, "Bucket: %s UTC\n", d.Bucket.UTC().Format(time.RFC3339))
	}
	if d.RecordsInserted > 0 {
		fmt.Fprintf(&b, "Records ingested: %d\n", d.RecordsInserted)
	}
	if len(d.FailedRegions) > 0 {
		fmt.Fprintf(&b, "Failed regions: %s\n", strings.Join(d.FailedRegions, ","))
	}
	for _, t := range storage.StealTypes {
		fmt.Fprintf(&b, "%s: %d\n", t, d.Counts[t])
	}
	if len(d.Steals) > 0 {
		b.WriteString("Cheapest:\n")
		for _, s := range d.Steals {
			desc := "-"
			if s.ProductDescription != nil {
				desc = *s.ProductDescription
			}
			fmt.Fprintf(&b, "  %s %s %s $%s (%s)\n", s.Region, s.InstanceType, desc, s.Price.String(), s.Type)
		}
	}
	if d.AdditionalMsg != "" {
		b.WriteString(d.AdditionalMsg)
	}
	return b.String()
}

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = (*LogNotifier)(nil)
)

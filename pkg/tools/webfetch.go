package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const webFetchMaxChars = 4000

var (
	htmlTagPattern    = regexp.MustCompile(`<[^>]+>`)
	whitespacePattern = regexp.MustCompile(`\s+`)
)

var webFetchClient = &http.Client{
	Timeout: 15 * time.Second,
}

// FetchURL retrieves a URL, strips HTML tags, collapses whitespace and trims
// the result to a size a model prompt can absorb. Failures come back as an
// error string, not an error, so the model sees them as a tool result.
func FetchURL(ctx context.Context, url string) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Sprintf("Error fetching URL: %s", err.Error())
	}

	resp, err := webFetchClient.Do(req)
	if err != nil {
		log.Error().Err(err).Str("url", url).Msg("web fetch failed")
		return fmt.Sprintf("Error fetching URL: %s", err.Error())
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Sprintf("Error fetching URL: %s", err.Error())
	}

	text := htmlTagPattern.ReplaceAllString(string(body), " ")
	text = whitespacePattern.ReplaceAllString(text, " ")
	text = strings.TrimSpace(text)
	if len(text) > webFetchMaxChars {
		text = text[:webFetchMaxChars]
	}
	return text
}

func webFetchFn(ctx context.Context, args map[string]interface{}) (string, error) {
	url, ok := args["url"].(string)
	if !ok {
		return "Error: missing 'url' argument", nil
	}
	return FetchURL(ctx, url), nil
}

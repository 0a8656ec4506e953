package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/weavr-dev/weavr/pkg/models"
	"github.com/weavr-dev/weavr/pkg/template"
)

const (
	urlFetchTimeout  = 30 * time.Second
	urlUserAgent     = "Weavr/1.0"
	urlContentLimit  = 12000
	defaultSeparator = "\n\n"
	truncationSuffix = "…"
)

// SearchFunc performs a web search and formats the results as a numbered
// text list. Implemented by the websearch client.
type SearchFunc func(ctx context.Context, query string, maxResults int) (string, error)

// Assembler resolves a workflow's memory blocks into text. Source errors
// never abort the run: they are logged and substituted with a marker.
type Assembler struct {
	logger *slog.Logger
	client *http.Client
	search SearchFunc
}

func NewAssembler(logger *slog.Logger, search SearchFunc) *Assembler {
	return &Assembler{
		logger: logger.With("module", "memory"),
		client: &http.Client{Timeout: urlFetchTimeout},
		search: search,
	}
}

// Assemble resolves every block in declaration order. The cache is
// run-scoped and keyed per (blockId, sourceId); only sources that cannot
// change within a run are cached.
func (a *Assembler) Assemble(
	ctx context.Context,
	blocks []*models.MemoryBlock,
	base template.Context,
	cache map[string]string,
	collector *logCollector,
) *models.MemorySnapshot {
	snapshot := &models.MemorySnapshot{
		Blocks:  make(map[string]string, len(blocks)),
		Sources: make(map[string]map[string]string, len(blocks)),
	}

	for _, block := range blocks {
		resolved := make(map[string]string, len(block.Sources))
		ordered := make([]string, 0, len(block.Sources))

		for i, source := range block.Sources {
			sourceID := source.ID
			if sourceID == "" {
				sourceID = fmt.Sprintf("source-%d", i)
			}

			value := a.resolveSource(ctx, block.ID, sourceID, source, base, cache, collector)

			resolved[sourceID] = value
			ordered = append(ordered, composeEntry(source, value))
		}

		text := composeBlock(block, resolved, ordered, base)

		if block.Dedupe {
			text = dedupeLines(text)
		}

		if block.MaxChars > 0 {
			text = truncate(text, block.MaxChars)
		}

		snapshot.Blocks[block.ID] = text
		snapshot.Sources[block.ID] = resolved
	}

	return snapshot
}

func (a *Assembler) resolveSource(
	ctx context.Context,
	blockID, sourceID string,
	source *models.MemorySource,
	base template.Context,
	cache map[string]string,
	collector *logCollector,
) string {
	cacheKey := blockID + "\x00" + sourceID
	if cacheable(source) {
		if cached, ok := cache[cacheKey]; ok {
			return cached
		}
	}

	value, err := a.loadSource(ctx, source, base)
	if err != nil {
		marker := (&models.MemorySourceError{
			BlockID:  blockID,
			SourceID: sourceID,
			Type:     source.Type,
			Cause:    err,
		}).Error()

		collector.add("error", "", marker)

		return marker
	}

	value = normalize(value)

	if source.MaxChars > 0 {
		value = truncate(value, source.MaxChars)
	}

	if cacheable(source) {
		cache[cacheKey] = value
	}

	return value
}

func (a *Assembler) loadSource(ctx context.Context, source *models.MemorySource, base template.Context) (string, error) {
	switch source.Type {
	case models.MemorySourceText:
		return template.Interpolate(source.Text, base), nil

	case models.MemorySourceFile:
		path := template.Interpolate(source.Path, base)

		content, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("failed to read file %s: %w", path, err)
		}

		return string(content), nil

	case models.MemorySourceURL:
		return a.fetchURL(ctx, template.Interpolate(source.URL, base))

	case models.MemorySourceWebSearch:
		if a.search == nil {
			return "", errors.New("no web search provider configured")
		}

		query := template.Interpolate(source.Query, base)

		maxResults := source.MaxResults
		if maxResults <= 0 {
			maxResults = 5
		}

		return a.search(ctx, query, maxResults)

	case models.MemorySourceStep:
		expr := "steps." + source.Step
		if source.Path != "" {
			expr += "." + source.Path
		}

		return template.Stringify(template.Resolve(expr, base)), nil

	case models.MemorySourceTrigger:
		expr := "trigger"
		if source.Path != "" {
			expr += "." + source.Path
		}

		return template.Stringify(template.Resolve(expr, base)), nil

	default:
		return "", fmt.Errorf("unknown source type %q", source.Type)
	}
}

// fetchURL retrieves a page and reduces HTML responses to readable text.
func (a *Assembler) fetchURL(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request for %s: %w", url, err)
	}

	req.Header.Set("User-Agent", urlUserAgent)

	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch %s: %w", url, err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("fetch of %s returned status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read body of %s: %w", url, err)
	}

	content := string(body)
	if isHTML(resp.Header.Get("Content-Type"), content) {
		content = stripHTML(content)
	}

	if len(content) > urlContentLimit {
		content = content[:urlContentLimit]
	}

	return content, nil
}

// cacheable reports whether a source's value is stable within a run:
// step and trigger sources depend on run state, and any input containing
// a placeholder may resolve differently between assemblies.
func cacheable(source *models.MemorySource) bool {
	switch source.Type {
	case models.MemorySourceStep, models.MemorySourceTrigger:
		return false
	}

	for _, input := range []string{source.Text, source.URL, source.Path, source.Query} {
		if len(template.Expressions(input)) > 0 {
			return false
		}
	}

	return true
}

func composeEntry(source *models.MemorySource, value string) string {
	if source.Label != "" {
		return "## " + source.Label + "\n" + value
	}

	return value
}

func composeBlock(block *models.MemoryBlock, resolved map[string]string, ordered []string, base template.Context) string {
	if block.Template != "" {
		blockCtx := make(template.Context, len(base)+1)
		for k, v := range base {
			blockCtx[k] = v
		}

		blockCtx["sources"] = resolved

		return strings.TrimSpace(template.Interpolate(block.Template, blockCtx))
	}

	separator := block.Separator
	if separator == "" {
		separator = defaultSeparator
	}

	return strings.TrimSpace(strings.Join(ordered, separator))
}

// dedupeLines removes duplicate trimmed non-empty lines, keeping the
// first occurrence. Blank lines are preserved.
func dedupeLines(text string) string {
	lines := strings.Split(text, "\n")
	seen := make(map[string]bool, len(lines))
	out := make([]string, 0, len(lines))

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			out = append(out, line)

			continue
		}

		if seen[trimmed] {
			continue
		}

		seen[trimmed] = true

		out = append(out, line)
	}

	return strings.Join(out, "\n")
}

func normalize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	return strings.TrimSpace(text)
}

func truncate(text string, maxChars int) string {
	runes := []rune(text)
	if len(runes) <= maxChars {
		return text
	}

	return string(runes[:maxChars]) + truncationSuffix
}

func isHTML(contentType, body string) bool {
	if strings.Contains(strings.ToLower(contentType), "html") {
		return true
	}

	head := strings.ToLower(strings.TrimSpace(body))

	return strings.HasPrefix(head, "<!doctype html") || strings.HasPrefix(head, "<html")
}

var (
	noisyElements  = regexp.MustCompile(`(?is)<(script|style|nav|header|footer|aside)\b[^>]*>.*?</\s*(script|style|nav|header|footer|aside)\s*>`)
	anyTag         = regexp.MustCompile(`(?s)<[^>]+>`)
	whitespaceRuns = regexp.MustCompile(`\s+`)
)

// stripHTML reduces a page to its visible text: chrome elements are
// dropped wholesale, remaining tags removed, whitespace collapsed.
func stripHTML(html string) string {
	text := noisyElements.ReplaceAllString(html, " ")
	text = anyTag.ReplaceAllString(text, " ")
	text = whitespaceRuns.ReplaceAllString(text, " ")

	return strings.TrimSpace(text)
}

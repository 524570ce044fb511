package composer

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"strings"

	"github.com/yuhaven/moments/internal/config"
	"github.com/yuhaven/moments/internal/llm"
	"github.com/yuhaven/moments/internal/store"
)

const (
	summarySystemPrompt = `You condense one day of a person's chat messages into a short diary-style status line. Capture mood and notable events. Stay under 100 characters. Return only the summary text.`

	postSystemPrompt = `You write short social feed posts that sound like a real person sharing a moment from their day. Natural tone, a light emoji is fine, under 100 characters. Never sound promotional.`

	commentSystemPrompt = `You write short, warm comments on a friend's social post. Under 50 characters, natural, never repetitive or formal. Return only the comment text.`

	postUserPrompt = `Recent diary entries:
%s

Write one social post inspired by these entries. Do not copy them verbatim; write as if sharing today's mood.`

	commentUserPrompt = `Post content: %s

Write one friendly comment replying to this post.`

	maxPostSummaries = 5
)

// fallbackPosts keeps auto-posting alive when there are no memories to
// draw on or the model is down.
var fallbackPosts = []string{
	"Lovely weather today, and my mood is following suit ☀️",
	"A small memory surfaced out of nowhere and made me smile \U0001f60a",
	"Learning something new lately. Tiring, but in a good way \U0001f4aa",
	"Long chat with a friend today. Always leaves me thinking \U0001f465",
	"Slowed down for a bit and noticed the little things \U0001f338",
	"Checked off a few small goals today. Quietly proud \U0001f44d",
	"Music really does fix most moods \U0001f3b5",
}

// Composer turns stored records and summaries into publishable text by
// delegating to the LLM collaborator. It never retries; a failed call is
// the caller's signal to skip or fall back.
type Composer struct {
	llm           llm.Completer
	postPrompt    string
	commentPrompt string
	pickFn        func(n int) int
}

func New(completer llm.Completer, prompts config.PromptsConfig) *Composer {
	postPrompt := strings.TrimSpace(prompts.Post)
	if postPrompt == "" {
		postPrompt = postSystemPrompt
	}
	commentPrompt := strings.TrimSpace(prompts.Comment)
	if commentPrompt == "" {
		commentPrompt = commentSystemPrompt
	}
	return &Composer{
		llm:           completer,
		postPrompt:    postPrompt,
		commentPrompt: commentPrompt,
		pickFn:        rand.Intn,
	}
}

// SetPickFn overrides the fallback-pool selector (for tests).
func (c *Composer) SetPickFn(fn func(n int) int) {
	c.pickFn = fn
}

// Summarize condenses one day of records into a short summary. An error
// means no summary; it never fabricates content.
func (c *Composer) Summarize(ctx context.Context, records []store.ChatRecord) (string, error) {
	if len(records) == 0 {
		return "", fmt.Errorf("no records to summarize")
	}
	prompt := fmt.Sprintf("Chat transcript for the day:\n\n%s\n\nSummarize this day.", BuildTranscript(records))
	text, err := c.llm.Complete(ctx, prompt, summarySystemPrompt)
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	return text, nil
}

// ComposePost drafts a post from recent summaries. When there are no
// summaries or the model fails it falls back to the generic pool, so the
// result is always a non-empty string.
func (c *Composer) ComposePost(ctx context.Context, summaries []store.DailySummary) string {
	if len(summaries) == 0 {
		return c.GenericPost()
	}
	if len(summaries) > maxPostSummaries {
		summaries = summaries[:maxPostSummaries]
	}

	var sb strings.Builder
	for _, s := range summaries {
		sb.WriteString("[")
		sb.WriteString(s.Date)
		sb.WriteString("] ")
		sb.WriteString(s.Content)
		sb.WriteString("\n")
	}

	text, err := c.llm.Complete(ctx, fmt.Sprintf(postUserPrompt, strings.TrimSpace(sb.String())), c.postPrompt)
	if err != nil {
		log.Printf("[composer] compose post failed, using generic fallback: %v", err)
		return c.GenericPost()
	}
	return text
}

// ComposeComment drafts a reply to a post. Unlike posting, commenting is
// optional: on failure the caller skips the post, so there is no fallback.
func (c *Composer) ComposeComment(ctx context.Context, postText string) (string, error) {
	if strings.TrimSpace(postText) == "" {
		return "", fmt.Errorf("empty post text")
	}
	text, err := c.llm.Complete(ctx, fmt.Sprintf(commentUserPrompt, postText), c.commentPrompt)
	if err != nil {
		return "", fmt.Errorf("compose comment: %w", err)
	}
	return text, nil
}

// GenericPost picks uniformly from the fallback pool.
func (c *Composer) GenericPost() string {
	return fallbackPosts[c.pickFn(len(fallbackPosts))]
}

// BuildTranscript renders records chronologically as "[HH:MM] sender:
// content" lines, the format summary prompts expect. Input order is
// preserved; callers pass oldest-first.
func BuildTranscript(records []store.ChatRecord) string {
	var sb strings.Builder
	for _, rec := range records {
		if strings.TrimSpace(rec.Content) == "" {
			continue
		}
		sb.WriteString("[")
		sb.WriteString(rec.Timestamp.Format("15:04"))
		sb.WriteString("] ")
		sb.WriteString(rec.UserID)
		sb.WriteString(": ")
		sb.WriteString(rec.Content)
		sb.WriteString("\n")
	}
	return strings.TrimSpace(sb.String())
}

package webhook

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/mattjoyce/dexter/internal/workspace"
)

// trigger is a comment that asks for an agent run. An empty Key with a
// Reason means the delivery is ignored.
type trigger struct {
	Key       string
	Prompt    string
	SourceRef string
	Reason    string
}

func ignored(reason string) trigger { return trigger{Reason: reason} }

type githubUser struct {
	Login string `json:"login"`
	Type  string `json:"type"`
}

type githubComment struct {
	Body    string     `json:"body"`
	HTMLURL string     `json:"html_url"`
	User    githubUser `json:"user"`
}

type githubPayload struct {
	Action  string        `json:"action"`
	Comment githubComment `json:"comment"`
	Issue   *struct {
		Number int `json:"number"`
	} `json:"issue"`
	PullRequest *struct {
		Number int `json:"number"`
	} `json:"pull_request"`
	Repository struct {
		Name  string     `json:"name"`
		Owner githubUser `json:"owner"`
	} `json:"repository"`
}

// parseGitHub handles issue_comment and pull_request_review_comment events.
// Issue numbers and pull request numbers share one sequence per repository,
// so both map onto the same key space.
func parseGitHub(header http.Header, body []byte, mention string) (trigger, error) {
	event := header.Get("X-GitHub-Event")
	if event != "issue_comment" && event != "pull_request_review_comment" {
		return ignored(fmt.Sprintf("event %q not handled", event)), nil
	}

	var p githubPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return trigger{}, fmt.Errorf("decode github payload: %w", err)
	}
	if p.Action != "created" {
		return ignored(fmt.Sprintf("action %q not handled", p.Action)), nil
	}
	if p.Comment.User.Type == "Bot" {
		return ignored("comment by a bot"), nil
	}

	number := 0
	switch {
	case p.Issue != nil:
		number = p.Issue.Number
	case p.PullRequest != nil:
		number = p.PullRequest.Number
	}

	prompt, ok := extractPrompt(p.Comment.Body, mention)
	if !ok {
		return ignored("no mention"), nil
	}

	key, err := workspace.GitHubKey(p.Repository.Owner.Login, p.Repository.Name, number)
	if err != nil {
		return trigger{}, err
	}
	return trigger{Key: key, Prompt: prompt, SourceRef: p.Comment.HTMLURL}, nil
}

type jiraPayload struct {
	WebhookEvent string `json:"webhookEvent"`
	Issue        struct {
		Key string `json:"key"`
	} `json:"issue"`
	Comment struct {
		Self   string `json:"self"`
		Body   string `json:"body"`
		Author struct {
			AccountType string `json:"accountType"`
		} `json:"author"`
	} `json:"comment"`
}

// parseJira handles comment_created events; the issue key is the workspace key.
func parseJira(_ http.Header, body []byte, mention string) (trigger, error) {
	var p jiraPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return trigger{}, fmt.Errorf("decode jira payload: %w", err)
	}
	if p.WebhookEvent != "comment_created" {
		return ignored(fmt.Sprintf("event %q not handled", p.WebhookEvent)), nil
	}
	if p.Comment.Author.AccountType == "app" {
		return ignored("comment by an app"), nil
	}

	prompt, ok := extractPrompt(p.Comment.Body, mention)
	if !ok {
		return ignored("no mention"), nil
	}

	key := strings.TrimSpace(p.Issue.Key)
	if err := workspace.ValidateKey(key); err != nil {
		return trigger{}, err
	}
	return trigger{Key: key, Prompt: prompt, SourceRef: p.Comment.Self}, nil
}

// extractPrompt returns the comment with the first mention removed, matched
// case-insensitively. ok is false when the mention is absent or nothing else
// is left.
func extractPrompt(body, mention string) (string, bool) {
	if mention == "" {
		return "", false
	}
	re, err := regexp.Compile("(?i)" + regexp.QuoteMeta(mention))
	if err != nil {
		return "", false
	}
	loc := re.FindStringIndex(body)
	if loc == nil {
		return "", false
	}
	before := strings.TrimSpace(body[:loc[0]])
	after := strings.TrimSpace(body[loc[1]:])
	prompt := strings.TrimSpace(before + " " + after)
	return prompt, prompt != ""
}

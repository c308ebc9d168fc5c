package github

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"alertsync/internal/models"
	"alertsync/internal/service"
)

const (
	issuesPerPage = 100
	// maxSearchPages ограничивает перебор открытых issues при поиске по маркеру.
	maxSearchPages = 10
)

// Issue - подмножество полей issue, которые нужны синхронизации.
type Issue struct {
	Number      int       `json:"number"`
	Title       string    `json:"title"`
	Body        string    `json:"body"`
	State       string    `json:"state"`
	Labels      []Label   `json:"labels"`
	PullRequest *struct{} `json:"pull_request,omitempty"`
}

type Label struct {
	Name string `json:"name"`
}

type issueRequest struct {
	Title       string   `json:"title,omitempty"`
	Body        string   `json:"body,omitempty"`
	Labels      []string `json:"labels,omitempty"`
	State       string   `json:"state,omitempty"`
	StateReason string   `json:"state_reason,omitempty"`
}

type commentRequest struct {
	Body string `json:"body"`
}

var _ service.IssueTracker = (*Client)(nil)

// CreateIssue заводит issue и возвращает его номер.
func (c *Client) CreateIssue(ctx context.Context, repo string, content models.IssueContent) (int, error) {
	path, err := repoPath(repo, "/issues")
	if err != nil {
		return 0, classify("create issue", err)
	}
	var issue Issue
	err = c.do(ctx, http.MethodPost, path, issueRequest{
		Title:  content.Title,
		Body:   content.Body,
		Labels: content.Labels,
	}, &issue)
	if err != nil {
		return 0, classify("create issue", err)
	}
	if issue.Number <= 0 {
		return 0, classify("create issue", fmt.Errorf("github: response has no issue number"))
	}
	c.logger.Info().Str("repo", repo).Int("issue", issue.Number).Msg("Issue created")
	return issue.Number, nil
}

// UpdateIssue заменяет заголовок, тело и метки issue.
func (c *Client) UpdateIssue(ctx context.Context, repo string, number int, content models.IssueContent) error {
	path, err := repoPath(repo, fmt.Sprintf("/issues/%d", number))
	if err != nil {
		return classify("update issue", err)
	}
	err = c.do(ctx, http.MethodPatch, path, issueRequest{
		Title:  content.Title,
		Body:   content.Body,
		Labels: content.Labels,
	}, nil)
	return classify("update issue", err)
}

// CloseIssue закрывает issue и оставляет комментарий о разрешении.
// Комментарий пишется только после успешного закрытия.
func (c *Client) CloseIssue(ctx context.Context, repo string, number int, comment string) error {
	path, err := repoPath(repo, fmt.Sprintf("/issues/%d", number))
	if err != nil {
		return classify("close issue", err)
	}
	err = c.do(ctx, http.MethodPatch, path, issueRequest{State: "closed", StateReason: "completed"}, nil)
	if err != nil {
		return classify("close issue", err)
	}
	if comment != "" {
		if err := c.comment(ctx, repo, number, comment); err != nil {
			return classify("close issue", err)
		}
	}
	return nil
}

// ReopenIssue открывает закрытый issue заново, обновляет его содержимое и оставляет комментарий.
func (c *Client) ReopenIssue(ctx context.Context, repo string, number int, content models.IssueContent, comment string) error {
	path, err := repoPath(repo, fmt.Sprintf("/issues/%d", number))
	if err != nil {
		return classify("reopen issue", err)
	}
	err = c.do(ctx, http.MethodPatch, path, issueRequest{
		Title:  content.Title,
		Body:   content.Body,
		Labels: content.Labels,
		State:  "open",
	}, nil)
	if err != nil {
		return classify("reopen issue", err)
	}
	if comment != "" {
		if err := c.comment(ctx, repo, number, comment); err != nil {
			return classify("reopen issue", err)
		}
	}
	return nil
}

// FindIssueByMarker перебирает открытые issues с меткой label и ищет marker в теле.
func (c *Client) FindIssueByMarker(ctx context.Context, repo, label, marker string) (int, bool, error) {
	base, err := repoPath(repo, "/issues")
	if err != nil {
		return 0, false, classify("find issue", err)
	}
	query := url.Values{}
	query.Set("state", "open")
	query.Set("labels", label)
	query.Set("per_page", fmt.Sprint(issuesPerPage))

	for page := 1; page <= maxSearchPages; page++ {
		query.Set("page", fmt.Sprint(page))
		var issues []Issue
		if err := c.do(ctx, http.MethodGet, base+"?"+query.Encode(), nil, &issues); err != nil {
			return 0, false, classify("find issue", err)
		}
		for _, issue := range issues {
			if issue.PullRequest != nil {
				continue
			}
			if strings.Contains(issue.Body, marker) {
				return issue.Number, true, nil
			}
		}
		if len(issues) < issuesPerPage {
			break
		}
	}
	return 0, false, nil
}

func (c *Client) comment(ctx context.Context, repo string, number int, body string) error {
	path, err := repoPath(repo, fmt.Sprintf("/issues/%d/comments", number))
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, path, commentRequest{Body: body}, nil)
}

// repoPath строит путь /repos/{owner}/{name}{suffix} из "owner/name".
func repoPath(repo, suffix string) (string, error) {
	owner, name, ok := strings.Cut(repo, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return "", &APIError{StatusCode: http.StatusBadRequest, Message: fmt.Sprintf("invalid repository %q, expected owner/name", repo)}
	}
	return "/repos/" + url.PathEscape(owner) + "/" + url.PathEscape(name) + suffix, nil
}

package mock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"alertsync/internal/apperr"
	"alertsync/internal/models"
)

// Issue - issue, заведенный в моке трекера.
type Issue struct {
	Repo     string
	Number   int
	Title    string
	Body     string
	Labels   []string
	Open     bool
	Comments []string
}

// TrackerMock имитирует GitHub Issues в памяти. Используется в тестах и при
// github.use_mock=true для локального запуска без доступа к GitHub.
type TrackerMock struct {
	mu     sync.Mutex
	issues map[string]map[int]*Issue
	next   map[string]int
	calls  map[string]int
	delays map[string]time.Duration

	// FailNext - ошибка, которую вернет следующий вызов. Сбрасывается после использования.
	FailNext error
}

// NewTrackerMock создает новый экземпляр мока.
func NewTrackerMock() *TrackerMock {
	return &TrackerMock{
		issues: make(map[string]map[int]*Issue),
		next:   make(map[string]int),
		calls:  make(map[string]int),
		delays: make(map[string]time.Duration),
	}
}

// SetDelay замедляет операцию op, имитируя медленный ответ GitHub.
func (m *TrackerMock) SetDelay(op string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delays[op] = d
}

func (m *TrackerMock) pause(ctx context.Context, op string) error {
	m.mu.Lock()
	d := m.delays[op]
	m.mu.Unlock()
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// FailNextWith настраивает ошибку для следующего вызова.
func (m *TrackerMock) FailNextWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FailNext = err
}

func (m *TrackerMock) begin(op string) error {
	m.calls[op]++
	if m.FailNext != nil {
		err := m.FailNext
		m.FailNext = nil // Сбрасываем флаг после использования
		return err
	}
	return nil
}

func (m *TrackerMock) CreateIssue(ctx context.Context, repo string, content models.IssueContent) (int, error) {
	if err := m.pause(ctx, "create"); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("create"); err != nil {
		return 0, err
	}
	if m.issues[repo] == nil {
		m.issues[repo] = make(map[int]*Issue)
	}
	m.next[repo]++
	n := m.next[repo]
	m.issues[repo][n] = &Issue{
		Repo:   repo,
		Number: n,
		Title:  content.Title,
		Body:   content.Body,
		Labels: append([]string(nil), content.Labels...),
		Open:   true,
	}
	return n, nil
}

func (m *TrackerMock) UpdateIssue(ctx context.Context, repo string, number int, content models.IssueContent) error {
	if err := m.pause(ctx, "update"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("update"); err != nil {
		return err
	}
	issue, err := m.lookup(repo, number)
	if err != nil {
		return err
	}
	issue.Title = content.Title
	issue.Body = content.Body
	issue.Labels = append([]string(nil), content.Labels...)
	return nil
}

func (m *TrackerMock) CloseIssue(ctx context.Context, repo string, number int, comment string) error {
	if err := m.pause(ctx, "close"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("close"); err != nil {
		return err
	}
	issue, err := m.lookup(repo, number)
	if err != nil {
		return err
	}
	issue.Comments = append(issue.Comments, comment)
	issue.Open = false
	return nil
}

func (m *TrackerMock) ReopenIssue(ctx context.Context, repo string, number int, content models.IssueContent, comment string) error {
	if err := m.pause(ctx, "reopen"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("reopen"); err != nil {
		return err
	}
	issue, err := m.lookup(repo, number)
	if err != nil {
		return err
	}
	issue.Title = content.Title
	issue.Body = content.Body
	issue.Labels = append([]string(nil), content.Labels...)
	issue.Comments = append(issue.Comments, comment)
	issue.Open = true
	return nil
}

func (m *TrackerMock) FindIssueByMarker(ctx context.Context, repo, label, marker string) (int, bool, error) {
	if err := m.pause(ctx, "find"); err != nil {
		return 0, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("find"); err != nil {
		return 0, false, err
	}
	for _, n := range m.sortedNumbers(repo) {
		issue := m.issues[repo][n]
		if issue.Open && hasLabel(issue.Labels, label) && strings.Contains(issue.Body, marker) {
			return n, true, nil
		}
	}
	return 0, false, nil
}

// Issues возвращает копии всех issue репозитория в порядке номеров.
func (m *TrackerMock) Issues(repo string) []Issue {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Issue
	for _, n := range m.sortedNumbers(repo) {
		issue := *m.issues[repo][n]
		issue.Comments = append([]string(nil), issue.Comments...)
		out = append(out, issue)
	}
	return out
}

// OpenIssues возвращает количество открытых issue в репозитории.
func (m *TrackerMock) OpenIssues(repo string) int {
	count := 0
	for _, issue := range m.Issues(repo) {
		if issue.Open {
			count++
		}
	}
	return count
}

// Calls возвращает количество вызовов операции (create, update, close, reopen, find).
func (m *TrackerMock) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

func (m *TrackerMock) lookup(repo string, number int) (*Issue, error) {
	issue, ok := m.issues[repo][number]
	if !ok {
		return nil, apperr.Permanent("issue lookup", fmt.Errorf("issue %s#%d not found", repo, number))
	}
	return issue, nil
}

func (m *TrackerMock) sortedNumbers(repo string) []int {
	numbers := make([]int, 0, len(m.issues[repo]))
	for n := range m.issues[repo] {
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)
	return numbers
}

func hasLabel(labels []string, label string) bool {
	for _, l := range labels {
		if l == label {
			return true
		}
	}
	return false
}

// ErrUnavailable - типовая временная ошибка для тестов.
var ErrUnavailable = apperr.Transient("mock tracker", errors.New("service unavailable"))

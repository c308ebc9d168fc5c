package models

import "time"

// IssueContent - содержимое issue, которое синхронизируется с трекером.
type IssueContent struct {
	Title  string
	Body   string
	Labels []string
}

// OperatorNotice - сообщение в канал оператора о сообщении, которое нельзя обработать повторной доставкой.
type OperatorNotice struct {
	Fingerprint string
	Source      string
	Title       string
	Repo        string
	EventID     string
	Reason      string
	OccurredAt  time.Time
}

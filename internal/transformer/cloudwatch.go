package transformer

import (
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"alertsync/internal/apperr"
	"alertsync/internal/models"
)

// SourceCloudWatch - тег источника для CloudWatch Alarm, доставленных через SNS.
const SourceCloudWatch = "cloudwatch"

// cloudWatchTimeLayout - формат StateChangeTime в уведомлениях CloudWatch.
const cloudWatchTimeLayout = "2006-01-02T15:04:05.000-0700"

type cloudWatchAlarm struct {
	AlarmName        string `json:"AlarmName"`
	AlarmDescription string `json:"AlarmDescription"`
	AWSAccountID     string `json:"AWSAccountId"`
	NewStateValue    string `json:"NewStateValue"`
	NewStateReason   string `json:"NewStateReason"`
	StateChangeTime  string `json:"StateChangeTime"`
	Region           string `json:"Region"`
	AlarmArn         string `json:"AlarmArn"`
	Trigger          *struct {
		MetricName string `json:"MetricName"`
		Namespace  string `json:"Namespace"`
	} `json:"Trigger"`
}

type snsNotification struct {
	Type    string `json:"Type"`
	Message string `json:"Message"`
}

// CloudWatch нормализует CloudWatch Alarm. Команда, приоритет и runbook
// задаются в AlarmDescription в виде "TEAM=infra | PRIORITY=P1 | RUNBOOK=https://...".
type CloudWatch struct{}

func NewCloudWatch() *CloudWatch { return &CloudWatch{} }

func (c *CloudWatch) Source() string { return SourceCloudWatch }

func (c *CloudWatch) Detect(raw []byte) bool {
	alarm, err := decodeAlarm(raw)
	return err == nil && alarm.AlarmName != "" && alarm.NewStateValue != ""
}

func (c *CloudWatch) Transform(raw []byte, envelope models.DeliveryEnvelope) (*models.NormalizedAlert, error) {
	alarm, err := decodeAlarm(raw)
	if err != nil {
		return nil, withContext(apperr.Invalid(SourceCloudWatch, "payload", err.Error()),
			debugContext("source", SourceCloudWatch, "messageId", envelope.EventID))
	}
	ctx := debugContext(
		"source", SourceCloudWatch,
		"messageId", envelope.EventID,
		"alarmName", quoteIfSet(alarm.AlarmName),
		"account", alarm.AWSAccountID,
	)

	if alarm.AlarmArn == "" {
		return nil, withContext(apperr.Missing(SourceCloudWatch, "AlarmArn"), ctx)
	}

	var status models.AlertStatus
	switch strings.ToUpper(strings.TrimSpace(alarm.NewStateValue)) {
	case "":
		return nil, withContext(apperr.Missing(SourceCloudWatch, "NewStateValue"), ctx)
	case "ALARM":
		status = models.AlertFiring
	case "OK":
		status = models.AlertResolved
	default:
		return nil, withContext(apperr.Invalid(SourceCloudWatch, "NewStateValue", "unsupported state "+alarm.NewStateValue), ctx)
	}

	meta := parseAlarmDescription(alarm.AlarmDescription)
	priority, verr := parsePriority(SourceCloudWatch, "PRIORITY", meta["PRIORITY"])
	if verr != nil {
		return nil, withContext(verr, ctx)
	}
	team := meta["TEAM"]
	if team == "" {
		return nil, withContext(apperr.Missing(SourceCloudWatch, "TEAM"), ctx)
	}

	changedAt := envelope.ReceivedAt
	if ts, err := parseCloudWatchTime(alarm.StateChangeTime); err == nil {
		changedAt = ts
	}

	title := alarm.AlarmName
	if title == "" {
		title = "CloudWatch alarm " + alarm.AlarmArn
	}

	out := &models.NormalizedAlert{
		Source:      SourceCloudWatch,
		Fingerprint: alarm.AlarmArn,
		Status:      status,
		Title:       normalizeTitle(title),
		Description: sanitizeDescription(alarm.NewStateReason),
		Team:        team,
		Priority:    priority,
		SourceURL:   consoleURL(alarm),
		RunbookURL:  meta["RUNBOOK"],
		StartedAt:   changedAt,
	}
	if alarm.Trigger != nil {
		out.Labels = map[string]string{
			"metric_name": alarm.Trigger.MetricName,
			"namespace":   alarm.Trigger.Namespace,
		}
	}
	if status == models.AlertResolved {
		out.EndedAt = &changedAt
	}
	return out, nil
}

// decodeAlarm разбирает alarm напрямую, из SNS-уведомления или из JSON-строки.
func decodeAlarm(raw []byte) (*cloudWatchAlarm, error) {
	var quoted string
	if err := json.Unmarshal(raw, &quoted); err == nil {
		raw = []byte(quoted)
	}

	var note snsNotification
	if err := json.Unmarshal(raw, &note); err == nil && note.Type == "Notification" && note.Message != "" {
		raw = []byte(note.Message)
	}

	var alarm cloudWatchAlarm
	if err := json.Unmarshal(raw, &alarm); err != nil {
		return nil, err
	}
	return &alarm, nil
}

func parseAlarmDescription(description string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(description, "|") {
		key, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || strings.TrimSpace(key) == "" {
			continue
		}
		out[strings.ToUpper(strings.TrimSpace(key))] = strings.TrimSpace(value)
	}
	return out
}

func parseCloudWatchTime(value string) (time.Time, error) {
	if ts, err := time.Parse(cloudWatchTimeLayout, value); err == nil {
		return ts.UTC(), nil
	}
	ts, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, err
	}
	return ts.UTC(), nil
}

// consoleURL строит ссылку на alarm в консоли AWS. Регион берется из ARN,
// т.к. поле Region в уведомлении содержит человекочитаемое название.
func consoleURL(alarm *cloudWatchAlarm) string {
	parts := strings.Split(alarm.AlarmArn, ":")
	if len(parts) < 4 || parts[3] == "" || alarm.AlarmName == "" {
		return ""
	}
	region := parts[3]
	return "https://" + region + ".console.aws.amazon.com/cloudwatch/home?region=" + region +
		"#alarmsV2:alarm/" + url.PathEscape(alarm.AlarmName)
}

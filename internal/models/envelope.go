package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// DeliveryEnvelope - метаданные доставки, которые добавляет транспорт.
// Не зависят от содержимого payload источника.
type DeliveryEnvelope struct {
	Source          string    `json:"source"`
	ReceivedAt      time.Time `json:"received_at"`
	IngestTopic     string    `json:"ingest_topic"`
	IngestRegion    string    `json:"ingest_region"`
	DeliveryAttempt int       `json:"delivery_attempt"`
	EventID         string    `json:"event_id"`
}

// Value сериализует конверт в JSON для хранения в БД.
func (e DeliveryEnvelope) Value() (driver.Value, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan восстанавливает конверт из JSON-колонки.
func (e *DeliveryEnvelope) Scan(value interface{}) error {
	var b []byte
	switch v := value.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	case nil:
		*e = DeliveryEnvelope{}
		return nil
	default:
		return errors.New("type assertion to []byte failed")
	}
	if len(b) == 0 {
		*e = DeliveryEnvelope{}
		return nil
	}
	return json.Unmarshal(b, e)
}

package store

import "time"

type LogStatus string

const (
	LogStatusSuccess LogStatus = "success"
	LogStatusError   LogStatus = "error"
)

// LogRow records one outbound inference attempt.
type LogRow struct {
	ID           int64     `json:"id"`
	RequestID    string    `json:"request_id"`
	FormID       int64     `json:"form_id"`
	EntryID      int64     `json:"entry_id"`
	Status       LogStatus `json:"status"`
	Request      string    `json:"request"`
	Response     string    `json:"response"`
	ErrorMessage string    `json:"error_message"`
	CreatedAt    time.Time `json:"created_at"`
}

type Note struct {
	ID        int64     `json:"id"`
	EntryID   int64     `json:"entry_id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

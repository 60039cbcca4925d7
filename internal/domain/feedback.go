package domain

import "time"

// FeedbackStatus 表示用户反馈的处理状态。
type FeedbackStatus string

const (
	FeedbackStatusPending   FeedbackStatus = "pending"
	FeedbackStatusProcessed FeedbackStatus = "processed"
)

// Feedback 表示一条用户反馈。
type Feedback struct {
	ID        int64          `json:"id"`
	UserID    *int64         `json:"user_id,omitempty"`
	Name      string         `json:"name"`
	Email     string         `json:"email"`
	Subject   string         `json:"subject"`
	Content   string         `json:"content"`
	Status    FeedbackStatus `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

package account

import (
	"context"
	"strings"
	"time"

	"github.com/oriys/surge/internal/domain"
	"github.com/oriys/surge/internal/validation"
	"github.com/sirupsen/logrus"
)

// FeedbackInput 是提交反馈的输入。
type FeedbackInput struct {
	Name    string `json:"name" validate:"required,max=100"`
	Email   string `json:"email" validate:"required,email"`
	Subject string `json:"subject" validate:"required,max=200"`
	Content string `json:"content" validate:"required,max=5000"`
}

// FeedbackService 管理用户反馈。
type FeedbackService struct {
	repo   domain.FeedbackRepository
	logger *logrus.Logger
}

// NewFeedbackService 创建反馈服务。
func NewFeedbackService(repo domain.FeedbackRepository, logger *logrus.Logger) *FeedbackService {
	return &FeedbackService{repo: repo, logger: logger}
}

// Submit 提交反馈，userID 为空表示匿名提交。
func (s *FeedbackService) Submit(ctx context.Context, userID *int64, in FeedbackInput) (*domain.Feedback, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Subject = strings.TrimSpace(in.Subject)
	if err := validation.Struct(&in); err != nil {
		return nil, err
	}
	fb := &domain.Feedback{
		UserID:  userID,
		Name:    in.Name,
		Email:   in.Email,
		Subject: in.Subject,
		Content: in.Content,
		Status:  domain.FeedbackStatusPending,
	}
	fb.CreatedAt = time.Now()
	fb.UpdatedAt = fb.CreatedAt
	if err := s.repo.CreateFeedback(ctx, fb); err != nil {
		return nil, err
	}
	s.logger.WithField("feedback_id", fb.ID).Info("Feedback submitted")
	return fb, nil
}

// List 分页查询反馈，status 为空表示全部。
func (s *FeedbackService) List(ctx context.Context, status domain.FeedbackStatus, page domain.PageRequest) (domain.Page[*domain.Feedback], error) {
	if status != "" && status != domain.FeedbackStatusPending && status != domain.FeedbackStatusProcessed {
		return domain.Page[*domain.Feedback]{}, domain.ValidationError("status", "must be pending or processed")
	}
	return s.repo.ListFeedback(ctx, status, page.Normalize(domain.DefaultPageSize, domain.MaxPageSize))
}

// MarkProcessed 将反馈标记为已处理，重复标记是幂等的。
func (s *FeedbackService) MarkProcessed(ctx context.Context, id int64) (*domain.Feedback, error) {
	fb, err := s.repo.GetFeedback(ctx, id)
	if err != nil {
		return nil, err
	}
	if fb.Status == domain.FeedbackStatusProcessed {
		return fb, nil
	}
	fb.Status = domain.FeedbackStatusProcessed
	fb.UpdatedAt = time.Now()
	if err := s.repo.UpdateFeedback(ctx, fb); err != nil {
		return nil, err
	}
	return fb, nil
}

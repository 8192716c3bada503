package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/choraleia/chatcore/pkg/db"
	"github.com/choraleia/chatcore/pkg/utils"
	"gorm.io/gorm"
)

const DefaultTokenLimit = 10000

var ErrUserRequired = errors.New("user id is required")

// QuotaUsage is a user's token account.
type QuotaUsage struct {
	Used      int `json:"used"`
	Limit     int `json:"limit"`
	Remaining int `json:"remaining"`
}

// QuotaExceededError is returned when a request needs more tokens than the
// user has left.
type QuotaExceededError struct {
	Used      int
	Limit     int
	Requested int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("token quota exceeded: %d of %d tokens used, %d more required", e.Used, e.Limit, e.Requested)
}

// QuotaService tracks per-user token usage. Accounts are created on first use.
type QuotaService struct {
	db           *gorm.DB
	defaultLimit int
	logger       *slog.Logger
}

func NewQuotaService(database *gorm.DB, defaultLimit int, logger *slog.Logger) *QuotaService {
	if defaultLimit <= 0 {
		defaultLimit = DefaultTokenLimit
	}
	if logger == nil {
		logger = utils.GetLogger()
	}
	return &QuotaService{db: database, defaultLimit: defaultLimit, logger: logger}
}

func (s *QuotaService) account(ctx context.Context, userID string) (*db.User, error) {
	if userID == "" {
		return nil, ErrUserRequired
	}
	var user db.User
	err := s.db.WithContext(ctx).
		Where(db.User{ID: userID}).
		Attrs(db.User{TokensLimit: s.defaultLimit}).
		FirstOrCreate(&user).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load token account: %w", err)
	}
	return &user, nil
}

// Usage returns the user's current usage.
func (s *QuotaService) Usage(ctx context.Context, userID string) (QuotaUsage, error) {
	user, err := s.account(ctx, userID)
	if err != nil {
		return QuotaUsage{}, err
	}
	return usageOf(user), nil
}

// HasQuota reports whether n more tokens fit under the user's limit.
func (s *QuotaService) HasQuota(ctx context.Context, userID string, n int) (QuotaUsage, bool, error) {
	user, err := s.account(ctx, userID)
	if err != nil {
		return QuotaUsage{}, false, err
	}
	return usageOf(user), user.HasTokensAvailable(n), nil
}

// Consume adds n tokens to the user's usage.
func (s *QuotaService) Consume(ctx context.Context, userID string, n int) error {
	if n <= 0 {
		return nil
	}
	if _, err := s.account(ctx, userID); err != nil {
		return err
	}
	err := s.db.WithContext(ctx).Model(&db.User{}).
		Where("id = ?", userID).
		Update("tokens_used", gorm.Expr("tokens_used + ?", n)).Error
	if err != nil {
		return fmt.Errorf("failed to consume tokens: %w", err)
	}
	s.logger.Debug("Tokens consumed", "user_id", userID, "tokens", n)
	return nil
}

// SetLimit changes a user's token limit.
func (s *QuotaService) SetLimit(ctx context.Context, userID string, limit int) error {
	if _, err := s.account(ctx, userID); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Model(&db.User{}).
		Where("id = ?", userID).
		Update("tokens_limit", limit).Error
}

func usageOf(user *db.User) QuotaUsage {
	remaining := user.TokensLimit - user.TokensUsed
	if remaining < 0 {
		remaining = 0
	}
	return QuotaUsage{Used: user.TokensUsed, Limit: user.TokensLimit, Remaining: remaining}
}

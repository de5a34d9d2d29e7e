package scheduler

import (
	"context"

	"github.com/mixelka/mailsync/pkg/models"
)

// MailStore persists accounts and message summaries
type MailStore interface {
	LoadDueAccounts(ctx context.Context, groups []*models.Group) ([]*models.Account, error)
	ListAccounts(ctx context.Context) ([]*models.Account, error)
	GetAccount(ctx context.Context, id int64) (*models.Account, error)
	SaveAccount(ctx context.Context, account *models.Account) error
	SaveMessages(ctx context.Context, accountID int64, folder string, msgs []models.Message) (int, error)
	SaveRefreshLog(ctx context.Context, l *models.RefreshLog) error
}

// GroupStore reads group policies
type GroupStore interface {
	ListGroups(ctx context.Context) ([]*models.Group, error)
	GetGroup(ctx context.Context, id int64) (*models.Group, error)
}

// TokenManager keeps account credentials valid
type TokenManager interface {
	EnsureValidToken(ctx context.Context, account *models.Account) (string, error)
	Refresh(ctx context.Context, account *models.Account) (string, error)
}

// MailClient lists messages through the transport chain
type MailClient interface {
	ListMessages(ctx context.Context, account *models.Account, folder string, top, skip int) (*models.MessagePage, error)
}

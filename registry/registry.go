// Package registry is the durable store and customization API for linked
// accounts.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/adonese/linka/aggregator"
	"github.com/adonese/linka/apperr"
	"github.com/adonese/linka/models"
	"github.com/adonese/linka/store"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Service owns LocalAccountRecord rows. Registration is idempotent by
// external account id: re-registering updates the existing row, which is
// also how an unlinked (archived, data retained) account gets re-linked with
// its history intact.
type Service struct {
	Db     *gorm.DB
	Logger *logrus.Logger
	Ledger *store.Ledger
	Crypto *store.Crypto
}

// Register persists aggregator-reported accounts as local records for a
// user. Already-registered external ids are updated, not duplicated.
func (s *Service) Register(ctx context.Context, userID uint, institutionID, accessRef string, accounts []aggregator.ExternalAccount) ([]models.LocalAccountRecord, error) {
	encRef, err := s.Crypto.Encrypt(accessRef)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrInternal, "unable to protect access credential")
	}

	externalIDs := make([]string, 0, len(accounts))
	for _, acc := range accounts {
		// an external id already linked by someone else must not change
		// hands through the upsert, retained history included
		var existing models.LocalAccountRecord
		err := s.Db.WithContext(ctx).Unscoped().
			First(&existing, "external_id = ?", acc.ID).Error
		if err == nil && existing.UserID != userID {
			return nil, apperr.WithFields(apperr.ErrConflict, map[string]any{
				"external_id": acc.ID,
			})
		}
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.Wrap(err, apperr.ErrDatabase, "")
		}

		record := models.LocalAccountRecord{
			UserID:           userID,
			ExternalID:       acc.ID,
			InstitutionID:    institutionID,
			Mask:             acc.Mask,
			AccountType:      acc.Type,
			Currency:         acc.Currency,
			Balance:          acc.Balance,
			AvailableBalance: acc.Available,
			AccessRef:        encRef,
			Nickname:         acc.Name,
			Status:           models.AccountActive,
			ConnectionHealth: models.HealthMax,
		}
		err = s.Db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "external_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"user_id":           userID,
				"institution_id":    institutionID,
				"balance":           acc.Balance,
				"available_balance": acc.Available,
				"access_ref":        encRef,
				"status":            models.AccountActive,
				"connection_health": models.HealthMax,
				"reauth_required":   false,
				"deleted_at":        nil,
			}),
		}).Create(&record).Error
		if err != nil {
			return nil, apperr.Wrap(err, apperr.ErrDatabase, "unable to register account")
		}
		externalIDs = append(externalIDs, acc.ID)
	}

	var records []models.LocalAccountRecord
	if err := s.Db.WithContext(ctx).
		Where("external_id IN ?", externalIDs).
		Order("is_primary desc, id asc").
		Find(&records).Error; err != nil {
		return nil, apperr.Wrap(err, apperr.ErrDatabase, "")
	}
	s.Logger.WithFields(logrus.Fields{
		"user_id":     userID,
		"institution": institutionID,
		"accounts":    len(records),
	}).Info("registered linked accounts")
	return records, nil
}

// customizable is the closed set of fields Customize accepts.
var customizable = map[string]bool{
	"nickname":   true,
	"category":   true,
	"color":      true,
	"icon":       true,
	"tags":       true,
	"is_primary": true,
	"hidden":     true,
}

// Customize applies a partial customization update. Unknown fields are
// rejected, not ignored.
func (s *Service) Customize(ctx context.Context, userID, accountID uint, fields map[string]any) (*models.LocalAccountRecord, error) {
	if len(fields) == 0 {
		return nil, apperr.ErrEmptyBody
	}
	updates := map[string]interface{}{}
	for key, value := range fields {
		if !customizable[key] {
			return nil, apperr.WithFields(apperr.ErrValidation, map[string]any{key: "unknown customization field"})
		}
		if key == "tags" {
			updates[key] = joinTags(value)
			continue
		}
		updates[key] = value
	}

	account, err := s.Get(ctx, userID, accountID)
	if err != nil {
		return nil, err
	}

	err = s.Db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if primary, ok := updates["is_primary"].(bool); ok && primary {
			// a single primary account per user
			if err := tx.Model(&models.LocalAccountRecord{}).
				Where("user_id = ? AND is_primary = ?", userID, true).
				Update("is_primary", false).Error; err != nil {
				return err
			}
		}
		return tx.Model(account).Updates(updates).Error
	})
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrDatabase, "unable to update account")
	}
	return s.Get(ctx, userID, accountID)
}

// Unlink archives an account. With cleanupData the transaction history is
// purged for good; without it the ledger rows stay, so re-registering the
// same external account restores access to prior history.
func (s *Service) Unlink(ctx context.Context, userID, accountID uint, cleanupData bool) error {
	account, err := s.Get(ctx, userID, accountID)
	if err != nil {
		return err
	}
	if err := s.Db.WithContext(ctx).Model(account).Updates(map[string]interface{}{
		"status":          models.AccountArchived,
		"reauth_required": false,
	}).Error; err != nil {
		return apperr.Wrap(err, apperr.ErrDatabase, "unable to archive account")
	}
	if cleanupData {
		if err := s.Ledger.Purge(ctx, accountID); err != nil {
			return apperr.Wrap(err, apperr.ErrDatabase, "unable to purge account history")
		}
	}
	s.Logger.WithFields(logrus.Fields{
		"account_id": accountID,
		"cleanup":    cleanupData,
	}).Info("account unlinked")
	return nil
}

// List returns all of a user's accounts, primaries first, archived last.
func (s *Service) List(ctx context.Context, userID uint) ([]models.LocalAccountRecord, error) {
	var records []models.LocalAccountRecord
	err := s.Db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("is_primary desc, id asc").
		Find(&records).Error
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrDatabase, "")
	}
	return records, nil
}

// Get fetches one account and enforces ownership.
func (s *Service) Get(ctx context.Context, userID, accountID uint) (*models.LocalAccountRecord, error) {
	var account models.LocalAccountRecord
	err := s.Db.WithContext(ctx).First(&account, "id = ?", accountID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrDatabase, "")
	}
	if account.UserID != userID {
		return nil, apperr.ErrForbidden
	}
	return &account, nil
}

func joinTags(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case []string:
		return strings.Join(v, ",")
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			parts = append(parts, fmt.Sprint(item))
		}
		return strings.Join(parts, ",")
	default:
		return fmt.Sprint(value)
	}
}

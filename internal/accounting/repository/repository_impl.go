package repository

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/accountingproxy/internal/accounting/domain"
	"github.com/smallbiznis/accountingproxy/internal/clock"
	"github.com/smallbiznis/accountingproxy/pkg/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct {
	db    *gorm.DB
	clock clock.Clock
}

func Provide(conn *gorm.DB, clk clock.Clock) domain.Repository {
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	return &repo{db: conn, clock: clk}
}

// valueScale is the number of fractional digits kept for accounted values.
// Every write rounds in SQL so dialects storing the column as a float (sqlite)
// do not accumulate binary drift.
const valueScale = 6

const accountingColumns = `order_id, product_id, customer, domain, service_path, role_id, unit, value, correlation_number, created_at, updated_at`

func (r *repo) now() time.Time {
	return r.clock.Now().UTC()
}

func normalizeValues(rows []domain.AccountingRecord) {
	for i := range rows {
		rows[i].Value = rows[i].Value.Round(valueScale)
	}
}

func (r *repo) CreateAccounting(ctx context.Context, record domain.AccountingRecord) error {
	if err := validateKey(record.OrderID, record.ProductID); err != nil {
		return err
	}
	if strings.TrimSpace(record.Unit) == "" {
		return domain.ErrInvalidUnit
	}

	now := r.now()
	record.Value = decimal.Zero
	record.CorrelationNumber = 0
	record.CreatedAt = now
	record.UpdatedAt = now

	if err := r.db.WithContext(ctx).Create(&record).Error; err != nil {
		if db.IsDuplicateKeyErr(err) {
			return domain.ErrDuplicateAccounting
		}
		return err
	}
	return nil
}

func (r *repo) DeleteAccounting(ctx context.Context, orderID, productID string) error {
	if err := validateKey(orderID, productID); err != nil {
		return err
	}
	result := r.db.WithContext(ctx).Exec(
		`DELETE FROM accounting WHERE order_id = ? AND product_id = ?`,
		orderID, productID,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrAccountingNotFound
	}
	return nil
}

func (r *repo) GetAccounting(ctx context.Context, orderID, productID string) (domain.AccountingRecord, error) {
	if err := validateKey(orderID, productID); err != nil {
		return domain.AccountingRecord{}, err
	}
	var rows []domain.AccountingRecord
	err := r.db.WithContext(ctx).Raw(
		`SELECT `+accountingColumns+`
		 FROM accounting
		 WHERE order_id = ? AND product_id = ?`,
		orderID, productID,
	).Scan(&rows).Error
	if err != nil {
		return domain.AccountingRecord{}, err
	}
	if len(rows) == 0 {
		return domain.AccountingRecord{}, domain.ErrAccountingNotFound
	}
	normalizeValues(rows)
	return rows[0], nil
}

func (r *repo) ListAccounting(ctx context.Context) ([]domain.AccountingRecord, error) {
	var rows []domain.AccountingRecord
	err := r.db.WithContext(ctx).Raw(
		`SELECT ` + accountingColumns + `
		 FROM accounting
		 ORDER BY order_id ASC, product_id ASC`,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	normalizeValues(rows)
	return rows, nil
}

func (r *repo) FindUnit(ctx context.Context, customer, domainName, servicePath string) (domain.AccountingRecord, error) {
	var rows []domain.AccountingRecord
	err := r.db.WithContext(ctx).Raw(
		`SELECT `+accountingColumns+`
		 FROM accounting
		 WHERE customer = ? AND domain = ? AND service_path = ?
		 ORDER BY order_id ASC, product_id ASC
		 LIMIT 1`,
		customer, domainName, servicePath,
	).Scan(&rows).Error
	if err != nil {
		return domain.AccountingRecord{}, err
	}
	if len(rows) == 0 {
		return domain.AccountingRecord{}, domain.ErrAccountingNotFound
	}
	normalizeValues(rows)
	return rows[0], nil
}

// Accumulate adds delta in a single statement so concurrent calls commute.
func (r *repo) Accumulate(ctx context.Context, orderID, productID string, delta decimal.Decimal) error {
	if err := validateKey(orderID, productID); err != nil {
		return err
	}
	if delta.IsNegative() {
		return domain.ErrInvalidValue
	}
	result := r.db.WithContext(ctx).Exec(
		`UPDATE accounting
		 SET value = ROUND(value + CAST(? AS DECIMAL(24,6)), 6), updated_at = ?
		 WHERE order_id = ? AND product_id = ?`,
		delta.Round(valueScale), r.now(), orderID, productID,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrAccountingNotFound
	}
	return nil
}

func (r *repo) ResetAfterNotify(ctx context.Context, orderID, productID string) error {
	if err := validateKey(orderID, productID); err != nil {
		return err
	}
	result := r.db.WithContext(ctx).Exec(
		`UPDATE accounting
		 SET value = 0, correlation_number = correlation_number + 1, updated_at = ?
		 WHERE order_id = ? AND product_id = ?`,
		r.now(), orderID, productID,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrAccountingNotFound
	}
	return nil
}

// SettleNotified subtracts the notified value and advances the correlation number,
// provided no other settle happened since the record was read. Usage accumulated
// after the read stays on the record.
func (r *repo) SettleNotified(ctx context.Context, notified domain.AccountingRecord) error {
	if err := validateKey(notified.OrderID, notified.ProductID); err != nil {
		return err
	}
	if notified.Value.IsNegative() {
		return domain.ErrInvalidValue
	}
	result := r.db.WithContext(ctx).Exec(
		`UPDATE accounting
		 SET value = ROUND(value - CAST(? AS DECIMAL(24,6)), 6), correlation_number = correlation_number + 1, updated_at = ?
		 WHERE order_id = ? AND product_id = ? AND correlation_number = ?`,
		notified.Value.Round(valueScale), r.now(), notified.OrderID, notified.ProductID, notified.CorrelationNumber,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		return nil
	}
	if _, err := r.GetAccounting(ctx, notified.OrderID, notified.ProductID); err != nil {
		return err
	}
	return domain.ErrStaleCorrelation
}

func (r *repo) PendingNotifications(ctx context.Context) ([]domain.AccountingRecord, error) {
	var rows []domain.AccountingRecord
	err := r.db.WithContext(ctx).Raw(
		`SELECT ` + accountingColumns + `
		 FROM accounting
		 WHERE value <> 0
		 ORDER BY order_id ASC, product_id ASC`,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	normalizeValues(rows)
	return rows, nil
}

// PendingNotification returns the record even when its value is zero.
func (r *repo) PendingNotification(ctx context.Context, orderID, productID string) (domain.AccountingRecord, error) {
	return r.GetAccounting(ctx, orderID, productID)
}

func (r *repo) GetSpecificationHref(ctx context.Context, unit string) (string, error) {
	var rows []domain.SpecificationReference
	err := r.db.WithContext(ctx).Raw(
		`SELECT unit, href, created_at FROM specification_refs WHERE unit = ?`,
		unit,
	).Scan(&rows).Error
	if err != nil {
		return "", err
	}
	if len(rows) == 0 || rows[0].Href == "" {
		return "", domain.ErrSpecificationNotFound
	}
	return rows[0].Href, nil
}

// SetSpecificationHref stores the href once per unit. Repeating the stored href
// is a no-op; a different href is a conflict.
func (r *repo) SetSpecificationHref(ctx context.Context, unit, href string, descriptor []byte) error {
	unit = strings.TrimSpace(unit)
	href = strings.TrimSpace(href)
	if unit == "" {
		return domain.ErrInvalidUnit
	}
	if href == "" {
		return domain.ErrInvalidHref
	}

	ref := domain.SpecificationReference{
		Unit:       unit,
		Href:       href,
		Descriptor: descriptor,
		CreatedAt:  r.now(),
	}
	if err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&ref).Error; err != nil {
		return err
	}

	stored, err := r.GetSpecificationHref(ctx, unit)
	if err != nil {
		return err
	}
	if stored != href {
		return domain.ErrSpecificationConflict
	}
	return nil
}

func (r *repo) GetToken(ctx context.Context) (string, error) {
	var rows []domain.APIToken
	err := r.db.WithContext(ctx).Raw(
		`SELECT token, created_at FROM api_tokens ORDER BY created_at DESC LIMIT 1`,
	).Scan(&rows).Error
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "", domain.ErrTokenNotFound
	}
	return rows[0].Token, nil
}

// SetToken replaces the stored token atomically.
func (r *repo) SetToken(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return domain.ErrInvalidToken
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(`DELETE FROM api_tokens`).Error; err != nil {
			return err
		}
		return tx.Create(&domain.APIToken{Token: token, CreatedAt: r.now()}).Error
	})
}

func validateKey(orderID, productID string) error {
	if strings.TrimSpace(orderID) == "" || strings.TrimSpace(productID) == "" {
		return domain.ErrInvalidKey
	}
	return nil
}

package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/vidspark/backend/internal/models"
)

// NewUserGrantCredits is the one-time signup grant.
const (
	NewUserGrantCredits    = 20
	NewUserGrantExpiryDays = 30
)

// CreditLedgerService owns balance state: reservation, settlement, release,
// top-up, and the expiry sweep. Every mutation is one atomic transaction and
// is safe to retry; the unique constraint on credit_holds.video_id is the
// idempotency backstop.
type CreditLedgerService struct {
	db            *sql.DB
	warningWindow time.Duration
}

func NewCreditLedgerService(db *sql.DB, warningWindow time.Duration) *CreditLedgerService {
	return &CreditLedgerService{db: db, warningWindow: warningWindow}
}

// Freeze reserves credits for a video task. Idempotent on videoID: a repeat
// call returns the existing hold id without allocating again.
func (s *CreditLedgerService) Freeze(ctx context.Context, userID string, credits int64, videoID string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	holdID, err := s.FreezeTx(ctx, tx, userID, credits, videoID)
	if err != nil {
		if isUniqueViolation(err) {
			// A rival freeze for the same video won the insert. Its hold is
			// the hold; read it back outside the aborted transaction.
			tx.Rollback()
			return s.existingHoldID(ctx, videoID)
		}
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return holdID, nil
}

// FreezeTx performs the reservation inside the caller's transaction.
// Packages are consumed soonest-to-expire first; the allocation is recorded
// on the hold for exact reversal at settle/release time.
func (s *CreditLedgerService) FreezeTx(ctx context.Context, tx *sql.Tx, userID string, credits int64, videoID string) (int64, error) {
	if credits <= 0 {
		return 0, fmt.Errorf("freeze amount must be positive, got %d", credits)
	}

	var existingID int64
	var existingStatus string
	err := tx.QueryRowContext(ctx, `
		SELECT id, status FROM credit_holds WHERE video_id = $1`, videoID).
		Scan(&existingID, &existingStatus)
	if err == nil {
		if existingStatus == models.HoldHolding {
			log.Printf("[LEDGER] Freeze duplicate for video %s, returning hold %d", videoID, existingID)
			return existingID, nil
		}
		return 0, fmt.Errorf("freeze for video %s: %w", videoID, ErrAlreadyProcessed)
	}
	if err != sql.ErrNoRows {
		return 0, err
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT id, remaining_credits
		FROM credit_packages
		WHERE user_id = $1
		  AND status = 'ACTIVE'
		  AND remaining_credits > 0
		  AND (expired_at IS NULL OR expired_at > NOW())
		ORDER BY expired_at ASC NULLS LAST, created_at ASC
		FOR UPDATE`, userID)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	var allocation []models.PackageAllocation
	still := credits
	for rows.Next() && still > 0 {
		var pkgID, remaining int64
		if err := rows.Scan(&pkgID, &remaining); err != nil {
			return 0, err
		}
		take := remaining
		if take > still {
			take = still
		}
		allocation = append(allocation, models.PackageAllocation{PackageID: pkgID, Credits: take})
		still -= take
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	rows.Close()

	if still > 0 {
		log.Printf("[LEDGER] Freeze for video %s short by %d credits", videoID, still)
		return 0, ErrInsufficientCredits
	}

	for _, alloc := range allocation {
		_, err := tx.ExecContext(ctx, `
			UPDATE credit_packages
			SET remaining_credits = remaining_credits - $1, frozen_credits = frozen_credits + $1
			WHERE id = $2`, alloc.Credits, alloc.PackageID)
		if err != nil {
			return 0, err
		}
	}

	allocJSON, err := json.Marshal(allocation)
	if err != nil {
		return 0, err
	}

	var holdID int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO credit_holds (user_id, video_id, credits, status, allocation, created_at)
		VALUES ($1, $2, $3, 'HOLDING', $4, NOW())
		RETURNING id`, userID, videoID, credits, allocJSON).Scan(&holdID)
	if err != nil {
		return 0, err
	}

	log.Printf("[LEDGER] Froze %d credits for video %s across %d packages (hold %d)",
		credits, videoID, len(allocation), holdID)
	return holdID, nil
}

// Settle converts the hold for a video into a permanent debit.
func (s *CreditLedgerService) Settle(ctx context.Context, videoID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := s.SettleTx(ctx, tx, videoID); err != nil {
		return err
	}
	return tx.Commit()
}

// SettleTx settles inside the caller's transaction. Idempotent: settling an
// already-settled hold is a no-op; any other non-HOLDING state is an error.
// Remaining credits were already decremented at freeze time, so only frozen
// counters move here.
func (s *CreditLedgerService) SettleTx(ctx context.Context, tx *sql.Tx, videoID string) error {
	hold, err := s.lockHold(ctx, tx, videoID)
	if err != nil {
		return err
	}
	if hold.Status == models.HoldSettled {
		log.Printf("[LEDGER] Settle duplicate for video %s, hold %d already settled", videoID, hold.ID)
		return nil
	}
	if hold.Status != models.HoldHolding {
		return fmt.Errorf("settle hold %d in status %s: %w", hold.ID, hold.Status, ErrInvalidHoldState)
	}

	for _, alloc := range hold.Allocation {
		_, err := tx.ExecContext(ctx, `
			UPDATE credit_packages
			SET frozen_credits = frozen_credits - $1
			WHERE id = $2`, alloc.Credits, alloc.PackageID)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE credit_packages
			SET status = 'DEPLETED'
			WHERE id = $1 AND remaining_credits = 0 AND frozen_credits = 0`, alloc.PackageID)
		if err != nil {
			return err
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE credit_holds SET status = 'SETTLED', settled_at = NOW() WHERE id = $1`, hold.ID)
	if err != nil {
		return err
	}

	if err := s.appendTransactionTx(ctx, tx, hold.UserID, models.TransSettle, -hold.Credits, "", videoID); err != nil {
		return err
	}

	log.Printf("[LEDGER] Settled hold %d for video %s (%d credits)", hold.ID, videoID, hold.Credits)
	return nil
}

// Release returns the hold for a video to available balance.
func (s *CreditLedgerService) Release(ctx context.Context, videoID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := s.ReleaseTx(ctx, tx, videoID); err != nil {
		return err
	}
	return tx.Commit()
}

// ReleaseTx reverses the allocation inside the caller's transaction.
// Idempotent on already-released holds. The transaction row is a zero-delta
// marker: funds return to availability, total balance is unchanged.
func (s *CreditLedgerService) ReleaseTx(ctx context.Context, tx *sql.Tx, videoID string) error {
	hold, err := s.lockHold(ctx, tx, videoID)
	if err != nil {
		return err
	}
	if hold.Status == models.HoldReleased {
		log.Printf("[LEDGER] Release duplicate for video %s, hold %d already released", videoID, hold.ID)
		return nil
	}
	if hold.Status != models.HoldHolding {
		return fmt.Errorf("release hold %d in status %s: %w", hold.ID, hold.Status, ErrInvalidHoldState)
	}

	for _, alloc := range hold.Allocation {
		_, err := tx.ExecContext(ctx, `
			UPDATE credit_packages
			SET remaining_credits = remaining_credits + $1, frozen_credits = frozen_credits - $1
			WHERE id = $2`, alloc.Credits, alloc.PackageID)
		if err != nil {
			return err
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE credit_holds SET status = 'RELEASED' WHERE id = $1`, hold.ID)
	if err != nil {
		return err
	}

	if err := s.appendTransactionTx(ctx, tx, hold.UserID, models.TransRelease, 0, "", videoID); err != nil {
		return err
	}

	log.Printf("[LEDGER] Released hold %d for video %s (%d credits back)", hold.ID, videoID, hold.Credits)
	return nil
}

// Recharge creates a new ACTIVE package. Not idempotent by itself; callers
// enforce their own dedupe key (order number, one-grant-per-user, ...).
func (s *CreditLedgerService) Recharge(ctx context.Context, userID string, credits int64, orderNo, transType string, expiryDays int) (int64, error) {
	if credits <= 0 {
		return 0, fmt.Errorf("recharge amount must be positive, got %d", credits)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var expiredAt *time.Time
	if expiryDays > 0 {
		t := time.Now().AddDate(0, 0, expiryDays)
		expiredAt = &t
	}

	var pkgID int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO credit_packages
			(user_id, initial_credits, remaining_credits, frozen_credits, status, trans_type, order_no, expired_at, created_at)
		VALUES ($1, $2, $2, 0, 'ACTIVE', $3, $4, $5, NOW())
		RETURNING id`, userID, credits, transType, orderNo, expiredAt).Scan(&pkgID)
	if err != nil {
		return 0, err
	}

	if err := s.appendTransactionTx(ctx, tx, userID, transType, credits, orderNo, ""); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}

	log.Printf("[LEDGER] Recharged %d credits for user %s (package %d, type %s)", credits, userID, pkgID, transType)
	return pkgID, nil
}

// GrantNewUserCredits gives the one-time signup grant, deduped by trans type.
func (s *CreditLedgerService) GrantNewUserCredits(ctx context.Context, userID string) (int64, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM credit_packages WHERE user_id = $1 AND trans_type = 'NEW_USER'
		)`, userID).Scan(&exists)
	if err != nil {
		return 0, err
	}
	if exists {
		return 0, fmt.Errorf("new user grant for %s: %w", userID, ErrAlreadyProcessed)
	}
	return s.Recharge(ctx, userID, NewUserGrantCredits, "", models.TransNewUser, NewUserGrantExpiryDays)
}

// GetBalance aggregates the user's ACTIVE, non-expired packages.
func (s *CreditLedgerService) GetBalance(ctx context.Context, userID string) (*models.Balance, error) {
	var b models.Balance
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(initial_credits), 0),
			COALESCE(SUM(remaining_credits), 0),
			COALESCE(SUM(frozen_credits), 0),
			COALESCE(SUM(CASE WHEN expired_at IS NOT NULL AND expired_at <= $2 THEN remaining_credits ELSE 0 END), 0)
		FROM credit_packages
		WHERE user_id = $1
		  AND status = 'ACTIVE'
		  AND (expired_at IS NULL OR expired_at > NOW())`,
		userID, time.Now().Add(s.warningWindow)).
		Scan(&b.Total, &b.Available, &b.Frozen, &b.ExpiringSoon)
	if err != nil {
		return nil, err
	}
	b.Used = b.Total - b.Available - b.Frozen
	return &b, nil
}

// ExpireCredits transitions ACTIVE packages past their expiry to EXPIRED.
// Packages with outstanding holds are skipped: a release must always have a
// live package to return funds into.
func (s *CreditLedgerService) ExpireCredits(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE credit_packages
		SET status = 'EXPIRED'
		WHERE status = 'ACTIVE'
		  AND expired_at IS NOT NULL
		  AND expired_at <= NOW()
		  AND frozen_credits = 0`)
	if err != nil {
		return 0, err
	}
	count, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	if count > 0 {
		log.Printf("[LEDGER] Expired %d credit packages", count)
	}
	return count, nil
}

// ListTransactions returns the user's most recent ledger entries.
func (s *CreditLedgerService) ListTransactions(ctx context.Context, userID string, limit int) ([]models.CreditTransaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, trans_no, user_id, trans_type, credits, balance,
		       COALESCE(order_no, ''), COALESCE(video_id, ''), created_at
		FROM credit_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	transactions := []models.CreditTransaction{}
	for rows.Next() {
		var t models.CreditTransaction
		if err := rows.Scan(&t.ID, &t.TransNo, &t.UserID, &t.TransType, &t.Credits,
			&t.Balance, &t.OrderNo, &t.VideoID, &t.CreatedAt); err != nil {
			return nil, err
		}
		transactions = append(transactions, t)
	}
	return transactions, rows.Err()
}

// heldRow is the locked view of a hold used by settle/release.
type heldRow struct {
	ID         int64
	UserID     string
	Credits    int64
	Status     string
	Allocation []models.PackageAllocation
}

func (s *CreditLedgerService) lockHold(ctx context.Context, tx *sql.Tx, videoID string) (*heldRow, error) {
	var hold heldRow
	var allocJSON []byte
	err := tx.QueryRowContext(ctx, `
		SELECT id, user_id, credits, status, allocation
		FROM credit_holds
		WHERE video_id = $1
		FOR UPDATE`, videoID).
		Scan(&hold.ID, &hold.UserID, &hold.Credits, &hold.Status, &allocJSON)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("hold for video %s: %w", videoID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(allocJSON, &hold.Allocation); err != nil {
		return nil, fmt.Errorf("corrupt allocation on hold %d: %w", hold.ID, err)
	}
	return &hold, nil
}

// appendTransactionTx writes the append-only audit row with an available
// balance snapshot taken inside the same transaction.
func (s *CreditLedgerService) appendTransactionTx(ctx context.Context, tx *sql.Tx, userID, transType string, credits int64, orderNo, videoID string) error {
	var balance int64
	err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(remaining_credits), 0)
		FROM credit_packages
		WHERE user_id = $1
		  AND status = 'ACTIVE'
		  AND (expired_at IS NULL OR expired_at > NOW())`, userID).Scan(&balance)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO credit_transactions (trans_no, user_id, trans_type, credits, balance, order_no, video_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())`,
		uuid.NewString(), userID, transType, credits, balance, orderNo, videoID)
	return err
}

func (s *CreditLedgerService) existingHoldID(ctx context.Context, videoID string) (int64, error) {
	var id int64
	var status string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, status FROM credit_holds WHERE video_id = $1`, videoID).Scan(&id, &status)
	if err != nil {
		return 0, err
	}
	if status != models.HoldHolding {
		return 0, fmt.Errorf("freeze for video %s: %w", videoID, ErrAlreadyProcessed)
	}
	return id, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// GetBalanceHandler serves the balance read path.
// @Summary Get credit balance
// @Description Aggregate balance over the user's active credit packages
// @Tags credits
// @Produce json
// @Security BearerAuth
// @Success 200 {object} models.Balance
// @Failure 401 {object} services.ErrorResponse
// @Failure 500 {object} services.ErrorResponse
// @Router /credits/balance [get]
func (s *CreditLedgerService) GetBalanceHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	balance, err := s.GetBalance(r.Context(), userID)
	if err != nil {
		log.Printf("[LEDGER] Balance query failed for user %s: %v", userID, err)
		SendErrorResponse(w, "Failed to fetch balance", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(balance)
}

// RechargeHandler is the admin-gated top-up entry point used by payment
// provider integrations once a checkout settles.
// @Summary Recharge credits
// @Description Create a new credit package for a user. Callers dedupe by order number.
// @Tags admin
// @Accept json
// @Produce json
// @Param request body object{userId=string,credits=int64,orderNo=string,transType=string,expiryDays=int} true "Recharge request"
// @Success 201 {object} object{packageId=int64}
// @Failure 400 {object} services.ErrorResponse
// @Router /admin/credits/recharge [post]
func (s *CreditLedgerService) RechargeHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID     string `json:"userId" validate:"required"`
		Credits    int64  `json:"credits" validate:"required,gt=0"`
		OrderNo    string `json:"orderNo"`
		TransType  string `json:"transType" validate:"required,oneof=NEW_USER ORDER_PAY SUBSCRIPTION SYSTEM_ADJUST"`
		ExpiryDays int    `json:"expiryDays" validate:"omitempty,min=0"`
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := NewValidationHelper().ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	// Dedupe on order number before creating anything; recharge itself is
	// not idempotent.
	if req.OrderNo != "" {
		var exists bool
		err := s.db.QueryRowContext(r.Context(), `
			SELECT EXISTS(SELECT 1 FROM credit_packages WHERE order_no = $1)`, req.OrderNo).Scan(&exists)
		if err != nil {
			SendErrorResponse(w, "Failed to process recharge", http.StatusInternalServerError, nil)
			return
		}
		if exists {
			log.Printf("[LEDGER] Duplicate recharge for order %s ignored", req.OrderNo)
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{"message": "order already processed"})
			return
		}
	}

	pkgID, err := s.Recharge(r.Context(), req.UserID, req.Credits, req.OrderNo, req.TransType, req.ExpiryDays)
	if err != nil {
		log.Printf("[LEDGER] Recharge failed for user %s: %v", req.UserID, err)
		SendErrorResponse(w, "Failed to process recharge", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]any{"packageId": pkgID})
}

// ListTransactionsHandler serves the audit trail read path.
// @Summary List credit transactions
// @Description Most recent ledger entries for the authenticated user
// @Tags credits
// @Produce json
// @Security BearerAuth
// @Param limit query int false "Number of entries (default 20, max 100)"
// @Success 200 {array} models.CreditTransaction
// @Failure 401 {object} services.ErrorResponse
// @Failure 500 {object} services.ErrorResponse
// @Router /credits/transactions [get]
func (s *CreditLedgerService) ListTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	limit := 20
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}

	transactions, err := s.ListTransactions(r.Context(), userID, limit)
	if err != nil {
		log.Printf("[LEDGER] Transaction list failed for user %s: %v", userID, err)
		SendErrorResponse(w, "Failed to fetch transactions", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(transactions)
}

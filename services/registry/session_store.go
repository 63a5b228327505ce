package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

const pgUniqueViolation = "23505"

// SessionStore persists deployment sessions. All reads go through the typed
// row mapper; all writes are merge-semantics partial updates.
type SessionStore struct {
	orm *gorm.DB
}

// NewSessionStore returns a store over the given ORM handle.
func NewSessionStore(orm *gorm.DB) *SessionStore {
	return &SessionStore{orm: orm}
}

// Create persists a new session. A colliding token hash fails with
// ErrDuplicateToken.
func (st *SessionStore) Create(ctx context.Context, s Session) (Session, error) {
	if s.TokenHash == "" {
		return Session{}, fmt.Errorf("%w: token hash required", ErrValidation)
	}
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.Step == "" {
		s.Step = StepCreated
	}
	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now

	model := modelFromSession(s)

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	if err := st.orm.WithContext(ctx).Create(&model).Error; err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return Session{}, ErrDuplicateToken
		}
		return Session{}, fmt.Errorf("create session: %w", err)
	}
	return model.toSession()
}

// GetByID loads one session.
func (st *SessionStore) GetByID(ctx context.Context, id uuid.UUID) (Session, error) {
	return st.getOne(ctx, "id = ?", id)
}

// GetByTokenHash loads the session bound to a deploy token hash.
func (st *SessionStore) GetByTokenHash(ctx context.Context, hash string) (Session, error) {
	return st.getOne(ctx, "token_hash = ?", hash)
}

func (st *SessionStore) getOne(ctx context.Context, query string, arg any) (Session, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var model deploySessionModel
	err := st.orm.WithContext(ctx).Where(query, arg).First(&model).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return Session{}, ErrSessionNotFound
	case err != nil:
		return Session{}, fmt.Errorf("load session: %w", err)
	}
	return model.toSession()
}

// ActiveFilter relaxes the ActiveForSender exclusions for cleanup-only
// flows that must still find failed or expired sessions.
type ActiveFilter struct {
	IncludeExpired bool
	IncludeFailed  bool
}

// excludedSteps is the terminal-state predicate behind ActiveForSender:
// completed and cancelled sessions are never active; failed ones only when
// the filter asks for them.
func excludedSteps(includeFailed bool) []string {
	excluded := []string{string(StepCompleted), string(StepCancelled)}
	if !includeFailed {
		excluded = append(excluded, string(StepFailed))
	}
	return excluded
}

// ActiveForSender returns the most recent session for the address pair that
// the filter still considers live.
func (st *SessionStore) ActiveForSender(ctx context.Context, sessionAddress, smartWallet common.Address, filter ActiveFilter) (Session, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	q := st.orm.WithContext(ctx).
		Where("session_address = ?", sessionAddress.Hex()).
		Where("smart_wallet = ?", smartWallet.Hex()).
		Where("step NOT IN ?", excludedSteps(filter.IncludeFailed))
	if !filter.IncludeExpired {
		q = q.Where("expires_at > ?", time.Now().UTC())
	}

	var model deploySessionModel
	err := q.Order("created_at DESC").First(&model).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return Session{}, ErrSessionNotFound
	case err != nil:
		return Session{}, fmt.Errorf("load active session: %w", err)
	}
	return model.toSession()
}

// TerminalBefore returns sessions that reached a terminal step and were
// last touched before the cutoff. Retention tooling exports these.
func (st *SessionStore) TerminalBefore(ctx context.Context, cutoff time.Time) ([]Session, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	terminal := []string{string(StepCompleted), string(StepCancelled), string(StepFailed)}

	var models []deploySessionModel
	err := st.orm.WithContext(ctx).
		Where("step IN ?", terminal).
		Where("updated_at < ?", cutoff.UTC()).
		Order("created_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("list terminal sessions: %w", err)
	}

	sessions := make([]Session, 0, len(models))
	for _, m := range models {
		s, err := m.toSession()
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, nil
}

// RestoreSession re-inserts an archived session. Rows that already exist
// are left untouched so a restore can never regress live state; the
// returned bool reports whether a row was written.
func (st *SessionStore) RestoreSession(ctx context.Context, s Session) (bool, error) {
	_, err := st.GetByTokenHash(ctx, s.TokenHash)
	switch {
	case err == nil:
		return false, nil
	case !errors.Is(err, ErrSessionNotFound):
		return false, err
	}

	if s.SessionOwnerKeyEnc == nil {
		// Archives never carry key material.
		s.SessionOwnerKeyEnc = []byte{}
	}
	if _, err := st.Create(ctx, s); err != nil {
		return false, err
	}
	return true, nil
}

// Update applies a partial update. Unset fields are preserved, the payload
// patch merges key-wise into the stored payload, and step changes must be
// legal transitions: equal steps are idempotent no-ops, terminal sessions
// accept diagnostics only.
func (st *SessionStore) Update(ctx context.Context, id uuid.UUID, upd UpdateSession) (Session, error) {
	current, err := st.GetByID(ctx, id)
	if err != nil {
		return Session{}, err
	}

	updates := map[string]any{"updated_at": time.Now().UTC()}

	if upd.Step != nil {
		to := *upd.Step
		if !to.Valid() {
			return Session{}, fmt.Errorf("%w: unknown step %q", ErrValidation, to)
		}
		switch {
		case to == current.Step:
			// Idempotent retry of the same transition.
		case current.Step.Terminal():
			return Session{}, ErrSessionTerminal
		case !canTransition(current.Step, to):
			return Session{}, fmt.Errorf("%w: %s -> %s", ErrStepRegression, current.Step, to)
		}
		updates["step"] = string(to)
	}
	if upd.LastError != nil {
		updates["last_error"] = *upd.LastError
	}
	if upd.LastUserOpHash != nil {
		updates["last_user_op_hash"] = *upd.LastUserOpHash
	}
	if upd.LastTxHash != nil {
		updates["last_tx_hash"] = *upd.LastTxHash
	}
	if len(upd.PayloadPatch) > 0 {
		updates["payload"] = gorm.Expr("COALESCE(payload, '{}'::jsonb) || ?::jsonb", toJSONMap(upd.PayloadPatch))
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	orm := st.orm.WithContext(ctx)
	write := orm.Model(&deploySessionModel{}).Where("id = ?", id)
	if upd.Step != nil {
		// The precheck above gives a precise error; this guard makes the
		// forward-only rule hold even when two writers race the row, the
		// same way nonce consumption guards inside its UPDATE.
		write = write.Where("step IN ?", transitionSources(*upd.Step))
	}
	res := write.Updates(updates)
	if res.Error != nil {
		return Session{}, fmt.Errorf("update session: %w", res.Error)
	}
	if upd.Step != nil && res.RowsAffected == 0 {
		fresh, err := st.GetByID(ctx, id)
		if err != nil {
			return Session{}, err
		}
		if fresh.Step.Terminal() {
			return Session{}, ErrSessionTerminal
		}
		return Session{}, fmt.Errorf("%w: %s -> %s", ErrStepRegression, fresh.Step, *upd.Step)
	}

	var model deploySessionModel
	if err := orm.Where("id = ?", id).First(&model).Error; err != nil {
		return Session{}, fmt.Errorf("reload session: %w", err)
	}
	return model.toSession()
}

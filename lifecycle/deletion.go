package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/openarchive/stors/internal"
	"github.com/openarchive/stors/meta"
)

// RequestDeletion files a deletion Event in SUBMITTED state. The Package
// itself is not touched. When a SUBMITTED deletion Event already exists
// for the Package it is returned instead of creating a second one: only
// one outstanding request should ever be actioned.
func (e *Engine) RequestDeletion(ctx context.Context, packageUUID, userID, reason string) (*meta.Event, error) {
	if _, err := e.store.GetPackage(ctx, packageUUID); err != nil {
		return nil, err
	}
	if existing, err := e.store.PendingDeletionEvent(ctx, packageUUID); err == nil {
		logger.Infof("deletion of %s already requested by %s", packageUUID, existing.UserID)
		return existing, nil
	} else if err != internal.ErrNotFound {
		return nil, err
	}
	event := &meta.Event{
		UUID:        uuid.NewString(),
		PackageUUID: packageUUID,
		Type:        meta.EventDelete,
		Reason:      reason,
		UserID:      userID,
		Status:      meta.EventSubmitted,
		CreatedTime: time.Now().UTC(),
	}
	if err := e.store.CreateEvent(ctx, event); err != nil {
		return nil, err
	}
	return event, nil
}

// ApproveDeletion transitions the Event to APPROVED and deletes the
// Package from storage. A storage failure triggers the explicit
// APPROVED -> SUBMITTED reversion so the operator can retry; the
// failure reason lands in the Event's status reason.
//
// Approving an Event that is not SUBMITTED is a workflow misuse and
// returns a hard error.
func (e *Engine) ApproveDeletion(ctx context.Context, eventUUID, adminID string) (bool, string, error) {
	if !e.hasRole(adminID, "admin") {
		return false, "", fmt.Errorf("user %s lacks the admin role", adminID)
	}
	event, err := e.store.GetEvent(ctx, eventUUID)
	if err != nil {
		return false, "", err
	}
	if event.Status != meta.EventSubmitted {
		return false, "", fmt.Errorf("event %s is %s, not %s", eventUUID, event.Status, meta.EventSubmitted)
	}
	if _, err = e.store.UpdateEvent(ctx, eventUUID, func(ev *meta.Event) error {
		ev.Status = meta.EventApproved
		ev.AdminID = adminID
		return nil
	}); err != nil {
		return false, "", err
	}

	ok, msg := e.DeleteFromStorage(ctx, event.PackageUUID)
	if !ok {
		// Explicit reversion transition: APPROVED --(storage
		// failure)--> SUBMITTED, with the backend's message preserved
		// for the operator.
		if _, rerr := e.store.UpdateEvent(ctx, eventUUID, func(ev *meta.Event) error {
			ev.Status = meta.EventSubmitted
			ev.StatusReason = msg
			return nil
		}); rerr != nil {
			logger.Errorf("failed to revert event %s to submitted: %v", eventUUID, rerr)
		}
		return false, msg, nil
	}
	return true, "", nil
}

// RejectDeletion marks the Event REJECTED; the Package is unchanged.
func (e *Engine) RejectDeletion(ctx context.Context, eventUUID, adminID, reason string) error {
	if !e.hasRole(adminID, "admin") {
		return fmt.Errorf("user %s lacks the admin role", adminID)
	}
	event, err := e.store.GetEvent(ctx, eventUUID)
	if err != nil {
		return err
	}
	if event.Status != meta.EventSubmitted {
		return fmt.Errorf("event %s is %s, not %s", eventUUID, event.Status, meta.EventSubmitted)
	}
	_, err = e.store.UpdateEvent(ctx, eventUUID, func(ev *meta.Event) error {
		ev.Status = meta.EventRejected
		ev.AdminID = adminID
		ev.StatusReason = reason
		return nil
	})
	return err
}

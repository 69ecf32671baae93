package refund

import (
	"context"
	"fmt"

	"signledger/internal/common/events"
	"signledger/internal/common/nats"
)

// Lifecycle subjects published by the document store
const (
	SubjectEntityArchived  = events.EventEntityArchived
	SubjectEntityCompleted = events.EventEntityCompleted
)

// HandleLifecycleEvent applies a document lifecycle event. Documents that are
// not billable are acknowledged and ignored.
func (s *Service) HandleLifecycleEvent(ctx context.Context, evt *events.Event) error {
	var data events.EntityLifecycleData
	if err := evt.DecodeData(&data); err != nil {
		return fmt.Errorf("%w: decoding %s: %v", nats.ErrPermanent, evt.Type, err)
	}
	if data.EntityID == "" {
		return fmt.Errorf("%w: %s without entity_id", nats.ErrPermanent, evt.Type)
	}

	entityType := EntityType(data.EntityType)
	if !entityType.Valid() {
		s.logger.Debug("ignoring lifecycle event for non-billable entity",
			"type", evt.Type,
			"entity_type", data.EntityType,
			"entity_id", data.EntityID,
		)
		return nil
	}

	switch evt.Type {
	case SubjectEntityArchived:
		_, err := s.ProcessEntityRefund(ctx, data.EntityID, entityType, data.ArchiveReason)
		return err
	case SubjectEntityCompleted:
		_, err := s.EntityCompleted(ctx, data.EntityID, entityType)
		return err
	default:
		return fmt.Errorf("%w: unexpected event type %q", nats.ErrPermanent, evt.Type)
	}
}

package events

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	events []*Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, e *Event) error {
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, e)
	return nil
}

func TestNewEventRoundTripsData(t *testing.T) {
	evt, err := NewEvent(EventEntityArchived, "cus_1", "signature_request", "sr_1",
		EntityLifecycleData{EntityID: "sr_1", EntityType: "signature_request", ArchiveReason: "cancelled"})
	require.NoError(t, err)

	assert.NotEmpty(t, evt.ID)
	assert.Equal(t, 1, evt.Version)
	assert.Equal(t, "cus_1", evt.CustomerID)

	var data EntityLifecycleData
	require.NoError(t, evt.DecodeData(&data))
	assert.Equal(t, "cancelled", data.ArchiveReason)
}

func TestPublishAfterCommitSwallowsErrors(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ok := &recordingPublisher{}
	PublishAfterCommit(context.Background(), ok, logger, EventWalletDebited, "cus_1", "wallet_transaction", "tx_1", WalletTransactionData{Amount: 10})
	require.Len(t, ok.events, 1)
	assert.Equal(t, EventWalletDebited, ok.events[0].Type)

	failing := &recordingPublisher{err: errors.New("broker down")}
	assert.NotPanics(t, func() {
		PublishAfterCommit(context.Background(), failing, logger, EventWalletDebited, "cus_1", "wallet_transaction", "tx_1", nil)
	})
}

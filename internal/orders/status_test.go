package orders

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusRank(t *testing.T) {
	assert.Equal(t, RankInitial, StatusPendingNew.Rank())
	assert.Equal(t, RankInitial, StatusDryRun.Rank())
	assert.Equal(t, RankSubmitted, StatusSubmittedUnconfirmed.Rank())
	assert.Equal(t, RankActive, StatusPartiallyFilled.Rank())
	assert.Equal(t, RankTerminal, StatusBlockedKillSwitch.Rank())
	assert.Equal(t, RankFilled, StatusFilled.Rank())
	assert.Equal(t, RankUnknown, Status("held").Rank())
	assert.False(t, Status("held").Known())
	assert.False(t, Status("held").IsTerminal())
	assert.True(t, StatusRejected.IsTerminal())
}

func TestFromBroker(t *testing.T) {
	assert.Equal(t, StatusAccepted, FromBroker("pending_new"))
	assert.Equal(t, StatusCanceled, FromBroker("CANCELLED"))
	assert.Equal(t, StatusFilled, FromBroker(" filled "))
}

func TestParentAllowed(t *testing.T) {
	for _, s := range ParentAllowedStatuses() {
		assert.True(t, ParentAllowed(s), s)
	}
	assert.False(t, ParentAllowed(StatusCanceled))
	assert.False(t, ParentAllowed(StatusFilled))
}

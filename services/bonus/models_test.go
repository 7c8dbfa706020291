package bonus

import (
	"testing"
	"time"

	errorutils "github.com/quillpay/platform/libs/errorutils"
	"github.com/stretchr/testify/assert"
)

func TestTemplateLive(t *testing.T) {
	now := time.Now().UTC()
	tpl := &Template{
		IsActive:   true,
		ValidFrom:  now.Add(-time.Hour),
		ValidUntil: now.Add(time.Hour),
	}
	assert.True(t, tpl.Live(now))

	tpl.IsActive = false
	assert.False(t, tpl.Live(now))

	tpl.IsActive = true
	assert.False(t, tpl.Live(now.Add(-2*time.Hour)))
	assert.False(t, tpl.Live(now.Add(2*time.Hour)))

	// boundary instants are inclusive
	assert.True(t, tpl.Live(tpl.ValidFrom))
	assert.True(t, tpl.Live(tpl.ValidUntil))
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to string
		want     bool
	}{
		{StatusPending, StatusActive, true},
		{StatusPending, StatusCancelled, true},
		{StatusPending, StatusConverted, false},
		{StatusActive, StatusInProgress, true},
		{StatusActive, StatusLocked, true},
		{StatusInProgress, StatusRequirementsMet, true},
		{StatusInProgress, StatusActive, false},
		{StatusRequirementsMet, StatusConverted, true},
		{StatusRequirementsMet, StatusClaimed, true},
		{StatusConverted, StatusClaimed, true},
		{StatusConverted, StatusForfeited, false},
		{StatusLocked, StatusActive, true},
		{StatusLocked, StatusCancelled, true},
		{StatusLocked, StatusConverted, false},
		// terminal states go nowhere
		{StatusClaimed, StatusActive, false},
		{StatusForfeited, StatusActive, false},
		{StatusExpired, StatusActive, false},
		{StatusCancelled, StatusActive, false},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, CanTransition(tc.from, tc.to),
			"%s -> %s", tc.from, tc.to)
	}
}

func TestValidateTransition(t *testing.T) {
	assert.NoError(t, ValidateTransition(StatusActive, StatusForfeited))

	err := ValidateTransition(StatusClaimed, StatusActive)
	assert.Equal(t, errorutils.KindPrecondition, errorutils.KindOf(err))
}

func TestPreLockStatus(t *testing.T) {
	ub := &UserBonus{
		Status: StatusLocked,
		History: []StatusHistoryEntry{
			{To: StatusActive},
			{From: StatusActive, To: StatusInProgress},
			{From: StatusInProgress, To: StatusLocked},
		},
	}
	assert.Equal(t, StatusInProgress, ub.PreLockStatus())

	// a second lock cycle resolves to the latest lock entry
	ub.History = append(ub.History,
		StatusHistoryEntry{From: StatusLocked, To: StatusRequirementsMet},
		StatusHistoryEntry{From: StatusRequirementsMet, To: StatusLocked},
	)
	assert.Equal(t, StatusRequirementsMet, ub.PreLockStatus())

	assert.Equal(t, "", (&UserBonus{Status: StatusActive}).PreLockStatus())
}

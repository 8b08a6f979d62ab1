package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDaysUntil(t *testing.T) {
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		end  time.Time
		want int
	}{
		{"same instant", now, 0},
		{"later today", now.Add(6 * time.Hour), 0},
		{"just under three days", now.Add(72*time.Hour - time.Minute), 2},
		{"exactly three days", now.Add(72 * time.Hour), 3},
		{"an hour past", now.Add(-time.Hour), -1},
		{"25 hours past", now.Add(-25 * time.Hour), -2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DaysUntil(tt.end, now))
		})
	}
}

func TestAccessRecordAllowed(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	r := AccessRecord{Active: true}
	assert.True(t, r.Allowed(now), "no end date means open-ended access")

	r.SubscriptionEnd = &future
	assert.True(t, r.Allowed(now))

	r.SubscriptionEnd = &past
	assert.False(t, r.Allowed(now))

	r = AccessRecord{Active: false, SubscriptionEnd: &future}
	assert.False(t, r.Allowed(now))
}

func TestAudienceSelectorMatches(t *testing.T) {
	now := time.Now()
	soon := now.Add(2 * 24 * time.Hour)
	trial := UserRecord{UserID: 1, RoleTag: "Trial-7-Day", Active: true}
	premium := UserRecord{UserID: 2, RoleTag: "premium", Active: false, SubscriptionEnd: &soon}

	assert.True(t, AudienceSelector{Kind: SelectAll}.Matches(trial, now))

	// Group match is a case-insensitive substring test on the role tag.
	group := AudienceSelector{Kind: SelectGroup, GroupTag: "trial"}
	assert.True(t, group.Matches(trial, now))
	assert.False(t, group.Matches(premium, now))

	active := AudienceSelector{Kind: SelectActiveOnly}
	assert.True(t, active.Matches(trial, now))
	assert.False(t, active.Matches(premium, now))

	expiring := AudienceSelector{Kind: SelectExpiringWithin, Days: 3}
	assert.True(t, expiring.Matches(premium, now))
	assert.False(t, expiring.Matches(trial, now), "no end date never counts as expiring")

	list := AudienceSelector{Kind: SelectExplicitList, UserIDs: []int64{2, 5}}
	assert.True(t, list.Matches(premium, now))
	assert.False(t, list.Matches(trial, now))

	assert.False(t, AudienceSelector{Kind: "bogus"}.Matches(trial, now))
}

func TestTopicForKindCoversEveryKind(t *testing.T) {
	kinds := []NotificationKind{
		KindAdminBlock, KindAdminUnblock, KindSubWarning, KindSubExpired,
		KindBroadcast, KindPersonal, KindSystem,
	}
	for _, k := range kinds {
		topic := TopicForKind(k)
		assert.Contains(t, NotifTopics, topic, "kind %s must route to a drained topic", k)
	}
}

func TestBroadcastStatusTerminal(t *testing.T) {
	assert.False(t, BroadcastPending.Terminal())
	assert.False(t, BroadcastInProgress.Terminal())
	assert.True(t, BroadcastCompleted.Terminal())
	assert.True(t, BroadcastFailed.Terminal())
	assert.True(t, BroadcastCancelled.Terminal())
}

package repository

import (
	"strconv"
	"strings"
)

// Coordination-layer key layout. These names are read by operators; keep them stable.
const (
	registrationActivityPrefix    = "registration:activity:"
	registrationRegistratorPrefix = "registration:registrator:"
	registrationOutboxPrefix      = "registration:outbox:"
	checkinUserPrefix             = "checkin:user:"
	checkinLocationPrefix         = "checkin:location:"
	checkinOutboxPrefix           = "checkin:outbox:"
)

func idSuffix(prefix string, activityID int64) string {
	return prefix + strconv.FormatInt(activityID, 10)
}

// LedgerCounterKey holds the remaining capacity of an activity.
func LedgerCounterKey(activityID int64) string {
	return idSuffix(registrationActivityPrefix, activityID)
}

// LedgerAdmittedKey holds the set of admitted phones.
func LedgerAdmittedKey(activityID int64) string {
	return idSuffix(registrationRegistratorPrefix, activityID)
}

// RegistrationOutboxKey maps phone to the admission event not yet persisted.
func RegistrationOutboxKey(activityID int64) string {
	return idSuffix(registrationOutboxPrefix, activityID)
}

// CheckinAllowListKey holds phones still allowed to check in.
func CheckinAllowListKey(activityID int64) string {
	return idSuffix(checkinUserPrefix, activityID)
}

// CheckinLocationKey holds the activity reference point, member named by the activity id.
func CheckinLocationKey(activityID int64) string {
	return idSuffix(checkinLocationPrefix, activityID)
}

// CheckinOutboxKey maps phone to the check-in event not yet persisted.
func CheckinOutboxKey(activityID int64) string {
	return idSuffix(checkinOutboxPrefix, activityID)
}

func parseKeyID(key, prefix string) (int64, bool) {
	if !strings.HasPrefix(key, prefix) {
		return 0, false
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(key, prefix), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

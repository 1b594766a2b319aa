package common

import (
	"errors"
	"math"
)

var (
	ErrQuotaRequestsExceeded = errors.New("quota requests exceeded")
	ErrQuotaHoursExceeded    = errors.New("quota hours exceeded")
	ErrQuotaCounterOverflow  = errors.New("quota counter overflow")
)

// QuotaNow captures the current quota usage counters for an address.
type QuotaNow struct {
	ReqCount  uint32
	HoursUsed uint64
	EpochID   uint64
}

// Quota defines the limits enforced for a module interaction per address. The
// hours dimension caps the aggregate rental hours an address may bid for in a
// single epoch.
type Quota struct {
	MaxRequestsPerEpoch uint32
	MaxHoursPerEpoch    uint64
	EpochSeconds        uint32
}

// Enabled reports whether any limit is configured.
func (q Quota) Enabled() bool {
	return q.MaxRequestsPerEpoch > 0 || q.MaxHoursPerEpoch > 0
}

// EpochID maps a unix timestamp onto the quota epoch it belongs to.
func (q Quota) EpochID(now int64) uint64 {
	if q.EpochSeconds == 0 || now <= 0 {
		return 0
	}
	return uint64(now) / uint64(q.EpochSeconds)
}

// CheckQuota verifies whether the additional request and hour usage fit within
// the configured quota. The returned QuotaNow reflects the updated counters
// when the quota is not exceeded; on denial the previous counters are returned
// unchanged.
func CheckQuota(q Quota, nowEpoch uint64, prev QuotaNow, addReq uint32, addHours uint64) (QuotaNow, error) {
	next := prev
	if prev.EpochID != nowEpoch {
		next = QuotaNow{EpochID: nowEpoch}
	}

	if addReq > 0 {
		if next.ReqCount > math.MaxUint32-addReq {
			return prev, ErrQuotaCounterOverflow
		}
		next.ReqCount += addReq
	}
	if q.MaxRequestsPerEpoch > 0 && next.ReqCount > q.MaxRequestsPerEpoch {
		return prev, ErrQuotaRequestsExceeded
	}

	if addHours > 0 {
		if next.HoursUsed > math.MaxUint64-addHours {
			return prev, ErrQuotaCounterOverflow
		}
		next.HoursUsed += addHours
	}
	if q.MaxHoursPerEpoch > 0 && next.HoursUsed > q.MaxHoursPerEpoch {
		return prev, ErrQuotaHoursExceeded
	}

	return next, nil
}

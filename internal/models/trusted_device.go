package models

import "time"

// TrustedDevice grants one browser/device a time-limited exemption from
// live MFA challenges. Expired entries are ignored at check time and only
// pruned when the collection is next written.
type TrustedDevice struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Fingerprint string    `json:"fingerprint"`
	AddedAt     time.Time `json:"addedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
	LastUsed    time.Time `json:"lastUsed"`
}

func (d TrustedDevice) Expired(now time.Time) bool {
	return !d.ExpiresAt.After(now)
}

type TrustedDeviceList []TrustedDevice

// Active returns the entries still within their trust window.
func (l TrustedDeviceList) Active(now time.Time) TrustedDeviceList {
	out := make(TrustedDeviceList, 0, len(l))
	for _, d := range l {
		if !d.Expired(now) {
			out = append(out, d)
		}
	}
	return out
}

func (l TrustedDeviceList) Find(id string) (TrustedDevice, bool) {
	for _, d := range l {
		if d.ID == id {
			return d, true
		}
	}
	return TrustedDevice{}, false
}

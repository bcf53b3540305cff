// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package admin

import (
	"time"

	"decred.org/dcrcustody/server/db"
)

// CoinState is a coin's configuration and checkpoint.
type CoinState struct {
	Symbol        string       `json:"symbol"`
	Chain         string       `json:"chain"`
	Decimals      uint8        `json:"decimals"`
	Contract      string       `json:"contract,omitempty"`
	Confirmations uint64       `json:"confirmations"`
	Info          *db.CoinInfo `json:"info"`
}

// AddressResult is the result of an address registration.
type AddressResult struct {
	Chain    string `json:"chain"`
	ClientID int64  `json:"clientId"`
	Path     string `json:"path"`
	Address  string `json:"address"`
}

// JobState summarizes a scheduled job.
type JobState struct {
	Name      string   `json:"name"`
	Interval  string   `json:"interval"`
	Running   bool     `json:"running"`
	Halted    bool     `json:"halted"`
	LastRun   *APITime `json:"lastrun,omitempty"`
	LastError string   `json:"lasterror,omitempty"`
}

// APITime marshals and unmarshals a time value in time.RFC3339Nano format.
type APITime struct {
	time.Time
}

// RFC3339Milli is the RFC3339 time formatting with millisecond precision.
const RFC3339Milli = "2006-01-02T15:04:05.999Z07:00"

// MarshalJSON marshals APITime to a JSON string in RFC3339 format except with
// millisecond precision.
func (at *APITime) MarshalJSON() ([]byte, error) {
	return []byte(`"` + at.Time.Format(RFC3339Milli) + `"`), nil
}

// UnmarshalJSON unmarshals JSON string containing a time in RFC3339 format with
// millisecond precision into an APITime.
func (at *APITime) UnmarshalJSON(b []byte) error {
	t, err := time.Parse(`"`+RFC3339Milli+`"`, string(b))
	if err != nil {
		return err
	}
	at.Time = t
	return nil
}

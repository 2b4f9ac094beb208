// Package timesource provides the wall clock used to stamp logbook records.
// Laboratory PCs drift, so an NTP server is preferred when one is
// configured and the local clock is the fallback.
package timesource

import (
	"time"

	"github.com/beevik/ntp"
	"github.com/labstack/gommon/log"
)

// StampLayout is how record times are shown to the operator.
const StampLayout = "2006/01/02 15:04:05"

type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// Local is the machine clock.
var Local Clock = ClockFunc(time.Now)

// NTP reads the time from an NTP server on every call.
type NTP struct {
	server   string
	timeout  time.Duration
	fallback Clock
	log      *log.Logger
	query    func(server string, opts ntp.QueryOptions) (*ntp.Response, error)
}

// NewNTP returns a clock backed by server. An empty server name always
// uses the local clock.
func NewNTP(server string, timeout time.Duration, logger *log.Logger) *NTP {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if logger == nil {
		logger = log.New("timesource")
	}
	return &NTP{
		server:   server,
		timeout:  timeout,
		fallback: Local,
		log:      logger,
		query:    ntp.QueryWithOptions,
	}
}

// Now returns the server time, or the local time when the server cannot be
// reached.
func (n *NTP) Now() time.Time {
	if n.server == "" {
		return n.fallback.Now()
	}
	resp, err := n.query(n.server, ntp.QueryOptions{Timeout: n.timeout})
	if err == nil {
		err = resp.Validate()
	}
	if err != nil {
		n.log.Warnf("ntp %s: %v, using local clock", n.server, err)
		return n.fallback.Now()
	}
	return n.fallback.Now().Add(resp.ClockOffset)
}

// Stamp returns the current time of c with whole seconds, as it is recorded
// in a logbook.
func Stamp(c Clock) time.Time {
	return c.Now().Local().Truncate(time.Second)
}

// Format renders t in StampLayout.
func Format(t time.Time) string {
	return t.Local().Format(StampLayout)
}

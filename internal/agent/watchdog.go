package agent

import (
	"time"

	"github.com/sirupsen/logrus"
)

type silenceStage int

const (
	stageQuiet silenceStage = iota
	stageWarned
)

// callSession is the per-call state owned by the dispatcher.
type callSession struct {
	epoch          uint64
	lastActivityAt time.Time
	stage          silenceStage
	watchdog       Timer
}

func (c *Controller) armWatchdog() {
	call := c.call
	epoch := call.epoch
	call.watchdog = c.clock.AfterFunc(c.cfg.WatchdogInterval, func() {
		c.loop.do(func() { c.onWatchdog(epoch) })
	})
}

// onWatchdog runs once per interval. Time spent waiting for a reply or
// speaking does not count as silence; listening does.
func (c *Controller) onWatchdog(epoch uint64) {
	call := c.call
	if call == nil || call.epoch != epoch {
		return
	}
	c.armWatchdog()

	now := c.clock.Now()
	if c.thinking || c.speaking {
		call.lastActivityAt = now
		return
	}
	silent := now.Sub(call.lastActivityAt)
	switch call.stage {
	case stageQuiet:
		if silent > c.cfg.WarnAfter {
			call.stage = stageWarned
			c.log.WithField("silent", silent).Info("no activity, prompting the user")
			c.speak(c.cfg.WarningPrompt)
		}
	case stageWarned:
		if silent > c.cfg.EndAfter {
			c.log.WithFields(logrus.Fields{"silent": silent}).Info("no activity after prompt, ending call")
			c.endCall(EndByInactivity)
		}
	}
}

func (c *Controller) markActivity() {
	if c.call != nil {
		c.call.lastActivityAt = c.clock.Now()
	}
}

// markUserActivity also re-arms the warning.
func (c *Controller) markUserActivity() {
	if c.call != nil {
		c.call.lastActivityAt = c.clock.Now()
		c.call.stage = stageQuiet
	}
}

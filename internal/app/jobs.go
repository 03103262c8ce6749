package app

import (
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/talkincode/wabridge/internal/domain"
)

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// messageLogRetention is how long durable message rows are kept before the
// daily prune removes them.
const messageLogRetention = 90 * 24 * time.Hour

func (a *Application) initJob() {
	loc, _ := time.LoadLocation(a.appConfig.System.Location)
	a.sched = cron.New(cron.WithLocation(loc), cron.WithParser(cronParser))

	_, err := a.sched.AddFunc("@daily", func() {
		cutoff := time.Now().Add(-messageLogRetention).Unix()
		a.gormDB.
			Where("timestamp < ?", cutoff).
			Delete(domain.MessageLog{})
	})
	if err != nil {
		zap.S().Errorf("init job error %s", err.Error())
	}

	a.sched.Start()
}

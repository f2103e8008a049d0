package launch

import (
	"github.com/opentransit/gridbroker/internal/broker/core"
	"github.com/opentransit/gridbroker/internal/shared/logging"
)

// LogLauncher records capacity requests in the log without starting
// anything. It is the launcher for deployments where instances are managed
// externally (or not at all), and the default when no cloud launcher is
// configured. Requests are best effort by contract, so a launcher that only
// logs satisfies it.
type LogLauncher struct {
	logger logging.Logger
}

func NewLogLauncher(logger logging.Logger) *LogLauncher {
	return &LogLauncher{logger: logger}
}

func (l *LogLauncher) Launch(category core.WorkerCategory, tags core.WorkerTags, nOnDemand, nSpot int) {
	l.logger.Info("Launch requested",
		"category", category.String(),
		"on_demand", nOnDemand,
		"spot", nSpot,
		"user", tags.User,
		"group", tags.Group,
	)
}

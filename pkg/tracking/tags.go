package tracking

import (
	"os"
	"os/user"
	"path/filepath"
)

const (
	TagParentRunID    = "modelkit.parentRunId"
	TagAutologging    = "modelkit.autologging"
	TagRunName        = "modelkit.runName"
	TagSourceName     = "modelkit.source.name"
	TagSourceType     = "modelkit.source.type"
	TagUser           = "modelkit.user"
	TagLoggedModels   = "modelkit.log-model.history"
	TagEstimatorName  = "estimator_name"
	TagEstimatorClass = "estimator_class"
)

// ResolveContextTags returns the tags describing who started a run and from where.
func ResolveContextTags() map[string]string {
	tags := map[string]string{
		TagSourceType: "LOCAL",
	}
	if u, err := user.Current(); err == nil && u.Username != "" {
		tags[TagUser] = u.Username
	} else if name := os.Getenv("USER"); name != "" {
		tags[TagUser] = name
	}
	if len(os.Args) > 0 {
		if abs, err := filepath.Abs(os.Args[0]); err == nil {
			tags[TagSourceName] = abs
		} else {
			tags[TagSourceName] = os.Args[0]
		}
	}
	return tags
}

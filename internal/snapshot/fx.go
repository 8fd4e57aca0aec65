package snapshot

import (
	"github.com/smallbiznis/attribution/internal/snapshot/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("snapshot.repository",
	fx.Provide(repository.Provide),
)

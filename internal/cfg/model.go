package cfg

import (
	"reflect"

	"github.com/caarlos0/env/v11"

	"github.com/e2b-dev/infra/packages/heaptracker/internal/heaptracker"
)

type Config struct {
	BackingSize uint64 `env:"HOST_MEMORY_BACKING_SIZE" envDefault:"1073741824"`
	Debug       bool   `env:"DEBUG"`
	ServiceName string `env:"SERVICE_NAME"             envDefault:"heap-tracker"`
	VirtualSize uint64 `env:"HOST_MEMORY_VIRTUAL_SIZE" envDefault:"68719476736"`

	HeapTracker heaptracker.Config
}

func Parse() (Config, error) {
	return env.ParseAsWithOptions[Config](env.Options{
		FuncMap: map[reflect.Type]env.ParserFunc{
			reflect.TypeOf(heaptracker.LockDiscipline(0)): parseLockDiscipline,
		},
	})
}

func parseLockDiscipline(value string) (any, error) {
	return heaptracker.ParseLockDiscipline(value)
}

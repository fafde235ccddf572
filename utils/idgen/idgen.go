package idgen

import (
	"strconv"

	"github.com/google/uuid"
	"github.com/sony/sonyflake"
)

type Generator interface {
	NextID() (string, error)
}

// Default uses sonyflake, falling back to random UUIDs on hosts where
// sonyflake cannot derive a machine id.
var Default Generator = newDefault()

func newDefault() Generator {
	if g := NewSonyflake(sonyflake.Settings{}); g != nil {
		return g
	}
	return UUID
}

// NewSonyflake returns nil when the settings cannot produce a generator.
func NewSonyflake(st sonyflake.Settings) Generator {
	sf := sonyflake.NewSonyflake(st)
	if sf == nil {
		return nil
	}
	return &sfWrapper{Sonyflake: sf}
}

type sfWrapper struct {
	*sonyflake.Sonyflake
}

func (g *sfWrapper) NextID() (string, error) {
	id, err := g.Sonyflake.NextID()

	return strconv.FormatUint(id, 10), err
}

var UUID Generator = &uuidWrapper{}

type uuidWrapper struct {
}

func (g *uuidWrapper) NextID() (string, error) {
	u, err := uuid.NewRandom()
	return u.String(), err
}

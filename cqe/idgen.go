package cqe

import (
	"strconv"
	"sync/atomic"

	"github.com/rs/xid"
)

type idGenerator interface {
	Generate() string
}

type xidGenerator struct{}

func (xidGenerator) Generate() string {
	return xid.New().String()
}

type sequentialIDGenerator struct {
	prefix string
	nextID atomic.Uint64
}

func (g *sequentialIDGenerator) Generate() string {
	return g.prefix + strconv.FormatUint(g.nextID.Add(1), 10)
}

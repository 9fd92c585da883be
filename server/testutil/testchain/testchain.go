// Package testchain is a manually stepped block clock for tests.
package testchain

type Chain struct {
	height uint64
}

func New(startHeight uint64) *Chain {
	return &Chain{height: startHeight}
}

func (c *Chain) CurrentHeight() uint64 {
	return c.height
}

// Advance moves the chain forward n blocks.
func (c *Chain) Advance(n uint64) {
	c.height += n
}

// SetHeight jumps the chain to an absolute height.
func (c *Chain) SetHeight(h uint64) {
	c.height = h
}

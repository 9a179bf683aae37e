package table

import "context"

// None is the no-partition-table strategy: zero overhead and a single
// implicit partition spanning the whole device. Used for raw filesystem
// images that are mounted or flashed directly.
type None struct{}

func NewNone() *None { return &None{} }

func (n *None) Kind() string { return "none" }

func (n *None) MaxPartitions() int { return 1 }

func (n *None) WholeDevice() bool { return true }

func (n *None) OverheadStart(int64) int64 { return 0 }

func (n *None) OverheadEnd(int64) int64 { return 0 }

func (n *None) WriteTable(context.Context, string, Layout, []Entry) error {
	return nil
}

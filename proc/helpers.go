package proc

import (
	"context"

	"corekernel/fsiface"
)

func contextBackground() context.Context {
	return context.Background()
}

func translatePerm(bits uint64) fsiface.Perm {
	return fsiface.Perm(bits)
}
